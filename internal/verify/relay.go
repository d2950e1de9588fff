// Package verify links external accounts to players by matching a code
// issued out of band against one typed in game chat.
package verify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ernie/squad-tracker/internal/domain"
	"github.com/ernie/squad-tracker/internal/metrics"
	"github.com/ernie/squad-tracker/internal/notify"
	"github.com/ernie/squad-tracker/internal/storage"
)

var (
	ErrNotFound    = errors.New("verification code not found")
	ErrExpired     = errors.New("verification code expired")
	ErrInvalidCode = errors.New("invalid verification code")
	ErrCooldown    = errors.New("verification requested too recently")
)

const (
	DefaultTTL   = 10 * time.Minute
	maxCodeTries = 5
	cooldownVerb = "link"
)

// codePattern accepts a bare code or "!link CODE"
var codePattern = regexp.MustCompile(`^(?:!LINK\s+)?([A-Z0-9]{5,6})$`)

// ExtractCode returns the code carried by a chat message, if any
func ExtractCode(message string) (string, bool) {
	m := codePattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(message)))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// PendingRequest is an out-of-band request for a code
type PendingRequest struct {
	RequesterID    string
	ResponseTarget string        // where to report the match, see WebhookNotifier
	TTL            time.Duration // zero uses the relay default
}

// Match is what the requester is told once their code is typed in game
type Match struct {
	Code           string
	ResponseTarget string
	Link           domain.LinkedIdentity
}

// Notifier reports a completed match back to the requester
type Notifier interface {
	Notify(ctx context.Context, m Match) error
}

// Options configures a Relay
type Options struct {
	TTL           time.Duration
	Cooldown      time.Duration
	NotifyTimeout time.Duration
	Notifier      Notifier
	Publisher     *notify.Publisher
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Relay issues codes and completes links
type Relay struct {
	store         *storage.Store
	ttl           time.Duration
	cooldown      time.Duration
	notifyTimeout time.Duration
	notifier      Notifier
	publisher     *notify.Publisher
	metrics       *metrics.Metrics
	log           zerolog.Logger
	now           func() time.Time
	newCode       func() (string, error)

	wg sync.WaitGroup // in-flight notifications
}

// New creates a relay over store
func New(store *storage.Store, opts Options) *Relay {
	r := &Relay{
		store:         store,
		ttl:           opts.TTL,
		cooldown:      opts.Cooldown,
		notifyTimeout: opts.NotifyTimeout,
		notifier:      opts.Notifier,
		publisher:     opts.Publisher,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		now:           opts.Now,
		newCode:       GenerateCode,
	}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	if r.notifyTimeout <= 0 {
		r.notifyTimeout = 30 * time.Second
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// StorePending issues a fresh code for the requester, replacing any code they
// already hold
func (r *Relay) StorePending(ctx context.Context, req PendingRequest) (string, error) {
	if req.RequesterID == "" {
		return "", errors.New("requester id is required")
	}

	var lastErr error
	for try := 0; try < maxCodeTries; try++ {
		code, err := r.newCode()
		if err != nil {
			return "", fmt.Errorf("generating code: %w", err)
		}

		err = r.store.WithTx(ctx, func(tx *storage.Tx) error {
			if r.cooldown > 0 {
				wait, err := tx.ClaimCooldown(ctx, req.RequesterID, cooldownVerb, r.now(), r.cooldown)
				if err != nil {
					return err
				}
				if wait > 0 {
					return fmt.Errorf("%w: try again in %s", ErrCooldown, wait.Round(time.Second))
				}
			}
			return r.insert(ctx, tx, code, req)
		})
		if err == nil {
			r.log.Info().Str("requester", req.RequesterID).Msg("issued verification code")
			return code, nil
		}
		if !storage.IsUniqueViolation(err) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("no free code after %d tries: %w", maxCodeTries, lastErr)
}

// StorePendingCode stores a caller-chosen code for the requester
func (r *Relay) StorePendingCode(ctx context.Context, code string, req PendingRequest) error {
	code, ok := ExtractCode(code)
	if !ok {
		return ErrInvalidCode
	}
	if req.RequesterID == "" {
		return errors.New("requester id is required")
	}

	err := r.store.WithTx(ctx, func(tx *storage.Tx) error {
		return r.insert(ctx, tx, code, req)
	})
	if storage.IsUniqueViolation(err) {
		return fmt.Errorf("code %s is already pending: %w", code, err)
	}
	return err
}

func (r *Relay) insert(ctx context.Context, tx *storage.Tx, code string, req PendingRequest) error {
	if _, err := tx.DeleteRequesterCodes(ctx, req.RequesterID); err != nil {
		return fmt.Errorf("clearing previous codes: %w", err)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = r.ttl
	}
	now := r.now().UTC()
	return tx.InsertVerificationCode(ctx, &storage.VerificationCode{
		Code:           code,
		RequesterID:    req.RequesterID,
		ResponseTarget: req.ResponseTarget,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	})
}

// Match completes the link for code in its own transaction
func (r *Relay) Match(ctx context.Context, code, serverID string, speaker domain.PlayerRef) (*domain.LinkedIdentity, error) {
	var link *domain.LinkedIdentity
	var matchErr error
	err := r.store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		link, err = r.MatchTx(ctx, tx, code, serverID, speaker)
		if errors.Is(err, ErrExpired) {
			// commit so the stale code is gone
			matchErr = err
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return link, matchErr
}

// MatchTx completes the link for code inside tx. The requester is notified
// once tx commits. An ErrExpired result leaves tx usable and the caller
// should still commit so the expired code is removed.
func (r *Relay) MatchTx(ctx context.Context, tx *storage.Tx, code, serverID string, speaker domain.PlayerRef) (*domain.LinkedIdentity, error) {
	code, ok := ExtractCode(code)
	if !ok {
		r.metrics.VerificationResult("invalid")
		return nil, ErrInvalidCode
	}

	vc, err := tx.TakeVerificationCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if vc == nil {
		r.metrics.VerificationResult("not_found")
		r.log.Debug().Str("code", code).Msg("no pending verification for code")
		return nil, ErrNotFound
	}

	now := r.now().UTC()
	if !now.Before(vc.ExpiresAt) {
		r.metrics.VerificationResult("expired")
		return nil, ErrExpired
	}

	player, err := tx.ResolvePlayer(ctx, speaker, now)
	if err != nil {
		return nil, fmt.Errorf("resolving speaker: %w", err)
	}
	if err := tx.LinkPlayer(ctx, vc.RequesterID, player.ID, serverID, now); err != nil {
		return nil, err
	}

	link := &domain.LinkedIdentity{
		RequesterID: vc.RequesterID,
		PlayerID:    player.ID,
		Name:        player.Name,
		ServerID:    serverID,
		LinkedAt:    now,
	}
	if player.SteamID != nil {
		link.SteamID = *player.SteamID
	}
	if player.EOSID != nil {
		link.EOSID = *player.EOSID
	}

	m := Match{Code: code, ResponseTarget: vc.ResponseTarget, Link: *link}
	tx.OnCommit(func() {
		r.metrics.VerificationResult("matched")
		r.log.Info().
			Str("requester", link.RequesterID).
			Int64("player_id", link.PlayerID).
			Str("server", serverID).
			Msg("account linked")
		r.publisher.LinkMatched(m.Link)
		r.dispatch(m)
	})
	return link, nil
}

// dispatch notifies off the caller's goroutine; chat is matched on a server's read loop
func (r *Relay) dispatch(m Match) {
	if r.notifier == nil || m.ResponseTarget == "" {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.notifyTimeout)
		defer cancel()
		if err := r.notifier.Notify(ctx, m); err != nil {
			r.log.Warn().Err(err).Str("requester", m.Link.RequesterID).Msg("verification notify failed")
		}
	}()
}

// Cancel withdraws a pending code
func (r *Relay) Cancel(ctx context.Context, code string) error {
	code, ok := ExtractCode(code)
	if !ok {
		return ErrInvalidCode
	}

	var existed bool
	err := r.store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		existed, err = tx.DeleteVerificationCode(ctx, code)
		return err
	})
	if err != nil {
		return err
	}
	if !existed {
		r.log.Debug().Str("code", code).Msg("cancel of unknown verification code")
		return ErrNotFound
	}
	return nil
}

// Sweep removes expired codes
func (r *Relay) Sweep(ctx context.Context) (int64, error) {
	n, err := r.store.DeleteExpiredVerificationCodes(ctx, r.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Debug().Int64("count", n).Msg("swept expired verification codes")
	}
	return n, nil
}

// Wait blocks until in-flight notifications finish
func (r *Relay) Wait() {
	r.wg.Wait()
}
