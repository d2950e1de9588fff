// Package persist turns buffered events into storage rows, one transaction per event.
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ernie/squad-tracker/internal/domain"
	"github.com/ernie/squad-tracker/internal/metrics"
	"github.com/ernie/squad-tracker/internal/notify"
	"github.com/ernie/squad-tracker/internal/storage"
)

// DefaultWoundTTL bounds how far back a death looks for its wound
const DefaultWoundTTL = 10 * time.Minute

// Result summarises what a handler did with one event
type Result struct {
	Successful int     // player slots processed
	Failed     int     // player slots skipped
	Created    int     // fact rows inserted
	Errors     []error // why slots were skipped
}

func (r *Result) skip(err error) {
	r.Failed++
	r.Errors = append(r.Errors, err)
}

// Handler persists one event inside tx
type Handler func(ctx context.Context, tx *storage.Tx, ev domain.RawEvent) (Result, error)

// Matcher completes account links from chat codes
type Matcher interface {
	MatchTx(ctx context.Context, tx *storage.Tx, code, serverID string, speaker domain.PlayerRef) (*domain.LinkedIdentity, error)
}

// Options configures an Adapter
type Options struct {
	WoundTTL  time.Duration
	Relay     Matcher
	Publisher *notify.Publisher
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Adapter dispatches events to their kind's handler
type Adapter struct {
	store     *storage.Store
	relay     Matcher
	publisher *notify.Publisher
	metrics   *metrics.Metrics
	log       zerolog.Logger
	woundTTL  time.Duration
	handlers  map[domain.EventKind]Handler
}

// New creates an Adapter over store
func New(store *storage.Store, opts Options) *Adapter {
	a := &Adapter{
		store:     store,
		relay:     opts.Relay,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		woundTTL:  opts.WoundTTL,
	}
	if a.woundTTL <= 0 {
		a.woundTTL = DefaultWoundTTL
	}
	a.handlers = map[domain.EventKind]Handler{
		domain.KindPlayerDamaged:      a.handleDamaged,
		domain.KindPlayerWounded:      a.handleWounded,
		domain.KindPlayerDied:         a.handleDied,
		domain.KindPlayerRevived:      a.handleRevived,
		domain.KindChatMessage:        a.handleChat,
		domain.KindPlayerConnected:    a.handlePresence(true),
		domain.KindPlayerDisconnected: a.handlePresence(false),
	}
	return a
}

// Persist stores ev in its own transaction. Errors wrapping
// domain.ErrMalformedPayload will fail the same way on every attempt.
func (a *Adapter) Persist(ctx context.Context, ev domain.RawEvent) error {
	h, ok := a.handlers[ev.Kind]
	if !ok {
		return fmt.Errorf("no handler for %q: %w", ev.Kind, domain.ErrMalformedPayload)
	}

	var res Result
	err := a.store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		res, err = h(ctx, tx, ev)
		if err != nil {
			return err
		}
		tx.OnCommit(func() { a.publisher.EventCommitted(ev) })
		return nil
	})
	if err != nil {
		return fmt.Errorf("persisting %s %s: %w", ev.Kind, ev.ID, err)
	}

	for _, skipErr := range res.Errors {
		a.log.Warn().
			Err(skipErr).
			Str("event_id", ev.ID).
			Str("kind", string(ev.Kind)).
			Str("server", ev.ServerID).
			Msg("skipped player slot")
	}
	a.log.Debug().
		Str("event_id", ev.ID).
		Str("kind", string(ev.Kind)).
		Int("players", res.Successful).
		Int("created", res.Created).
		Msg("persisted event")
	return nil
}

// resolve resolves an optional player slot. A slot with no identifier is
// recorded as skipped and yields nil.
func resolve(ctx context.Context, tx *storage.Tx, ref domain.PlayerRef, seen time.Time, slot string, res *Result) (*domain.Player, error) {
	p, err := tx.ResolvePlayer(ctx, ref, seen)
	if errors.Is(err, domain.ErrNoIdentifier) {
		res.skip(fmt.Errorf("%s %q: %w", slot, ref.Name, err))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", slot, err)
	}
	res.Successful++
	return p, nil
}

func playerIDPtr(p *domain.Player) *int64 {
	if p == nil {
		return nil
	}
	id := p.ID
	return &id
}
