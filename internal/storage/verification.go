package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ernie/squad-tracker/internal/domain"
)

// --- Verification code and account link methods ---

// VerificationCode is a pending request to link an external account
type VerificationCode struct {
	Code           string
	RequesterID    string
	ResponseTarget string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// InsertVerificationCode stores a pending code. A code already in use fails
// with a unique violation.
func (t *Tx) InsertVerificationCode(ctx context.Context, vc *VerificationCode) error {
	_, err := t.exec(ctx, `
		INSERT INTO verification_codes (code, requester_id, response_target, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, vc.Code, vc.RequesterID, vc.ResponseTarget, t.ts(vc.CreatedAt), t.ts(vc.ExpiresAt))
	return err
}

// DeleteRequesterCodes removes every pending code of a requester
func (t *Tx) DeleteRequesterCodes(ctx context.Context, requesterID string) (int64, error) {
	res, err := t.exec(ctx, `DELETE FROM verification_codes WHERE requester_id = ?`, requesterID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TakeVerificationCode deletes and returns a code in one statement, so only one
// caller can ever consume it. Returns nil when the code does not exist.
func (t *Tx) TakeVerificationCode(ctx context.Context, code string) (*VerificationCode, error) {
	vc := VerificationCode{Code: code}
	err := t.queryRow(ctx, `
		DELETE FROM verification_codes WHERE code = ?
		RETURNING requester_id, response_target, created_at, expires_at
	`, code).Scan(&vc.RequesterID, &vc.ResponseTarget, timeScanner{&vc.CreatedAt}, timeScanner{&vc.ExpiresAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consuming verification code: %w", err)
	}
	return &vc, nil
}

// DeleteVerificationCode removes a pending code, reporting whether it existed
func (t *Tx) DeleteVerificationCode(ctx context.Context, code string) (bool, error) {
	res, err := t.exec(ctx, `DELETE FROM verification_codes WHERE code = ?`, code)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteExpiredVerificationCodes removes codes that expired before now
func (s *Store) DeleteExpiredVerificationCodes(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM verification_codes WHERE expires_at <= ?`, s.dialect.ts(now))
	if err != nil {
		return 0, fmt.Errorf("sweeping verification codes: %w", err)
	}
	return res.RowsAffected()
}

// GetVerificationCode returns a pending code without consuming it
func (s *Store) GetVerificationCode(ctx context.Context, code string) (*VerificationCode, error) {
	vc := VerificationCode{Code: code}
	err := s.queryRow(ctx, `
		SELECT requester_id, response_target, created_at, expires_at
		FROM verification_codes WHERE code = ?
	`, code).Scan(&vc.RequesterID, &vc.ResponseTarget, timeScanner{&vc.CreatedAt}, timeScanner{&vc.ExpiresAt})
	if err != nil {
		return nil, err
	}
	return &vc, nil
}

// LinkPlayer links requesterID to playerID, replacing any other active link
// the requester had
func (t *Tx) LinkPlayer(ctx context.Context, requesterID string, playerID int64, serverID string, at time.Time) error {
	if _, err := t.exec(ctx, `
		UPDATE player_links SET is_active = ?
		WHERE requester_id = ? AND player_id <> ?
	`, false, requesterID, playerID); err != nil {
		return fmt.Errorf("deactivating old links: %w", err)
	}

	if _, err := t.exec(ctx, `
		INSERT INTO player_links (requester_id, player_id, server_id, linked_at, is_active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(requester_id, player_id) DO UPDATE SET
			server_id = excluded.server_id,
			linked_at = excluded.linked_at,
			is_active = excluded.is_active
	`, requesterID, playerID, serverID, t.ts(at), true); err != nil {
		return fmt.Errorf("linking player: %w", err)
	}
	return nil
}

// ActiveLink returns the requester's active linked player
func (s *Store) ActiveLink(ctx context.Context, requesterID string) (*domain.LinkedIdentity, error) {
	var li domain.LinkedIdentity
	var steamID, eosID sql.NullString
	err := s.queryRow(ctx, `
		SELECT l.requester_id, l.player_id, p.steam_id, p.eos_id, p.name, l.server_id, l.linked_at
		FROM player_links l
		JOIN players p ON p.id = l.player_id
		WHERE l.requester_id = ? AND l.is_active = ?
		ORDER BY l.linked_at DESC
		LIMIT 1
	`, requesterID, true).Scan(&li.RequesterID, &li.PlayerID, &steamID, &eosID, &li.Name, &li.ServerID, timeScanner{&li.LinkedAt})
	if err != nil {
		return nil, err
	}
	li.SteamID = scanNullStringValue(steamID)
	li.EOSID = scanNullStringValue(eosID)
	return &li, nil
}

// CountLinks returns the number of link rows for a requester, active or not
func (s *Store) CountLinks(ctx context.Context, requesterID string) (int64, error) {
	var n int64
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM player_links WHERE requester_id = ?`, requesterID).Scan(&n)
	return n, err
}

// ClaimCooldown records use of command by requester. When the previous use is
// within cooldown it records nothing and returns the time left to wait.
func (t *Tx) ClaimCooldown(ctx context.Context, requesterID, command string, now time.Time, cooldown time.Duration) (time.Duration, error) {
	var last time.Time
	err := t.queryRow(ctx, `
		SELECT last_used FROM command_cooldowns WHERE requester_id = ? AND command = ?
	`, requesterID, command).Scan(timeScanner{&last})
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("reading cooldown: %w", err)
	default:
		if wait := last.Add(cooldown).Sub(now); wait > 0 {
			return wait, nil
		}
	}

	_, err = t.exec(ctx, `
		INSERT INTO command_cooldowns (requester_id, command, last_used)
		VALUES (?, ?, ?)
		ON CONFLICT(requester_id, command) DO UPDATE SET last_used = excluded.last_used
	`, requesterID, command, t.ts(now))
	if err != nil {
		return 0, fmt.Errorf("writing cooldown: %w", err)
	}
	return 0, nil
}
