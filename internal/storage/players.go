package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ernie/squad-tracker/internal/domain"
)

// --- Player identity methods ---

// ResolvePlayer finds the player matching ref's Steam or EOS ID and refreshes
// their name and last seen time, creating the player on first sighting.
// A concurrent insert of the same identity is tolerated: the lookup is retried
// once and the existing row updated instead.
func (t *Tx) ResolvePlayer(ctx context.Context, ref domain.PlayerRef, seen time.Time) (*domain.Player, error) {
	if !ref.HasIdentifier() {
		return nil, domain.ErrNoIdentifier
	}
	name := domain.SanitizeName(ref.Name)

	p, err := t.findPlayer(ctx, ref)
	if err == nil {
		return t.touchPlayer(ctx, p, ref, name, seen)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("looking up player: %w", err)
	}

	return t.createPlayer(ctx, ref, name, seen)
}

// createPlayer inserts ref inside a savepoint. When another writer created
// the same identity since the lookup, the savepoint is rolled back and the
// existing row refreshed instead.
func (t *Tx) createPlayer(ctx context.Context, ref domain.PlayerRef, name string, seen time.Time) (*domain.Player, error) {
	var created *domain.Player
	err := t.savepoint(ctx, "resolve_player", func() error {
		var id int64
		if err := t.queryRow(ctx, `
			INSERT INTO players (steam_id, eos_id, name, first_seen, last_seen, is_active)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING id
		`, nullableString(ref.SteamID), nullableString(ref.EOSID), name, t.ts(seen), t.ts(seen), false).Scan(&id); err != nil {
			return err
		}
		created = &domain.Player{
			ID:        id,
			Name:      name,
			FirstSeen: seen.UTC(),
			LastSeen:  seen.UTC(),
		}
		if ref.SteamID != "" {
			created.SteamID = &ref.SteamID
		}
		if ref.EOSID != "" {
			created.EOSID = &ref.EOSID
		}
		return nil
	})
	if err == nil {
		return created, nil
	}
	if !IsUniqueViolation(err) {
		return nil, fmt.Errorf("creating player: %w", err)
	}

	// Lost the race; the row exists now
	p, err := t.findPlayer(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("looking up player after conflict: %w", err)
	}
	return t.touchPlayer(ctx, p, ref, name, seen)
}

// findPlayer matches on whichever IDs ref carries, preferring a Steam ID match
func (t *Tx) findPlayer(ctx context.Context, ref domain.PlayerRef) (*domain.Player, error) {
	switch {
	case ref.SteamID != "" && ref.EOSID != "":
		return scanPlayer(t.queryRow(ctx, `
			SELECT `+playerColumns+` FROM players
			WHERE steam_id = ? OR eos_id = ?
			ORDER BY CASE WHEN steam_id = ? THEN 0 ELSE 1 END, id
			LIMIT 1
		`, ref.SteamID, ref.EOSID, ref.SteamID))
	case ref.SteamID != "":
		return scanPlayer(t.queryRow(ctx, `SELECT `+playerColumns+` FROM players WHERE steam_id = ?`, ref.SteamID))
	default:
		return scanPlayer(t.queryRow(ctx, `SELECT `+playerColumns+` FROM players WHERE eos_id = ?`, ref.EOSID))
	}
}

// touchPlayer updates name and last seen, and fills in an ID the row was
// missing unless another player already owns it
func (t *Tx) touchPlayer(ctx context.Context, p *domain.Player, ref domain.PlayerRef, name string, seen time.Time) (*domain.Player, error) {
	steamID := p.SteamID
	if steamID == nil && ref.SteamID != "" {
		if owned, err := t.identifierOwned(ctx, "steam_id", ref.SteamID, p.ID); err != nil {
			return nil, err
		} else if !owned {
			steamID = &ref.SteamID
		}
	}
	eosID := p.EOSID
	if eosID == nil && ref.EOSID != "" {
		if owned, err := t.identifierOwned(ctx, "eos_id", ref.EOSID, p.ID); err != nil {
			return nil, err
		} else if !owned {
			eosID = &ref.EOSID
		}
	}

	_, err := t.exec(ctx, `
		UPDATE players SET
			name = ?,
			steam_id = ?,
			eos_id = ?,
			last_seen = CASE WHEN last_seen > ? THEN last_seen ELSE ? END
		WHERE id = ?
	`, name, nullableStringPtr(steamID), nullableStringPtr(eosID), t.ts(seen), t.ts(seen), p.ID)
	if err != nil {
		return nil, fmt.Errorf("updating player %d: %w", p.ID, err)
	}

	p.Name = name
	p.SteamID = steamID
	p.EOSID = eosID
	if seen.After(p.LastSeen) {
		p.LastSeen = seen.UTC()
	}
	return p, nil
}

func (t *Tx) identifierOwned(ctx context.Context, column, value string, exceptID int64) (bool, error) {
	var n int
	err := t.queryRow(ctx, `SELECT COUNT(*) FROM players WHERE `+column+` = ? AND id <> ?`, value, exceptID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking %s ownership: %w", column, err)
	}
	return n > 0, nil
}

// SetPlayerActive marks a player as connected or disconnected
func (t *Tx) SetPlayerActive(ctx context.Context, playerID int64, active bool) error {
	_, err := t.exec(ctx, `UPDATE players SET is_active = ? WHERE id = ?`, active, playerID)
	return err
}

func nullableStringPtr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// GetPlayerByID returns a player by internal ID
func (s *Store) GetPlayerByID(ctx context.Context, id int64) (*domain.Player, error) {
	return scanPlayer(s.queryRow(ctx, `SELECT `+playerColumns+` FROM players WHERE id = ?`, id))
}

// GetPlayerBySteamID returns the player owning a Steam ID
func (s *Store) GetPlayerBySteamID(ctx context.Context, steamID string) (*domain.Player, error) {
	return scanPlayer(s.queryRow(ctx, `SELECT `+playerColumns+` FROM players WHERE steam_id = ?`, steamID))
}

// GetPlayerByEOSID returns the player owning an EOS ID
func (s *Store) GetPlayerByEOSID(ctx context.Context, eosID string) (*domain.Player, error) {
	return scanPlayer(s.queryRow(ctx, `SELECT `+playerColumns+` FROM players WHERE eos_id = ?`, eosID))
}

// CountPlayers returns the number of known players
func (s *Store) CountPlayers(ctx context.Context) (int64, error) {
	var n int64
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM players`).Scan(&n)
	return n, err
}
