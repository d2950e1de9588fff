package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ernie/squad-tracker/internal/domain"
)

// --- Wound, kill and revive methods ---

// InsertWound records a non-fatal damage event
func (t *Tx) InsertWound(ctx context.Context, w *domain.Wound) error {
	err := t.queryRow(ctx, `
		INSERT INTO player_wounded (server_id, attacker_id, victim_id, weapon_id, damage, teamkill, cause,
			attacker_team_id, attacker_squad_id, victim_team_id, victim_squad_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, w.ServerID, nullableInt64(w.AttackerID), w.VictimID, nullableInt64(w.WeaponID), w.Damage, w.Teamkill, string(w.Cause),
		nullableString(w.AttackerTeamID), nullableString(w.AttackerSquad),
		nullableString(w.VictimTeamID), nullableString(w.VictimSquad), t.ts(w.Timestamp)).Scan(&w.ID)
	if err != nil {
		return fmt.Errorf("inserting wound: %w", err)
	}
	return nil
}

// LatestWound returns the most recent wound on victimID at or before at, looking
// back no further than lookback. Returns nil when there is none.
func (t *Tx) LatestWound(ctx context.Context, serverID string, victimID int64, at time.Time, lookback time.Duration) (*domain.Wound, error) {
	var w domain.Wound
	var attackerID, weaponID sql.NullInt64
	var cause string
	err := t.queryRow(ctx, `
		SELECT id, attacker_id, weapon_id, damage, teamkill, cause, timestamp
		FROM player_wounded
		WHERE server_id = ? AND victim_id = ? AND timestamp <= ? AND timestamp >= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`, serverID, victimID, t.ts(at), t.ts(at.Add(-lookback))).Scan(
		&w.ID, &attackerID, &weaponID, &w.Damage, &w.Teamkill, &cause, timeScanner{&w.Timestamp})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up wound: %w", err)
	}

	w.ServerID = serverID
	w.VictimID = victimID
	w.AttackerID = scanNullInt64Ptr(attackerID)
	w.WeaponID = scanNullInt64Ptr(weaponID)
	w.Cause = domain.DamageCause(cause)
	return &w, nil
}

// InsertKill records a death. Returns false when the event was already recorded.
func (t *Tx) InsertKill(ctx context.Context, k *domain.Kill) (bool, error) {
	res, err := t.exec(ctx, `
		INSERT INTO kills (event_id, server_id, attacker_id, victim_id, weapon_id, teamkill, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, k.EventID, k.ServerID, nullableInt64(k.AttackerID), k.VictimID, nullableInt64(k.WeaponID), k.Teamkill, t.ts(k.Timestamp))
	if err != nil {
		return false, fmt.Errorf("inserting kill: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InsertRevive records a revive. Returns false when the event was already recorded.
func (t *Tx) InsertRevive(ctx context.Context, r *domain.Revive) (bool, error) {
	res, err := t.exec(ctx, `
		INSERT INTO revives (event_id, server_id, reviver_id, victim_id, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, r.EventID, r.ServerID, r.ReviverID, r.VictimID, t.ts(r.Timestamp))
	if err != nil {
		return false, fmt.Errorf("inserting revive: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PruneWounds deletes wounds recorded before cutoff
func (s *Store) PruneWounds(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM player_wounded WHERE timestamp < ?`, s.dialect.ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning wounds: %w", err)
	}
	return res.RowsAffected()
}

// CountWounds returns the number of wound records held
func (s *Store) CountWounds(ctx context.Context) (int64, error) {
	var n int64
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM player_wounded`).Scan(&n)
	return n, err
}

// KillFeedEntry is a kill with names resolved for display
type KillFeedEntry struct {
	ServerID      string    `json:"server_id"`
	Attacker      string    `json:"attacker,omitempty"`
	Victim        string    `json:"victim"`
	VictimSteamID string    `json:"victim_steam_id,omitempty"`
	Weapon        string    `json:"weapon,omitempty"`
	Teamkill      bool      `json:"teamkill"`
	Timestamp     time.Time `json:"timestamp"`
}

// KillFeed returns the most recent kills since the given time, newest first
func (s *Store) KillFeed(ctx context.Context, since time.Time, limit int) ([]KillFeedEntry, error) {
	rows, err := s.query(ctx, `
		SELECT k.server_id, a.name, v.name, v.steam_id, w.name, k.teamkill, k.timestamp
		FROM kills k
		JOIN players v ON v.id = k.victim_id
		LEFT JOIN players a ON a.id = k.attacker_id
		LEFT JOIN weapons w ON w.id = k.weapon_id
		WHERE k.timestamp >= ?
		ORDER BY k.timestamp DESC, k.id DESC
		LIMIT ?
	`, s.dialect.ts(since), limit)
	if err != nil {
		return nil, fmt.Errorf("querying kill feed: %w", err)
	}
	defer rows.Close()

	var feed []KillFeedEntry
	for rows.Next() {
		var e KillFeedEntry
		var attacker, victimSteam, weapon sql.NullString
		if err := rows.Scan(&e.ServerID, &attacker, &e.Victim, &victimSteam, &weapon, &e.Teamkill, timeScanner{&e.Timestamp}); err != nil {
			return nil, err
		}
		e.Attacker = scanNullStringValue(attacker)
		e.VictimSteamID = scanNullStringValue(victimSteam)
		e.Weapon = scanNullStringValue(weapon)
		feed = append(feed, e)
	}
	return feed, rows.Err()
}

// CountRevives returns the number of revive records
func (s *Store) CountRevives(ctx context.Context) (int64, error) {
	var n int64
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM revives`).Scan(&n)
	return n, err
}
