package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ernie/squad-tracker/internal/domain"
)

// --- Query surfaces for the bot and HTTP API ---

// KillsSince counts non-teamkill kills by a player since the given time
func (s *Store) KillsSince(ctx context.Context, playerID int64, since time.Time) (int64, error) {
	var n int64
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM kills
		WHERE attacker_id = ? AND victim_id <> attacker_id AND teamkill = ? AND timestamp >= ?
	`, playerID, false, s.dialect.ts(since)).Scan(&n)
	return n, err
}

// DeathsSince counts deaths of a player since the given time
func (s *Store) DeathsSince(ctx context.Context, playerID int64, since time.Time) (int64, error) {
	var n int64
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM kills
		WHERE victim_id = ? AND timestamp >= ?
	`, playerID, s.dialect.ts(since)).Scan(&n)
	return n, err
}

// PlayerStats aggregates a player's combat record since the given time
func (s *Store) PlayerStats(ctx context.Context, playerID int64, since time.Time) (*domain.PlayerStats, error) {
	player, err := s.GetPlayerByID(ctx, playerID)
	if err != nil {
		return nil, err
	}
	stats := &domain.PlayerStats{Player: *player}
	sinceArg := s.dialect.ts(since)

	err = s.queryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN teamkill THEN 0 ELSE 1 END), 0),
			COALESCE(SUM(CASE WHEN teamkill THEN 1 ELSE 0 END), 0)
		FROM kills
		WHERE attacker_id = ? AND victim_id <> attacker_id AND timestamp >= ?
	`, playerID, sinceArg).Scan(&stats.Kills, &stats.Teamkills)
	if err != nil {
		return nil, fmt.Errorf("counting kills: %w", err)
	}

	if stats.Deaths, err = s.DeathsSince(ctx, playerID, since); err != nil {
		return nil, fmt.Errorf("counting deaths: %w", err)
	}

	err = s.queryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM revives WHERE reviver_id = ? AND timestamp >= ?),
			(SELECT COUNT(*) FROM revives WHERE victim_id = ? AND timestamp >= ?)
	`, playerID, sinceArg, playerID, sinceArg).Scan(&stats.RevivesGiven, &stats.RevivesReceived)
	if err != nil {
		return nil, fmt.Errorf("counting revives: %w", err)
	}

	stats.KDRatio = kdRatio(stats.Kills, stats.Deaths)

	var nem domain.Nemesis
	err = s.queryRow(ctx, `
		SELECT p.id, p.name, COUNT(*) AS n
		FROM kills k
		JOIN players p ON p.id = k.attacker_id
		WHERE k.victim_id = ? AND k.attacker_id <> k.victim_id AND k.timestamp >= ?
		GROUP BY p.id, p.name
		ORDER BY n DESC, p.id
		LIMIT 1
	`, playerID, sinceArg).Scan(&nem.PlayerID, &nem.Name, &nem.Kills)
	switch {
	case err == nil:
		stats.Nemesis = &nem
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("finding nemesis: %w", err)
	}

	return stats, nil
}

// kdRatio rounds to two places; with no deaths the ratio is the kill count
func kdRatio(kills, deaths int64) float64 {
	if deaths == 0 {
		return float64(kills)
	}
	return math.Round(float64(kills)/float64(deaths)*100) / 100
}

// TopKillers ranks players by non-teamkill kills since the given time
func (s *Store) TopKillers(ctx context.Context, since time.Time, limit int) ([]domain.LeaderboardEntry, error) {
	return s.leaderboard(ctx, `
		SELECT p.id, p.name, p.steam_id, COUNT(*) AS n
		FROM kills k
		JOIN players p ON p.id = k.attacker_id
		WHERE k.teamkill = ? AND k.attacker_id <> k.victim_id AND k.timestamp >= ?
		GROUP BY p.id, p.name, p.steam_id
		ORDER BY n DESC, p.id
		LIMIT ?
	`, false, s.dialect.ts(since), limit)
}

// TopRevivers ranks players by revives given since the given time
func (s *Store) TopRevivers(ctx context.Context, since time.Time, limit int) ([]domain.LeaderboardEntry, error) {
	return s.leaderboard(ctx, `
		SELECT p.id, p.name, p.steam_id, COUNT(*) AS n
		FROM revives r
		JOIN players p ON p.id = r.reviver_id
		WHERE r.timestamp >= ?
		GROUP BY p.id, p.name, p.steam_id
		ORDER BY n DESC, p.id
		LIMIT ?
	`, s.dialect.ts(since), limit)
}

func (s *Store) leaderboard(ctx context.Context, query string, args ...any) ([]domain.LeaderboardEntry, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying leaderboard: %w", err)
	}
	defer rows.Close()

	entries := []domain.LeaderboardEntry{}
	for rows.Next() {
		var e domain.LeaderboardEntry
		var steamID sql.NullString
		if err := rows.Scan(&e.PlayerID, &e.Name, &steamID, &e.Count); err != nil {
			return nil, err
		}
		e.SteamID = scanNullStringValue(steamID)
		e.Rank = len(entries) + 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
