package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ernie/squad-tracker/internal/domain"
)

// Null scanner helpers - reduce repetitive nil-checking code

func scanNullString(ns sql.NullString) *string {
	if ns.Valid {
		return &ns.String
	}
	return nil
}

func scanNullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func scanNullInt64Ptr(ni sql.NullInt64) *int64 {
	if ni.Valid {
		return &ni.Int64
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// timestampLayouts are the forms a timestamp column can come back in.
// modernc returns text when it cannot infer the column type (RETURNING, aggregates).
var timestampLayouts = []string{
	"2006-01-02T15:04:05.000Z",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

// timeScanner scans a timestamp column regardless of how the driver presents it
type timeScanner struct {
	t *time.Time
}

func (ts timeScanner) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*ts.t = v.UTC()
		return nil
	case string:
		return ts.parse(v)
	case []byte:
		return ts.parse(string(v))
	case nil:
		*ts.t = time.Time{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

func (ts timeScanner) parse(s string) error {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*ts.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

const playerColumns = "id, steam_id, eos_id, name, first_seen, last_seen, is_active"

// scanPlayer scans a row selected with playerColumns
func scanPlayer(s scanner) (*domain.Player, error) {
	var p domain.Player
	var steamID, eosID sql.NullString
	err := s.Scan(&p.ID, &steamID, &eosID, &p.Name,
		timeScanner{&p.FirstSeen}, timeScanner{&p.LastSeen}, &p.Active)
	if err != nil {
		return nil, err
	}
	p.SteamID = scanNullString(steamID)
	p.EOSID = scanNullString(eosID)
	return &p, nil
}
