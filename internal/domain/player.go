package domain

import (
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	MaxNameLength = 100
	UnknownName   = "Unknown"
)

// ErrNoIdentifier is returned when a player reference has neither a Steam nor an EOS ID
var ErrNoIdentifier = errors.New("player has no steam or eos id")

// Player is a resolved player identity
type Player struct {
	ID        int64     `json:"id"`
	SteamID   *string   `json:"steam_id,omitempty"`
	EOSID     *string   `json:"eos_id,omitempty"`
	Name      string    `json:"name"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Active    bool      `json:"active"`
}

// PlayerRef is a player as referenced by an event, before resolution
type PlayerRef struct {
	SteamID string
	EOSID   string
	Name    string
	TeamID  string
	SquadID string
}

// HasIdentifier reports whether the reference can be resolved to a player
func (r PlayerRef) HasIdentifier() bool {
	return r.SteamID != "" || r.EOSID != ""
}

// SamePlayer reports whether two references share an identifier
func (r PlayerRef) SamePlayer(o PlayerRef) bool {
	return (r.SteamID != "" && r.SteamID == o.SteamID) || (r.EOSID != "" && r.EOSID == o.EOSID)
}

// Label is a short human form for log lines
func (r PlayerRef) Label() string {
	switch {
	case r.SteamID != "":
		return r.Name + " (" + r.SteamID + ")"
	case r.EOSID != "":
		return r.Name + " (" + r.EOSID + ")"
	default:
		return r.Name
	}
}

// stripName drops control, format (zero-width, bidi marks) and undecodable runes
var stripName = runes.Remove(runes.Predicate(func(r rune) bool {
	return r == utf8.RuneError ||
		unicode.Is(unicode.Cc, r) ||
		unicode.Is(unicode.Cf, r) ||
		unicode.Is(unicode.Cs, r)
}))

// SanitizeName normalizes a display name for storage. Applying it twice
// yields the same result as applying it once.
func SanitizeName(name string) string {
	cleaned, _, err := transform.String(transform.Chain(stripName, norm.NFKC), name)
	if err != nil {
		return UnknownName
	}

	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if utf8.RuneCountInString(cleaned) > MaxNameLength {
		cleaned = string([]rune(cleaned)[:MaxNameLength])
		cleaned = strings.TrimRightFunc(cleaned, unicode.IsSpace)
	}
	if cleaned == "" {
		return UnknownName
	}
	return cleaned
}
