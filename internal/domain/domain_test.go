package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Shooter", "Shooter"},
		{"trims", "   Shooter  ", "Shooter"},
		{"collapses whitespace", "The \t  Shooter", "The Shooter"},
		{"zero width", "Sho\u200bot\u200der\ufeff", "Shooter"},
		{"control chars", "Sho\x00ot\x1ber", "Shooter"},
		{"invalid utf8", "Sho\xffoter", "Shooter"},
		{"fullwidth folded", "ＳＱＵＡＤ", "SQUAD"},
		{"keeps non latin", "Стрелок", "Стрелок"},
		{"empty", "", UnknownName},
		{"only junk", "\u200b\u200c\x01", UnknownName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeName(tt.in))
		})
	}
}

func TestSanitizeNameTruncates(t *testing.T) {
	long := strings.Repeat("ab", 80)
	got := SanitizeName(long)
	assert.Equal(t, MaxNameLength, len([]rune(got)))

	// truncation landing on a space must not leave it dangling
	spaced := strings.Repeat("x", MaxNameLength-1) + " tail"
	assert.Equal(t, strings.Repeat("x", MaxNameLength-1), SanitizeName(spaced))
}

func TestSanitizeNameIdempotent(t *testing.T) {
	inputs := []string{
		"  [TAG] Player\u200b One ",
		"ﬁréteam",
		strings.Repeat("é", 150),
		strings.Repeat("a ", 120),
		"\x7f\u2060\u202ename",
		"Ｗｉｄｅ　Ｎａｍｅ",
		"",
	}
	for _, in := range inputs {
		once := SanitizeName(in)
		assert.Equal(t, once, SanitizeName(once), "input %q", in)
	}
}

func TestParseEventKind(t *testing.T) {
	k, ok := ParseEventKind("PLAYER_WOUNDED")
	require.True(t, ok)
	assert.Equal(t, KindPlayerWounded, k)

	_, ok = ParseEventKind("ROUND_ENDED")
	assert.False(t, ok)
}

func TestNewRawEventOccurredAt(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ev := NewRawEvent(KindPlayerDied, "1", []byte(`{"time":"2026-03-01T11:59:58.500Z"}`), received)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 59, 58, 500_000_000, time.UTC), ev.OccurredAt)
	assert.Equal(t, received, ev.ArrivalTime)
	assert.NotEmpty(t, ev.ID)

	ev = NewRawEvent(KindPlayerDied, "1", []byte(`{"time":1772366398000}`), received)
	assert.Equal(t, time.UnixMilli(1772366398000).UTC(), ev.OccurredAt)

	ev = NewRawEvent(KindPlayerDied, "1", []byte(`{"victim":{}}`), received)
	assert.Equal(t, received, ev.OccurredAt)
}

func TestNewRawEventCopiesPayload(t *testing.T) {
	buf := []byte(`{"message":"hi"}`)
	ev := NewRawEvent(KindChatMessage, "1", buf, time.Now())
	buf[2] = 'X'
	assert.JSONEq(t, `{"message":"hi"}`, string(ev.Payload))
}

func TestDamagePayloadRefs(t *testing.T) {
	ev := RawEvent{Kind: KindPlayerWounded, Payload: []byte(`{
		"damage": 40,
		"weapon": "BP_AK47",
		"attacker": {"steamID": "765", "name": "A", "teamID": 1, "squadID": "3"},
		"victimSteamID": "766",
		"victimName": "V",
		"victim": {"teamID": "2"}
	}`)}

	var p DamagePayload
	require.NoError(t, Decode(ev, &p))

	a := p.AttackerRef()
	assert.Equal(t, "765", a.SteamID)
	assert.Equal(t, "1", a.TeamID)
	assert.Equal(t, "3", a.SquadID)

	v := p.VictimRef()
	assert.Equal(t, "766", v.SteamID)
	assert.Equal(t, "V", v.Name)
	assert.False(t, p.IsTeamkill())
	assert.Equal(t, CausePlayer, p.Cause())
}

func TestDamagePayloadTeamkill(t *testing.T) {
	var p DamagePayload
	require.NoError(t, Decode(RawEvent{Payload: []byte(`{
		"attacker": {"eosID": "e1", "teamID": "1"},
		"victim": {"eosID": "e2", "teamID": "1"}
	}`)}, &p))
	assert.True(t, p.IsTeamkill())

	// explicit flag wins
	require.NoError(t, Decode(RawEvent{Payload: []byte(`{
		"teamkill": false,
		"attacker": {"eosID": "e1", "teamID": "1"},
		"victim": {"eosID": "e2", "teamID": "1"}
	}`)}, &p))
	assert.False(t, p.IsTeamkill())
}

func TestDamagePayloadCause(t *testing.T) {
	cases := map[string]DamageCause{
		`{"weapon":"BP_Mortarround4"}`:                 CauseEnvironment,
		`{"weapon":"BP_BTR80_Turret"}`:                 CauseVehicle,
		`{"isVehicle":true,"attacker":{"steamID":"1"}}`: CauseVehicle,
		`{"attacker":{"steamID":"1"}}`:                  CausePlayer,
	}
	for payload, want := range cases {
		var p DamagePayload
		require.NoError(t, Decode(RawEvent{Payload: []byte(payload)}, &p))
		assert.Equal(t, want, p.Cause(), payload)
	}
}

func TestDecodeMalformed(t *testing.T) {
	var p ChatPayload
	err := Decode(RawEvent{Kind: KindChatMessage, Payload: []byte(`{"message":`)}, &p)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	err = Decode(RawEvent{Kind: KindChatMessage}, &p)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
