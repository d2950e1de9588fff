package verify

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ernie/squad-tracker/internal/domain"
	"github.com/ernie/squad-tracker/internal/storage"
)

type recordingNotifier struct {
	mu      sync.Mutex
	matches []Match
}

func (n *recordingNotifier) Notify(_ context.Context, m Match) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.matches = append(n.matches, m)
	return nil
}

type fixture struct {
	store    *storage.Store
	relay    *Relay
	notifier *recordingNotifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "verify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:    store,
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC),
	}
	f.relay = New(store, Options{
		TTL:      10 * time.Minute,
		Cooldown: 10 * time.Second,
		Notifier: f.notifier,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return f.now },
	})
	return f
}

var speaker = domain.PlayerRef{SteamID: "76561198000000001", EOSID: "0002aa", Name: "Speaker"}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"ABC123", "ABC123", true},
		{"  abc123 ", "ABC123", true},
		{"!link abc12", "ABC12", true},
		{"!LINK   XYZ789", "XYZ789", true},
		{"ABCD", "", false},
		{"ABC1234", "", false},
		{"hello there", "", false},
		{"!link", "", false},
		{"AB-123", "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractCode(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestGenerateCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		got, ok := ExtractCode(code)
		require.True(t, ok, code)
		assert.Equal(t, code, got)
		assert.Len(t, code, 6)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 45)
}

func TestMatchIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.relay.StorePending(ctx, PendingRequest{RequesterID: "d1", ResponseTarget: "discord:app/tok"})
	require.NoError(t, err)

	link, err := f.relay.Match(ctx, "!link "+code, "1", speaker)
	require.NoError(t, err)
	assert.Equal(t, "d1", link.RequesterID)
	assert.Equal(t, speaker.SteamID, link.SteamID)
	assert.Equal(t, "1", link.ServerID)

	_, err = f.relay.Match(ctx, code, "1", speaker)
	assert.ErrorIs(t, err, ErrNotFound)

	active, err := f.store.ActiveLink(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, link.PlayerID, active.PlayerID)

	f.relay.Wait()
	require.Len(t, f.notifier.matches, 1)
	assert.Equal(t, "discord:app/tok", f.notifier.matches[0].ResponseTarget)
	assert.Equal(t, code, f.notifier.matches[0].Code)
}

func TestMatchExpiredCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.relay.StorePending(ctx, PendingRequest{RequesterID: "d1", ResponseTarget: "https://example.invalid/hook"})
	require.NoError(t, err)

	f.now = f.now.Add(11 * time.Minute)
	_, err = f.relay.Match(ctx, code, "1", speaker)
	assert.ErrorIs(t, err, ErrExpired)

	_, err = f.store.GetVerificationCode(ctx, code)
	assert.ErrorIs(t, err, sql.ErrNoRows, "expired code is removed")

	_, err = f.relay.Match(ctx, code, "1", speaker)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.store.ActiveLink(ctx, "d1")
	assert.ErrorIs(t, err, sql.ErrNoRows)

	f.relay.Wait()
	assert.Empty(t, f.notifier.matches)
}

func TestMatchRejectsMalformedCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.relay.Match(context.Background(), "nope!", "1", speaker)
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestStorePendingReplacesPreviousCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.relay.StorePending(ctx, PendingRequest{RequesterID: "d1"})
	require.NoError(t, err)

	f.now = f.now.Add(15 * time.Second)
	second, err := f.relay.StorePending(ctx, PendingRequest{RequesterID: "d1"})
	require.NoError(t, err)

	_, err = f.relay.Match(ctx, first, "1", speaker)
	if first != second {
		assert.ErrorIs(t, err, ErrNotFound)
	}
	_, err = f.store.GetVerificationCode(ctx, second)
	assert.NoError(t, err)
}

func TestStorePendingCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.relay.StorePending(ctx, PendingRequest{RequesterID: "d1"})
	require.NoError(t, err)

	f.now = f.now.Add(3 * time.Second)
	_, err = f.relay.StorePending(ctx, PendingRequest{RequesterID: "d1"})
	assert.ErrorIs(t, err, ErrCooldown)

	// other requesters are unaffected
	_, err = f.relay.StorePending(ctx, PendingRequest{RequesterID: "d2"})
	assert.NoError(t, err)

	f.now = f.now.Add(10 * time.Second)
	_, err = f.relay.StorePending(ctx, PendingRequest{RequesterID: "d1"})
	assert.NoError(t, err)
}

func TestStorePendingRetriesCollisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.relay.StorePendingCode(ctx, "TAKEN1", PendingRequest{RequesterID: "other"}))

	codes := []string{"TAKEN1", "TAKEN1", "FRESH1"}
	f.relay.newCode = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}

	code, err := f.relay.StorePending(ctx, PendingRequest{RequesterID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, "FRESH1", code)

	taken, err := f.store.GetVerificationCode(ctx, "TAKEN1")
	require.NoError(t, err)
	assert.Equal(t, "other", taken.RequesterID)
}

func TestStorePendingGivesUpAfterRepeatedCollisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.relay.StorePendingCode(ctx, "TAKEN1", PendingRequest{RequesterID: "other"}))
	f.relay.newCode = func() (string, error) { return "TAKEN1", nil }

	_, err := f.relay.StorePending(ctx, PendingRequest{RequesterID: "d1"})
	require.Error(t, err)
	assert.True(t, storage.IsUniqueViolation(err))
}

func TestCancelAndSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.relay.StorePending(ctx, PendingRequest{RequesterID: "d1"})
	require.NoError(t, err)
	require.NoError(t, f.relay.Cancel(ctx, code))
	assert.ErrorIs(t, f.relay.Cancel(ctx, code), ErrNotFound)
	_, err = f.relay.Match(ctx, code, "1", speaker)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.relay.StorePending(ctx, PendingRequest{RequesterID: "d2", TTL: time.Minute})
	require.NoError(t, err)
	f.now = f.now.Add(2 * time.Minute)
	n, err := f.relay.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestMatchTxSharesTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.relay.StorePending(ctx, PendingRequest{RequesterID: "d1", ResponseTarget: "discord:a/b"})
	require.NoError(t, err)

	// a rollback undoes the link and keeps the code, and nobody is notified
	err = f.store.WithTx(ctx, func(tx *storage.Tx) error {
		_, err := f.relay.MatchTx(ctx, tx, code, "1", speaker)
		require.NoError(t, err)
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	f.relay.Wait()
	assert.Empty(t, f.notifier.matches)

	_, err = f.store.GetVerificationCode(ctx, code)
	assert.NoError(t, err)

	_, err = f.relay.Match(ctx, code, "1", speaker)
	assert.NoError(t, err)
}
