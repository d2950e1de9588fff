package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ernie/squad-tracker/internal/deadletter"
	"github.com/ernie/squad-tracker/internal/domain"
)

var errFlaky = errors.New("database is locked")

type fakePersister struct {
	mu       sync.Mutex
	attempts map[string]int
	order    []string // successfully persisted, in order
	entered  int
	gate     chan struct{}
	fail     func(ev domain.RawEvent, attempt int) error
}

func newFakePersister() *fakePersister {
	return &fakePersister{attempts: map[string]int{}}
}

func (p *fakePersister) Persist(_ context.Context, ev domain.RawEvent) error {
	p.mu.Lock()
	p.entered++
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[ev.ID]++
	if p.fail != nil {
		if err := p.fail(ev, p.attempts[ev.ID]); err != nil {
			return err
		}
	}
	p.order = append(p.order, ev.ID)
	return nil
}

func (p *fakePersister) persisted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

func (p *fakePersister) attemptsFor(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[id]
}

func (p *fakePersister) enteredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entered
}

type dlqEntry struct {
	kind    domain.EventKind
	events  []domain.RawEvent
	failure deadletter.Failure
}

type fakeDLQ struct {
	mu      sync.Mutex
	entries []dlqEntry
}

func (d *fakeDLQ) Write(_ context.Context, kind domain.EventKind, events []domain.RawEvent, f deadletter.Failure) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, dlqEntry{kind: kind, events: events, failure: f})
	return fmt.Sprintf("/dead/%d.json", len(d.entries)), nil
}

func (d *fakeDLQ) all() []dlqEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dlqEntry(nil), d.entries...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// quiet keeps the triggers out of the way unless a test opts in
func quiet() Config {
	return Config{
		FlushInterval:  time.Hour,
		MaxSize:        1000,
		MaxAge:         time.Hour,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  4 * time.Millisecond,
		DeathDelay:     10 * time.Second,
	}
}

func start(t *testing.T, cfg Config, p Persister, d DeadLetterer, now func() time.Time) *Buffer {
	t.Helper()
	b := New(Options{Config: cfg, Persister: p, DeadLetter: d, Logger: zerolog.Nop(), Now: now})
	b.Start(context.Background())
	return b
}

func rawEvent(kind domain.EventKind, at time.Time) domain.RawEvent {
	return domain.NewRawEvent(kind, "1", []byte(`{"victim":{"steamID":"1"}}`), at)
}

func TestSizeTriggerDoesNotDoubleCount(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newFakePersister()
	p.gate = make(chan struct{})
	cfg := quiet()
	cfg.MaxSize = 3
	b := start(t, cfg, p, &fakeDLQ{}, nil)
	defer b.Stop()

	var ids []string
	for i := 0; i < 3; i++ {
		ev := rawEvent(domain.KindPlayerWounded, time.Now())
		ids = append(ids, ev.ID)
		b.AddEvent(ev)
	}
	require.Eventually(t, func() bool { return p.enteredCount() >= 1 }, time.Second, time.Millisecond)

	fourth := rawEvent(domain.KindPlayerWounded, time.Now())
	ids = append(ids, fourth.ID)
	b.AddEvent(fourth)
	require.Eventually(t, func() bool { return b.Sizes()[domain.KindPlayerWounded] == 1 }, time.Second, time.Millisecond)

	close(p.gate)
	require.Eventually(t, func() bool { return len(p.persisted()) == 3 }, time.Second, time.Millisecond)

	require.NoError(t, b.Flush(context.Background(), domain.KindPlayerWounded))
	assert.Equal(t, ids, p.persisted())
	for _, id := range ids {
		assert.Equal(t, 1, p.attemptsFor(id))
	}
	assert.Zero(t, b.Sizes()[domain.KindPlayerWounded])
}

func TestAgeTrigger(t *testing.T) {
	defer goleak.VerifyNone(t)

	clk := &fakeClock{now: time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)}
	p := newFakePersister()
	cfg := quiet()
	cfg.MaxAge = 10 * time.Second
	b := start(t, cfg, p, &fakeDLQ{}, clk.Now)
	defer b.Stop()

	b.AddEvent(rawEvent(domain.KindChatMessage, clk.Now()))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, p.persisted())

	clk.Advance(11 * time.Second)
	b.AddEvent(rawEvent(domain.KindChatMessage, clk.Now()))
	require.Eventually(t, func() bool { return len(p.persisted()) == 2 }, time.Second, time.Millisecond)
}

func TestIntervalTrigger(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newFakePersister()
	cfg := quiet()
	cfg.FlushInterval = 10 * time.Millisecond
	b := start(t, cfg, p, &fakeDLQ{}, nil)
	defer b.Stop()

	b.AddEvent(rawEvent(domain.KindPlayerConnected, time.Now()))
	require.Eventually(t, func() bool { return len(p.persisted()) == 1 }, time.Second, time.Millisecond)
}

func TestDeathDelay(t *testing.T) {
	defer goleak.VerifyNone(t)

	clk := &fakeClock{now: time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)}
	p := newFakePersister()
	b := start(t, quiet(), p, &fakeDLQ{}, clk.Now)
	defer b.Stop()
	ctx := context.Background()

	death := rawEvent(domain.KindPlayerDied, clk.Now())
	b.AddEvent(death)

	clk.Advance(9 * time.Second)
	require.NoError(t, b.Flush(ctx, domain.KindPlayerDied))
	assert.Empty(t, p.persisted())
	assert.Equal(t, 1, b.Sizes()[domain.KindPlayerDied])

	clk.Advance(time.Second)
	require.NoError(t, b.Flush(ctx, domain.KindPlayerDied))
	assert.Equal(t, []string{death.ID}, p.persisted())
}

func TestRetriesThenDeadLetters(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newFakePersister()
	p.fail = func(domain.RawEvent, int) error { return errFlaky }
	dlq := &fakeDLQ{}
	b := start(t, quiet(), p, dlq, nil)
	defer b.Stop()

	revive := domain.NewRawEvent(domain.KindPlayerRevived, "1", []byte(`{"reviver":{"steamID":"r"},"victim":{"steamID":"v"}}`), time.Now())
	b.AddEvent(revive)
	require.NoError(t, b.Flush(context.Background(), domain.KindPlayerRevived))

	require.Eventually(t, func() bool { return len(dlq.all()) == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	entries := dlq.all()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.KindPlayerRevived, entries[0].kind)
	require.Len(t, entries[0].events, 1)
	assert.Equal(t, revive.ID, entries[0].events[0].ID)
	assert.JSONEq(t, string(revive.Payload), string(entries[0].events[0].Payload))
	assert.Equal(t, 3, entries[0].failure.RetryCount)
	assert.Equal(t, errFlaky.Error(), entries[0].failure.Message)

	assert.Equal(t, 4, p.attemptsFor(revive.ID), "one attempt plus max retries")
	assert.Zero(t, b.Sizes()[domain.KindPlayerRevived])
}

func TestFullQueueWaitsForBackoff(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newFakePersister()
	p.fail = func(domain.RawEvent, int) error { return errFlaky }
	dlq := &fakeDLQ{}
	cfg := quiet()
	cfg.MaxSize = 2
	cfg.FlushInterval = 5 * time.Millisecond
	cfg.RetryBaseDelay = time.Hour
	cfg.RetryMaxDelay = time.Hour
	b := start(t, cfg, p, dlq, nil)
	defer b.Stop()

	a := rawEvent(domain.KindPlayerWounded, time.Now())
	c := rawEvent(domain.KindPlayerWounded, time.Now())
	b.AddEvent(a)
	b.AddEvent(c)
	require.Eventually(t, func() bool { return p.attemptsFor(c.ID) == 1 }, time.Second, time.Millisecond)

	// size and interval triggers stay quiet until the retry timer fires
	late := rawEvent(domain.KindPlayerWounded, time.Now())
	b.AddEvent(late)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, p.attemptsFor(a.ID))
	assert.Equal(t, 1, p.attemptsFor(c.ID))
	assert.Zero(t, p.attemptsFor(late.ID))
	assert.Empty(t, dlq.all())
	assert.Equal(t, 3, b.Sizes()[domain.KindPlayerWounded])

	// an explicit flush is not held back
	require.NoError(t, b.Flush(context.Background(), domain.KindPlayerWounded))
	assert.Equal(t, 2, p.attemptsFor(a.ID))
	assert.Equal(t, 1, p.attemptsFor(late.ID))
}

func TestRetrySucceeds(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newFakePersister()
	p.fail = func(_ domain.RawEvent, attempt int) error {
		if attempt <= 2 {
			return errFlaky
		}
		return nil
	}
	dlq := &fakeDLQ{}
	b := start(t, quiet(), p, dlq, nil)
	defer b.Stop()

	ev := rawEvent(domain.KindPlayerWounded, time.Now())
	b.AddEvent(ev)
	require.NoError(t, b.Flush(context.Background(), domain.KindPlayerWounded))

	require.Eventually(t, func() bool { return len(p.persisted()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 3, p.attemptsFor(ev.ID))
	assert.Empty(t, dlq.all())
}

func TestMalformedPayloadIsNotRetried(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newFakePersister()
	p.fail = func(ev domain.RawEvent, _ int) error {
		return fmt.Errorf("decoding %s: %w", ev.ID, domain.ErrMalformedPayload)
	}
	dlq := &fakeDLQ{}
	b := start(t, quiet(), p, dlq, nil)
	defer b.Stop()

	ev := rawEvent(domain.KindChatMessage, time.Now())
	b.AddEvent(ev)
	require.NoError(t, b.Flush(context.Background(), domain.KindChatMessage))

	entries := dlq.all()
	require.Len(t, entries, 1)
	assert.Zero(t, entries[0].failure.RetryCount)
	assert.Equal(t, 1, p.attemptsFor(ev.ID))
}

func TestFlushAllDrains(t *testing.T) {
	defer goleak.VerifyNone(t)

	clk := &fakeClock{now: time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)}
	p := newFakePersister()
	bad := rawEvent(domain.KindPlayerRevived, clk.Now())
	p.fail = func(ev domain.RawEvent, _ int) error {
		if ev.ID == bad.ID {
			return errFlaky
		}
		return nil
	}
	dlq := &fakeDLQ{}
	cfg := quiet()
	cfg.RetryBaseDelay = time.Hour
	cfg.RetryMaxDelay = time.Hour
	b := start(t, cfg, p, dlq, clk.Now)
	defer b.Stop()

	death := rawEvent(domain.KindPlayerDied, clk.Now())
	chat := rawEvent(domain.KindChatMessage, clk.Now())
	b.AddEvent(death)
	b.AddEvent(chat)
	b.AddEvent(bad)

	require.NoError(t, b.FlushAll(context.Background()))

	assert.ElementsMatch(t, []string{death.ID, chat.ID}, p.persisted(), "deaths drain regardless of delay")
	assert.Equal(t, 4, p.attemptsFor(bad.ID))
	entries := dlq.all()
	require.Len(t, entries, 1)
	assert.Equal(t, bad.ID, entries[0].events[0].ID)
	assert.Equal(t, 3, entries[0].failure.RetryCount)

	for kind, n := range b.Sizes() {
		assert.Zero(t, n, kind)
	}
}

func TestRequeuedEventsGoFirst(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newFakePersister()
	var first domain.RawEvent
	p.fail = func(ev domain.RawEvent, attempt int) error {
		if ev.ID == first.ID && attempt == 1 {
			return errFlaky
		}
		return nil
	}
	cfg := quiet()
	cfg.RetryBaseDelay = time.Hour
	cfg.RetryMaxDelay = time.Hour
	b := start(t, cfg, p, &fakeDLQ{}, nil)
	defer b.Stop()
	ctx := context.Background()

	first = rawEvent(domain.KindPlayerWounded, time.Now())
	second := rawEvent(domain.KindPlayerWounded, time.Now())
	third := rawEvent(domain.KindPlayerWounded, time.Now())
	for _, ev := range []domain.RawEvent{first, second, third} {
		b.AddEvent(ev)
	}
	require.NoError(t, b.Flush(ctx, domain.KindPlayerWounded))
	assert.Equal(t, []string{second.ID, third.ID}, p.persisted())

	fourth := rawEvent(domain.KindPlayerWounded, time.Now())
	b.AddEvent(fourth)
	require.Eventually(t, func() bool { return b.Sizes()[domain.KindPlayerWounded] == 2 }, time.Second, time.Millisecond)
	require.NoError(t, b.Flush(ctx, domain.KindPlayerWounded))
	assert.Equal(t, []string{second.ID, third.ID, first.ID, fourth.ID}, p.persisted())
}

func TestOrderPreservedWithinKind(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newFakePersister()
	cfg := quiet()
	cfg.MaxSize = 7
	b := start(t, cfg, p, &fakeDLQ{}, nil)
	defer b.Stop()

	var ids []string
	for i := 0; i < 50; i++ {
		ev := rawEvent(domain.KindPlayerDamaged, time.Now())
		ids = append(ids, ev.ID)
		b.AddEvent(ev)
	}
	require.NoError(t, b.FlushAll(context.Background()))
	assert.Equal(t, ids, p.persisted())
}

func TestStoppedBuffer(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := start(t, quiet(), newFakePersister(), &fakeDLQ{}, nil)
	b.Stop()
	b.Stop()

	assert.ErrorIs(t, b.Flush(context.Background(), domain.KindChatMessage), ErrStopped)
	assert.ErrorIs(t, b.FlushAll(context.Background()), ErrStopped)
	assert.Empty(t, b.Sizes())

	// must not block
	for i := 0; i < addQueueSize+10; i++ {
		b.AddEvent(rawEvent(domain.KindChatMessage, time.Now()))
	}
	b.AddEvent(domain.RawEvent{Kind: "NOT_A_KIND"})

	assert.Error(t, b.Flush(context.Background(), "NOT_A_KIND"))
}

func TestRetryDelay(t *testing.T) {
	b := New(Options{Logger: zerolog.Nop()})
	assert.Equal(t, 2*time.Second, b.retryDelay(1))
	assert.Equal(t, 4*time.Second, b.retryDelay(2))
	assert.Equal(t, 8*time.Second, b.retryDelay(3))
	assert.Equal(t, 30*time.Second, b.retryDelay(10))
}
