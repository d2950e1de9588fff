// Package buffer queues events per kind and flushes them to storage on size,
// age and interval triggers, retrying failures before dead-lettering them.
//
// Each kind has an actor goroutine that owns its queue and a persister
// goroutine that owns its retry counter, so the hot path takes no locks and
// events of one kind are persisted in arrival order.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ernie/squad-tracker/internal/deadletter"
	"github.com/ernie/squad-tracker/internal/domain"
	"github.com/ernie/squad-tracker/internal/metrics"
)

const addQueueSize = 1024

// ErrStopped is returned by flushes requested after Stop
var ErrStopped = errors.New("event buffer stopped")

// Persister stores one event
type Persister interface {
	Persist(ctx context.Context, ev domain.RawEvent) error
}

// DeadLetterer records events that could not be persisted
type DeadLetterer interface {
	Write(ctx context.Context, kind domain.EventKind, events []domain.RawEvent, failure deadletter.Failure) (string, error)
}

// Config holds flush and retry tunables. Zero values take defaults.
type Config struct {
	FlushInterval  time.Duration
	MaxSize        int
	MaxAge         time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	DeathDelay     time.Duration
}

func (c *Config) applyDefaults() {
	if c.FlushInterval == 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxSize == 0 {
		c.MaxSize = 100
	}
	if c.MaxAge == 0 {
		c.MaxAge = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.DeathDelay == 0 {
		c.DeathDelay = 10 * time.Second
	}
}

// Options wires a Buffer's collaborators
type Options struct {
	Config     Config
	Persister  Persister
	DeadLetter DeadLetterer
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Buffer holds one queue per event kind
type Buffer struct {
	cfg       Config
	persister Persister
	dlq       DeadLetterer
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time

	queues map[domain.EventKind]*queue

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

// New creates a buffer. Call Start before adding events.
func New(opts Options) *Buffer {
	cfg := opts.Config
	cfg.applyDefaults()

	b := &Buffer{
		cfg:       cfg,
		persister: opts.Persister,
		dlq:       opts.DeadLetter,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		now:       opts.Now,
		queues:    make(map[domain.EventKind]*queue, len(domain.Kinds)),
		done:      make(chan struct{}),
	}
	if b.now == nil {
		b.now = time.Now
	}
	for _, kind := range domain.Kinds {
		b.queues[kind] = newQueue(b, kind)
	}
	return b
}

// Start launches the actor and persister goroutines for every kind
func (b *Buffer) Start(ctx context.Context) {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(ctx)

	for _, q := range b.queues {
		b.wg.Add(2)
		go q.run()
		go q.persistLoop()
	}
	b.log.Info().
		Dur("flush_interval", b.cfg.FlushInterval).
		Int("max_size", b.cfg.MaxSize).
		Dur("max_age", b.cfg.MaxAge).
		Int("max_retries", b.cfg.MaxRetries).
		Msg("event buffer started")
}

// Stop halts every goroutine. Events still queued are not persisted; call
// FlushAll first to drain them.
func (b *Buffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.startMu.Lock()
		if b.cancel != nil {
			b.cancel()
		}
		b.startMu.Unlock()
		b.wg.Wait()
		b.log.Info().Msg("event buffer stopped")
	})
}

func (b *Buffer) running() bool {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if !b.started {
		return false
	}
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

// AddEvent enqueues ev on its kind's queue. Unknown kinds are ignored.
func (b *Buffer) AddEvent(ev domain.RawEvent) {
	q, ok := b.queues[ev.Kind]
	if !ok {
		b.log.Debug().Str("kind", string(ev.Kind)).Msg("ignoring event of unknown kind")
		return
	}
	select {
	case q.addCh <- ev:
	case <-b.done:
		b.log.Warn().Str("event_id", ev.ID).Str("kind", string(ev.Kind)).Msg("event dropped after shutdown")
	}
}

// Flush persists the eligible events of kind and waits for the batch to finish
func (b *Buffer) Flush(ctx context.Context, kind domain.EventKind) error {
	q, ok := b.queues[kind]
	if !ok {
		return fmt.Errorf("unknown event kind %q", kind)
	}
	if !b.running() {
		return ErrStopped
	}
	return q.flushAndWait(ctx, false)
}

// FlushAll drains every queue, ignoring the death delay. Failures are retried
// inline without backoff and then dead-lettered, so the queues are empty on return.
func (b *Buffer) FlushAll(ctx context.Context) error {
	if !b.running() {
		return ErrStopped
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range b.queues {
		g.Go(func() error { return q.flushAndWait(ctx, true) })
	}
	return g.Wait()
}

// Sizes reports the number of events waiting in each queue
func (b *Buffer) Sizes() map[domain.EventKind]int {
	sizes := make(map[domain.EventKind]int, len(b.queues))
	if !b.running() {
		return sizes
	}
	for kind, q := range b.queues {
		reply := make(chan int, 1)
		select {
		case q.sizeCh <- reply:
			sizes[kind] = <-reply
		case <-b.done:
			sizes[kind] = 0
		}
	}
	return sizes
}

// retryDelay is the backoff after the count-th consecutive failure
func (b *Buffer) retryDelay(count int) time.Duration {
	d := b.cfg.RetryBaseDelay
	for i := 0; i < count; i++ {
		d *= 2
		if d >= b.cfg.RetryMaxDelay {
			return b.cfg.RetryMaxDelay
		}
	}
	return d
}

// deadLetter writes events to the sink, reporting whether they are safely recorded
func (b *Buffer) deadLetter(kind domain.EventKind, events []domain.RawEvent, cause error, retryCount int) bool {
	log := b.log.With().Str("kind", string(kind)).Int("count", len(events)).Logger()
	if b.dlq == nil {
		log.Error().Err(cause).Msg("no dead-letter sink, dropping events")
		return false
	}

	// shutdown may already have cancelled the buffer context
	path, err := b.dlq.Write(context.Background(), kind, events, deadletter.NewFailure(cause, retryCount, b.now()))
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("writing dead letter")
		return false
	}
	b.metrics.DeadLettered(string(kind), len(events))
	log.Error().Err(cause).Str("path", path).Int("retries", retryCount).Msg("events dead-lettered")
	return true
}

func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrMalformedPayload)
}
