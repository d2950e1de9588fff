// Package retention runs the background jobs that keep short-lived tables small
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ernie/squad-tracker/internal/metrics"
)

// WoundPruner deletes wounds recorded before cutoff
type WoundPruner interface {
	PruneWounds(ctx context.Context, cutoff time.Time) (int64, error)
}

// CodeSweeper deletes expired verification codes
type CodeSweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Options configures a Janitor. A nil Sweeper disables the code sweep.
type Options struct {
	Wounds        WoundPruner
	Sweeper       CodeSweeper
	WoundTTL      time.Duration
	PruneInterval time.Duration
	SweepInterval time.Duration
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Janitor periodically prunes wounds and sweeps expired codes
type Janitor struct {
	opts Options
	log  zerolog.Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a janitor with defaults applied
func New(opts Options) *Janitor {
	if opts.WoundTTL == 0 {
		opts.WoundTTL = 10 * time.Minute
	}
	if opts.PruneInterval == 0 {
		opts.PruneInterval = time.Minute
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Janitor{opts: opts, log: opts.Logger, done: make(chan struct{})}
}

// Start launches the loops. They exit on Stop or when ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	if j.opts.Wounds != nil {
		j.wg.Add(1)
		go j.loop(ctx, j.opts.PruneInterval, j.PruneOnce)
	}
	if j.opts.Sweeper != nil {
		j.wg.Add(1)
		go j.loop(ctx, j.opts.SweepInterval, j.SweepOnce)
	}
}

// Stop halts the loops and waits for a running pass to finish
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.done) })
	j.wg.Wait()
}

func (j *Janitor) loop(ctx context.Context, every time.Duration, pass func(context.Context) (int64, error)) {
	defer j.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass(ctx)
		}
	}
}

// PruneOnce deletes wounds older than the wound TTL
func (j *Janitor) PruneOnce(ctx context.Context) (int64, error) {
	cutoff := j.opts.Now().Add(-j.opts.WoundTTL)
	n, err := j.opts.Wounds.PruneWounds(ctx, cutoff)
	if err != nil {
		j.log.Error().Err(err).Msg("pruning wounds")
		return 0, err
	}
	j.opts.Metrics.WoundsPruned(n)
	if n > 0 {
		j.log.Debug().Int64("count", n).Time("cutoff", cutoff).Msg("pruned wounds")
	}
	return n, nil
}

// SweepOnce deletes expired verification codes
func (j *Janitor) SweepOnce(ctx context.Context) (int64, error) {
	n, err := j.opts.Sweeper.Sweep(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("sweeping verification codes")
		return 0, err
	}
	return n, nil
}
