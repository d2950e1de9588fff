package buffer

import (
	"context"
	"time"

	"github.com/ernie/squad-tracker/internal/domain"
)

// flushRequest asks the actor for a flush. Waiters are closed once the batch
// that satisfies the request has been processed.
type flushRequest struct {
	drain   bool
	waiters []chan struct{}
}

func (r *flushRequest) merge(o flushRequest) {
	r.drain = r.drain || o.drain
	r.waiters = append(r.waiters, o.waiters...)
}

type batch struct {
	events  []domain.RawEvent
	drain   bool
	waiters []chan struct{}
}

type batchResult struct {
	requeue    []domain.RawEvent // failed events to retry, in arrival order
	retryAfter time.Duration     // zero when no retry is due
	waiters    []chan struct{}
}

// queue is one kind's queue. Fields below the channels belong to a single goroutine.
type queue struct {
	b    *Buffer
	kind domain.EventKind

	addCh    chan domain.RawEvent
	flushCh  chan flushRequest
	sizeCh   chan chan int
	workCh   chan batch
	resultCh chan batchResult

	// actor only
	events   []domain.RawEvent
	inFlight bool
	pending  *flushRequest
	retry    *time.Timer

	// persister only
	retries int
}

func newQueue(b *Buffer, kind domain.EventKind) *queue {
	return &queue{
		b:        b,
		kind:     kind,
		addCh:    make(chan domain.RawEvent, addQueueSize),
		flushCh:  make(chan flushRequest),
		sizeCh:   make(chan chan int),
		workCh:   make(chan batch),
		resultCh: make(chan batchResult),
	}
}

func (q *queue) flushAndWait(ctx context.Context, drain bool) error {
	done := make(chan struct{})
	req := flushRequest{drain: drain, waiters: []chan struct{}{done}}

	select {
	case q.flushCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.b.done:
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.b.done:
		return ErrStopped
	}
}

// --- Actor ---

func (q *queue) run() {
	defer q.b.wg.Done()

	ticker := time.NewTicker(q.b.cfg.FlushInterval)
	defer ticker.Stop()
	defer func() {
		if q.retry != nil {
			q.retry.Stop()
		}
		if n := len(q.events); n > 0 {
			q.b.log.Warn().Str("kind", string(q.kind)).Int("count", n).Msg("events left unflushed at shutdown")
		}
	}()

	for {
		var retryC <-chan time.Time
		if q.retry != nil {
			retryC = q.retry.C
		}

		select {
		case ev := <-q.addCh:
			q.add(ev)

		case req := <-q.flushCh:
			q.drainAdds()
			q.request(req)

		case <-ticker.C:
			if len(q.events) > 0 && !q.backingOff() {
				q.request(flushRequest{})
			}

		case <-retryC:
			q.retry = nil
			q.request(flushRequest{})

		case res := <-q.resultCh:
			q.complete(res)

		case reply := <-q.sizeCh:
			q.drainAdds()
			reply <- len(q.events)

		case <-q.b.done:
			return
		}
	}
}

// drainAdds takes every event already handed to AddEvent, so a flush sees
// everything added before it was requested
func (q *queue) drainAdds() {
	for {
		select {
		case ev := <-q.addCh:
			q.add(ev)
		default:
			return
		}
	}
}

func (q *queue) add(ev domain.RawEvent) {
	q.events = append(q.events, ev)
	q.b.metrics.QueueLength(string(q.kind), len(q.events))
	if q.backingOff() {
		return
	}

	switch {
	case len(q.events) >= q.b.cfg.MaxSize:
		q.b.log.Debug().Str("kind", string(q.kind)).Msg("queue reached max size, flushing")
		q.request(flushRequest{})
	case q.b.now().Sub(q.events[0].OccurredAt) >= q.b.cfg.MaxAge:
		q.b.log.Debug().Str("kind", string(q.kind)).Msg("oldest event exceeded max age, flushing")
		q.request(flushRequest{})
	}
}

// backingOff reports a scheduled retry flush. Size, age and interval
// triggers wait for it; explicit flushes do not.
func (q *queue) backingOff() bool {
	return q.retry != nil
}

// request dispatches a flush now, or folds it into the next one when a batch
// is already being persisted
func (q *queue) request(req flushRequest) {
	if q.inFlight {
		if q.pending == nil {
			q.pending = &flushRequest{}
		}
		q.pending.merge(req)
		return
	}
	q.dispatch(req)
}

// dispatch moves the eligible events into a batch and hands it to the persister
func (q *queue) dispatch(req flushRequest) {
	var ready, held []domain.RawEvent
	if req.drain {
		ready = q.events
	} else {
		now := q.b.now()
		for _, ev := range q.events {
			if q.eligible(ev, now) {
				ready = append(ready, ev)
			} else {
				held = append(held, ev)
			}
		}
	}

	if len(ready) == 0 {
		closeAll(req.waiters)
		return
	}

	q.events = held
	q.b.metrics.QueueLength(string(q.kind), len(q.events))
	q.inFlight = true

	select {
	case q.workCh <- batch{events: ready, drain: req.drain, waiters: req.waiters}:
	case <-q.b.done:
	}
}

// eligible holds deaths back so the wound they follow is stored first
func (q *queue) eligible(ev domain.RawEvent, now time.Time) bool {
	if ev.Kind != domain.KindPlayerDied {
		return true
	}
	return !now.Before(ev.OccurredAt.Add(q.b.cfg.DeathDelay))
}

func (q *queue) complete(res batchResult) {
	q.inFlight = false

	if len(res.requeue) > 0 {
		q.events = append(res.requeue, q.events...)
		q.b.metrics.QueueLength(string(q.kind), len(q.events))
	}
	if res.retryAfter > 0 && q.retry == nil {
		q.retry = time.NewTimer(res.retryAfter)
	}
	closeAll(res.waiters)

	switch {
	case q.pending != nil:
		req := *q.pending
		q.pending = nil
		if q.backingOff() && !req.drain && len(req.waiters) == 0 {
			// an automatic trigger; the retry timer flushes these events
			return
		}
		q.dispatch(req)
	case len(q.events) >= q.b.cfg.MaxSize && !q.backingOff():
		q.dispatch(flushRequest{})
	}
}

func closeAll(chs []chan struct{}) {
	for _, ch := range chs {
		close(ch)
	}
}

// --- Persister ---

func (q *queue) persistLoop() {
	defer q.b.wg.Done()

	for {
		select {
		case bt := <-q.workCh:
			res := q.process(bt)
			select {
			case q.resultCh <- res:
			case <-q.b.done:
				return
			}
		case <-q.b.done:
			return
		}
	}
}

func (q *queue) process(bt batch) batchResult {
	start := time.Now()
	res := batchResult{waiters: bt.waiters}
	ok, deadLettered := 0, 0
	kind := string(q.kind)

	for _, ev := range bt.events {
		err := q.b.persister.Persist(q.b.ctx, ev)
		if err == nil {
			ok++
			q.retries = 0
			q.b.metrics.EventPersisted(kind)
			continue
		}
		q.b.metrics.EventFailed(kind)
		log := q.b.log.With().Str("kind", kind).Str("event_id", ev.ID).Str("server", ev.ServerID).Logger()

		if q.b.ctx.Err() != nil {
			// shutting down; keep the event for whoever drains next
			res.requeue = append(res.requeue, ev)
			continue
		}

		if isPermanent(err) {
			log.Error().Err(err).Msg("event cannot be decoded")
			if q.b.deadLetter(q.kind, []domain.RawEvent{ev}, err, 0) {
				deadLettered++
			} else {
				res.requeue = append(res.requeue, ev)
			}
			continue
		}

		if bt.drain {
			if q.retryInline(ev, &err) {
				ok++
				continue
			}
			log.Error().Err(err).Msg("event failed during drain")
			if q.b.deadLetter(q.kind, []domain.RawEvent{ev}, err, q.b.cfg.MaxRetries) {
				deadLettered++
			} else {
				log.Error().Str("payload", string(ev.Payload)).Msg("event lost")
			}
			continue
		}

		q.retries++
		if q.retries <= q.b.cfg.MaxRetries {
			delay := q.b.retryDelay(q.retries)
			log.Warn().Err(err).Int("retry", q.retries).Dur("delay", delay).Msg("persist failed, will retry")
			res.requeue = append(res.requeue, ev)
			res.retryAfter = delay
			continue
		}

		retryCount := q.retries - 1
		q.retries = 0
		if q.b.deadLetter(q.kind, []domain.RawEvent{ev}, err, retryCount) {
			deadLettered++
		} else {
			res.requeue = append(res.requeue, ev)
			res.retryAfter = q.b.cfg.RetryMaxDelay
		}
	}

	elapsed := time.Since(start)
	q.b.metrics.FlushDuration(kind, elapsed)
	entry := q.b.log.Info()
	if ok < len(bt.events) {
		entry = q.b.log.Warn()
	}
	entry.Str("kind", kind).
		Int("persisted", ok).
		Int("requeued", len(res.requeue)).
		Int("dead_lettered", deadLettered).
		Dur("took", elapsed).
		Bool("drain", bt.drain).
		Msgf("flushed %d/%d %s events", ok, len(bt.events), kind)
	return res
}

// retryInline retries ev without backoff, leaving the last error in errp
func (q *queue) retryInline(ev domain.RawEvent, errp *error) bool {
	for attempt := 1; attempt <= q.b.cfg.MaxRetries; attempt++ {
		err := q.b.persister.Persist(q.b.ctx, ev)
		if err == nil {
			q.retries = 0
			q.b.metrics.EventPersisted(string(q.kind))
			return true
		}
		q.b.metrics.EventFailed(string(q.kind))
		*errp = err
		if isPermanent(err) || q.b.ctx.Err() != nil {
			return false
		}
	}
	return false
}
