// Package metrics exposes Prometheus collectors for the ingestion pipeline.
// A nil *Metrics is valid and records nothing, which keeps tests free of registries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "squad_tracker"

// Metrics holds every collector the pipeline reports to
type Metrics struct {
	eventsReceived     *prometheus.CounterVec
	eventsPersisted    *prometheus.CounterVec
	eventsFailed       *prometheus.CounterVec
	deadLetters        *prometheus.CounterVec
	queueLength        *prometheus.GaugeVec
	flushDuration      *prometheus.HistogramVec
	serverConnected    *prometheus.GaugeVec
	reconnectAttempts  *prometheus.CounterVec
	malformedFrames    *prometheus.CounterVec
	verificationResult *prometheus.CounterVec
	woundsPruned       prometheus.Counter
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		eventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Events received from game servers.",
		}, []string{"server", "kind"}),
		eventsPersisted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_persisted_total",
			Help:      "Events committed to storage.",
		}, []string{"kind"}),
		eventsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Failed persistence attempts, including ones later retried.",
		}, []string{"kind"}),
		deadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Events written to the dead-letter sink.",
		}, []string{"kind"}),
		queueLength: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_queue_length",
			Help:      "Events waiting in each buffer queue.",
		}, []string{"kind"}),
		flushDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent persisting one flushed batch.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		serverConnected: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_connected",
			Help:      "1 when the server connection is up, 0 otherwise.",
		}, []string{"server"}),
		reconnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts per server.",
		}, []string{"server"}),
		malformedFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Socket.IO event frames that could not be decoded and were skipped.",
		}, []string{"server"}),
		verificationResult: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_matches_total",
			Help:      "Verification match attempts by result.",
		}, []string{"result"}),
		woundsPruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wounds_pruned_total",
			Help:      "Wound records removed by retention.",
		}),
	}
}

func (m *Metrics) EventReceived(server, kind string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(server, kind).Inc()
}

func (m *Metrics) EventPersisted(kind string) {
	if m == nil {
		return
	}
	m.eventsPersisted.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventFailed(kind string) {
	if m == nil {
		return
	}
	m.eventsFailed.WithLabelValues(kind).Inc()
}

func (m *Metrics) DeadLettered(kind string, n int) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) QueueLength(kind string, n int) {
	if m == nil {
		return
	}
	m.queueLength.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) FlushDuration(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.flushDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) ServerConnected(server string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.serverConnected.WithLabelValues(server).Set(v)
}

func (m *Metrics) ReconnectAttempt(server string) {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues(server).Inc()
}

func (m *Metrics) MalformedFrame(server string) {
	if m == nil {
		return
	}
	m.malformedFrames.WithLabelValues(server).Inc()
}

func (m *Metrics) VerificationResult(result string) {
	if m == nil {
		return
	}
	m.verificationResult.WithLabelValues(result).Inc()
}

func (m *Metrics) WoundsPruned(n int64) {
	if m == nil {
		return
	}
	m.woundsPruned.Add(float64(n))
}
