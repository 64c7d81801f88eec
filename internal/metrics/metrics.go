// Package metrics exposes the relay's operational counters both as
// Prometheus collectors and as the JSON snapshot served by the HTTP
// surface. Counters carry no identifiers, only totals.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"whisper2/go-server/pkg/models"
)

// Registry holds the relay's metric set. Gauges for live state are fed
// by callbacks so the values never drift from the owning stores.
type Registry struct {
	framesAccepted     atomic.Int64
	framesRejected     atomic.Int64
	envelopesDelivered atomic.Int64
	envelopesQueued    atomic.Int64

	mu            sync.Mutex
	errorCounters map[string]int

	liveConnections func() int
	activeSessions  func() int
	pendingSize     func() int
	activeCalls     func() int

	promFramesAccepted prometheus.Counter
	promFramesRejected *prometheus.CounterVec
	promDelivered      prometheus.Counter
	promQueued         prometheus.Counter
	promConnections    prometheus.GaugeFunc
	promSessions       prometheus.GaugeFunc
	promPending        prometheus.GaugeFunc
	promCalls          prometheus.GaugeFunc

	prom *prometheus.Registry
}

// Gauges wires the live-state callbacks. Any nil callback reads zero.
type Gauges struct {
	LiveConnections func() int
	ActiveSessions  func() int
	PendingSize     func() int
	ActiveCalls     func() int
}

func New(g Gauges) *Registry {
	r := &Registry{
		errorCounters:   make(map[string]int),
		liveConnections: orZero(g.LiveConnections),
		activeSessions:  orZero(g.ActiveSessions),
		pendingSize:     orZero(g.PendingSize),
		activeCalls:     orZero(g.ActiveCalls),
		prom:            prometheus.NewRegistry(),
	}

	r.promFramesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "whisper_relay", Name: "frames_accepted_total",
		Help: "Signed frames that passed the validator pipeline.",
	})
	r.promFramesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whisper_relay", Name: "frames_rejected_total",
		Help: "Frames rejected, labeled by error code.",
	}, []string{"code"})
	r.promDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "whisper_relay", Name: "envelopes_delivered_total",
		Help: "Envelopes pushed to a live recipient connection.",
	})
	r.promQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "whisper_relay", Name: "envelopes_queued_total",
		Help: "Envelopes committed to the pending queue.",
	})
	r.promConnections = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "whisper_relay", Name: "live_connections",
		Help: "Open WebSocket connections.",
	}, func() float64 { return float64(r.liveConnections()) })
	r.promSessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "whisper_relay", Name: "active_sessions",
		Help: "Unexpired session tokens.",
	}, func() float64 { return float64(r.activeSessions()) })
	r.promPending = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "whisper_relay", Name: "pending_queue_size",
		Help: "Envelopes awaiting delivery across all recipients.",
	}, func() float64 { return float64(r.pendingSize()) })
	r.promCalls = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "whisper_relay", Name: "active_calls",
		Help: "Signaling sessions in ringing or connected state.",
	}, func() float64 { return float64(r.activeCalls()) })

	r.prom.MustRegister(
		r.promFramesAccepted, r.promFramesRejected,
		r.promDelivered, r.promQueued,
		r.promConnections, r.promSessions, r.promPending, r.promCalls,
	)
	return r
}

// Prometheus returns the gatherer for the /metrics/prometheus handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

func (r *Registry) FrameAccepted() {
	r.framesAccepted.Add(1)
	r.promFramesAccepted.Inc()
}

func (r *Registry) FrameRejected(code string) {
	r.framesRejected.Add(1)
	r.promFramesRejected.WithLabelValues(code).Inc()
	r.mu.Lock()
	r.errorCounters[code]++
	r.mu.Unlock()
}

func (r *Registry) EnvelopeQueued() {
	r.envelopesQueued.Add(1)
	r.promQueued.Inc()
}

func (r *Registry) EnvelopeDelivered() {
	r.envelopesDelivered.Add(1)
	r.promDelivered.Inc()
}

// Snapshot renders the JSON metrics view.
func (r *Registry) Snapshot() models.MetricsSnapshot {
	r.mu.Lock()
	counters := make(map[string]int, len(r.errorCounters))
	for k, v := range r.errorCounters {
		counters[k] = v
	}
	r.mu.Unlock()
	return models.MetricsSnapshot{
		LiveConnections:    r.liveConnections(),
		ActiveSessions:     r.activeSessions(),
		PendingQueueSize:   r.pendingSize(),
		ActiveCalls:        r.activeCalls(),
		ErrorCounters:      counters,
		FramesAccepted:     r.framesAccepted.Load(),
		FramesRejected:     r.framesRejected.Load(),
		EnvelopesDelivered: r.envelopesDelivered.Load(),
		EnvelopesQueued:    r.envelopesQueued.Load(),
		LastUpdatedAt:      time.Now().UTC(),
	}
}

func orZero(fn func() int) func() int {
	if fn == nil {
		return func() int { return 0 }
	}
	return fn
}
