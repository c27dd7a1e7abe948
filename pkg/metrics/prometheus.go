package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder collects trader metrics on its own registry so tests can build
// as many recorders as they like.
type Recorder struct {
	registry *prometheus.Registry

	transientErrors  *prometheus.CounterVec
	orderTransitions *prometheus.CounterVec
	rejectedIntents  *prometheus.CounterVec
	droppedEvents    prometheus.Counter
	phase            *prometheus.GaugeVec
	openPositions    prometheus.Gauge
	monitored        prometheus.Gauge
	latency          *prometheus.HistogramVec

	mu        sync.Mutex
	transient map[string]int64
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		transientErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trader_transient_errors_total",
				Help: "Transient I/O errors (timeouts, connectivity), counted instead of reported",
			},
			[]string{"op"},
		),
		orderTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trader_order_transitions_total",
				Help: "Order state transitions by target status",
			},
			[]string{"side", "status"},
		),
		rejectedIntents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trader_rejected_intents_total",
				Help: "Entry/exit intents rejected before reaching the broker",
			},
			[]string{"reason"},
		),
		droppedEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trader_dropped_events_total",
				Help: "Events dropped because the dispatcher buffer was full",
			},
		),
		phase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trader_scheduler_phase",
				Help: "1 for the current scheduler phase, 0 otherwise",
			},
			[]string{"phase"},
		),
		openPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "trader_open_positions",
				Help: "Positions with non-zero quantity",
			},
		),
		monitored: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "trader_monitored_symbols",
				Help: "Size of the day's monitored set",
			},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trader_operation_duration_seconds",
				Help:    "Duration of scheduler operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		transient: make(map[string]int64),
	}

	r.registry.MustRegister(
		r.transientErrors,
		r.orderTransitions,
		r.rejectedIntents,
		r.droppedEvents,
		r.phase,
		r.openPositions,
		r.monitored,
		r.latency,
	)
	return r
}

// Registry exposes the registry for the /metrics handler
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// RecordTransient counts a transient error for op (price_fetch, submit, cancel, signal)
func (r *Recorder) RecordTransient(op string) {
	r.transientErrors.WithLabelValues(op).Inc()
	r.mu.Lock()
	r.transient[op]++
	r.mu.Unlock()
}

// TransientCounts returns a copy of the per-op transient error counters
func (r *Recorder) TransientCounts() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.transient))
	for k, v := range r.transient {
		out[k] = v
	}
	return out
}

// RecordOrderTransition records an order reaching status
func (r *Recorder) RecordOrderTransition(side, status string) {
	r.orderTransitions.WithLabelValues(side, status).Inc()
}

// RecordRejectedIntent records an intent stopped before submission
func (r *Recorder) RecordRejectedIntent(reason string) {
	r.rejectedIntents.WithLabelValues(reason).Inc()
}

// RecordDroppedEvent records a dispatcher overflow
func (r *Recorder) RecordDroppedEvent() {
	r.droppedEvents.Inc()
}

// SetPhase marks phase as current and clears the others
func (r *Recorder) SetPhase(current string, all []string) {
	for _, p := range all {
		v := 0.0
		if p == current {
			v = 1
		}
		r.phase.WithLabelValues(p).Set(v)
	}
}

// SetOpenPositions sets the open position gauge
func (r *Recorder) SetOpenPositions(n int) {
	r.openPositions.Set(float64(n))
}

// SetMonitored sets the monitored set gauge
func (r *Recorder) SetMonitored(n int) {
	r.monitored.Set(float64(n))
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
