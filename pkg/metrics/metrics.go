// Package metrics records Prometheus metrics for connection readiness,
// routing and event sequencing.
//
// A nil *Recorder is valid and records nothing, so components can be
// constructed without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentbridge"

// Recorder holds every metric the bridge exports.
type Recorder struct {
	registry *prometheus.Registry

	stateTransitions    *prometheus.CounterVec
	activeConnections   prometheus.Gauge
	messagesRouted      *prometheus.CounterVec
	isolationViolations *prometheus.CounterVec
	sendFailures        prometheus.Counter
	messagesShed        prometheus.Counter
	queueOverflows      *prometheus.CounterVec
	flushDuration       prometheus.Histogram
	sequenceViolations  *prometheus.CounterVec
	eventsSequenced     *prometheus.CounterVec
	replayRetained      prometheus.Counter
	replayDelivered     prometheus.Counter
}

// New creates a Recorder backed by its own registry, so several recorders
// can coexist in one process (tests).
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		stateTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_state_transitions_total",
				Help:      "Connection state transitions by target state",
			},
			[]string{"to", "rollback"},
		),
		activeConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "WebSocket connections currently registered",
		}),
		messagesRouted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_routed_total",
				Help:      "Per-destination routing outcomes by strategy",
			},
			[]string{"strategy", "outcome"},
		),
		isolationViolations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "isolation_violations_total",
				Help:      "Messages refused because the destination belongs to another user",
			},
			[]string{"strategy"},
		),
		sendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Direct sends that failed and deactivated their destination",
		}),
		messagesShed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_shed_total",
			Help:      "NORMAL priority messages dropped under backpressure",
		}),
		queueOverflows: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_overflows_total",
				Help:      "Enqueues that hit the queue bound, by overflow policy",
			},
			[]string{"policy"},
		),
		flushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_flush_duration_seconds",
			Help:      "Time spent flushing a connection backlog",
			Buckets:   prometheus.DefBuckets,
		}),
		sequenceViolations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sequence_violations_total",
				Help:      "Lifecycle events rejected by the sequencer, by event type",
			},
			[]string{"type"},
		),
		eventsSequenced: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_sequenced_total",
				Help:      "Lifecycle events accepted by the sequencer, by event type",
			},
			[]string{"type"},
		),
		replayRetained: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_retained_total",
			Help:      "Messages retained for replay after a connection was unavailable",
		}),
		replayDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_delivered_total",
			Help:      "Retained messages replayed to a reconnecting client",
		}),
	}
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// StateTransition counts a connection state change.
func (r *Recorder) StateTransition(to string, rollback bool) {
	if r == nil {
		return
	}
	label := "false"
	if rollback {
		label = "true"
	}
	r.stateTransitions.WithLabelValues(to, label).Inc()
}

// ConnectionOpened increments the active connection gauge.
func (r *Recorder) ConnectionOpened() {
	if r == nil {
		return
	}
	r.activeConnections.Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (r *Recorder) ConnectionClosed() {
	if r == nil {
		return
	}
	r.activeConnections.Dec()
}

// MessageRouted counts one per-destination outcome (delivered, queued,
// failed, dropped, unavailable).
func (r *Recorder) MessageRouted(strategy, outcome string) {
	if r == nil {
		return
	}
	r.messagesRouted.WithLabelValues(strategy, outcome).Inc()
}

// IsolationViolation counts a refused cross-user delivery.
func (r *Recorder) IsolationViolation(strategy string) {
	if r == nil {
		return
	}
	r.isolationViolations.WithLabelValues(strategy).Inc()
}

// SendFailed counts a failed direct send.
func (r *Recorder) SendFailed() {
	if r == nil {
		return
	}
	r.sendFailures.Inc()
}

// MessageShed counts a message dropped by priority-based load shedding.
func (r *Recorder) MessageShed() {
	if r == nil {
		return
	}
	r.messagesShed.Inc()
}

// QueueOverflow counts an enqueue that hit the queue bound.
func (r *Recorder) QueueOverflow(policy string) {
	if r == nil {
		return
	}
	r.queueOverflows.WithLabelValues(policy).Inc()
}

// ObserveFlush records how long a backlog flush took.
func (r *Recorder) ObserveFlush(d time.Duration) {
	if r == nil {
		return
	}
	r.flushDuration.Observe(d.Seconds())
}

// EventSequenced counts an accepted lifecycle event.
func (r *Recorder) EventSequenced(eventType string) {
	if r == nil {
		return
	}
	r.eventsSequenced.WithLabelValues(eventType).Inc()
}

// SequenceViolation counts a rejected lifecycle event.
func (r *Recorder) SequenceViolation(eventType string) {
	if r == nil {
		return
	}
	r.sequenceViolations.WithLabelValues(eventType).Inc()
}

// ReplayRetained counts a message put in the replay store.
func (r *Recorder) ReplayRetained() {
	if r == nil {
		return
	}
	r.replayRetained.Inc()
}

// ReplayDelivered counts replayed messages.
func (r *Recorder) ReplayDelivered(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.replayDelivered.Add(float64(n))
}
