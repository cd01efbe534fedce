package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Backend identifies which store served an instrumented operation.
type Backend string

const (
	BackendDistributed Backend = "distributed"
	BackendLocal       Backend = "local"
)

// StoreOperation identifies the store method being instrumented.
type StoreOperation string

const (
	StoreOperationGet       StoreOperation = "get"
	StoreOperationPut       StoreOperation = "put"
	StoreOperationIncrement StoreOperation = "increment"
)

// StoreResult captures how an instrumented store call ended.
type StoreResult string

const (
	StoreResultHit     StoreResult = "hit"
	StoreResultMiss    StoreResult = "miss"
	StoreResultOK      StoreResult = "ok"
	StoreResultError   StoreResult = "error"
	StoreResultCorrupt StoreResult = "corrupt"
)

// Recorder publishes Prometheus metrics for gate activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	gateDecisions *prometheus.CounterVec
	gateLatency   *prometheus.HistogramVec

	storeOperations *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec

	backendFailovers prometheus.Counter
	circuitOpen      prometheus.Gauge

	throttleRejections *prometheus.CounterVec
	lockoutEvents      *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	gateDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardrail",
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Gate outcomes per route class.",
	}, []string{"route", "outcome"})

	gateLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "guardrail",
		Subsystem: "gate",
		Name:      "decision_duration_seconds",
		Help:      "Latency distribution for completed gate decisions.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route", "outcome"})

	storeOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardrail",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Backend store operations executed by the resilience layer.",
	}, []string{"backend", "operation", "result"})

	storeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "guardrail",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for backend store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"backend", "operation", "result"})

	backendFailovers := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guardrail",
		Subsystem: "cache",
		Name:      "failovers_total",
		Help:      "Operations that fell back to the local store after a distributed failure.",
	})

	circuitOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardrail",
		Subsystem: "cache",
		Name:      "circuit_open",
		Help:      "Whether the distributed backend circuit is currently open (1) or closed (0).",
	})

	throttleRejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardrail",
		Subsystem: "throttle",
		Name:      "rejections_total",
		Help:      "Requests denied by the fixed-window throttle.",
	}, []string{"policy"})

	lockoutEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardrail",
		Subsystem: "lockout",
		Name:      "events_total",
		Help:      "Lockout tracker transitions (locked, rejected, reset).",
	}, []string{"event"})

	reg.MustRegister(
		gateDecisions, gateLatency,
		storeOperations, storeLatency,
		backendFailovers, circuitOpen,
		throttleRejections, lockoutEvents,
	)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		gateDecisions:      gateDecisions,
		gateLatency:        gateLatency,
		storeOperations:    storeOperations,
		storeLatency:       storeLatency,
		backendFailovers:   backendFailovers,
		circuitOpen:        circuitOpen,
		throttleRejections: throttleRejections,
		lockoutEvents:      lockoutEvents,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveDecision records the outcome and latency of one gate pass.
func (r *Recorder) ObserveDecision(route, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	outcomeLabel := normalizeLabel(outcome)
	r.gateDecisions.WithLabelValues(routeLabel, outcomeLabel).Inc()
	r.gateLatency.WithLabelValues(routeLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveStore records one backend store call.
func (r *Recorder) ObserveStore(backend Backend, op StoreOperation, result StoreResult, duration time.Duration) {
	if r == nil {
		return
	}
	r.storeOperations.WithLabelValues(string(backend), string(op), string(result)).Inc()
	r.storeLatency.WithLabelValues(string(backend), string(op), string(result)).Observe(duration.Seconds())
}

// ObserveFailover counts a distributed failure absorbed by the local store.
func (r *Recorder) ObserveFailover() {
	if r == nil {
		return
	}
	r.backendFailovers.Inc()
}

// SetCircuitOpen publishes the circuit breaker state.
func (r *Recorder) SetCircuitOpen(open bool) {
	if r == nil {
		return
	}
	if open {
		r.circuitOpen.Set(1)
	} else {
		r.circuitOpen.Set(0)
	}
}

// ObserveThrottleRejection counts a denied request under the named policy.
func (r *Recorder) ObserveThrottleRejection(policy string) {
	if r == nil {
		return
	}
	r.throttleRejections.WithLabelValues(normalizeLabel(policy)).Inc()
}

// ObserveLockout counts a lockout tracker event.
func (r *Recorder) ObserveLockout(event string) {
	if r == nil {
		return
	}
	r.lockoutEvents.WithLabelValues(normalizeLabel(event)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
