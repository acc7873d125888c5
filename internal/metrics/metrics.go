// Package metrics exposes Prometheus collectors for agent runs.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vox"

// Metrics groups the collectors recorded by the loop engine, the sub-agents and the session.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	loopIterations *prometheus.HistogramVec
	loopExhausted  *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	modelCalls     *prometheus.CounterVec
	runOutcomes    *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	runsActive     prometheus.Gauge
	pendingQueued  prometheus.Counter
	sessionTurns   *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the process-wide instance registered with the default registerer.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew constructs Metrics on reg. Tests pass a fresh prometheus.NewRegistry().
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		loopIterations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "iterations",
			Help:      "Model calls made per loop invocation.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
		}, []string{"kind"}),
		loopExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "exhausted_total",
			Help:      "Loop invocations that hit the iteration ceiling.",
		}, []string{"kind"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "tool_calls_total",
			Help:      "Capability invocations by tool and result.",
		}, []string{"kind", "tool", "result"}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "model_calls_total",
			Help:      "Model calls by result.",
		}, []string{"kind", "result"}),
		runOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subagent",
			Name:      "outcomes_total",
			Help:      "Headless run outcomes by kind and status.",
		}, []string{"kind", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subagent",
			Name:      "duration_seconds",
			Help:      "Wall time of headless runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subagent",
			Name:      "active",
			Help:      "Headless runs currently executing.",
		}),
		pendingQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "queued_total",
			Help:      "Entries appended to the pending-delivery queue.",
		}),
		sessionTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "turns_total",
			Help:      "Interactive turns by result.",
		}, []string{"result"}),
	}

	collectors := []prometheus.Collector{
		m.loopIterations, m.loopExhausted, m.toolCalls, m.modelCalls,
		m.runOutcomes, m.runDuration, m.runsActive, m.pendingQueued, m.sessionTurns,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
	return m
}

// ObserveLoop records one finished loop invocation.
func (m *Metrics) ObserveLoop(kind string, iterations int, exhausted bool) {
	if m == nil {
		return
	}
	m.loopIterations.WithLabelValues(kind).Observe(float64(iterations))
	if exhausted {
		m.loopExhausted.WithLabelValues(kind).Inc()
	}
}

// ToolCall records one capability invocation.
func (m *Metrics) ToolCall(kind, tool string, isError bool) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(kind, tool, result(isError)).Inc()
}

// ModelCall records one model call.
func (m *Metrics) ModelCall(kind string, err error) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(kind, result(err != nil)).Inc()
}

// RunStarted marks a headless run as active and returns a func that records its end.
func (m *Metrics) RunStarted(kind string) func(status string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.runsActive.Inc()
	return func(status string) {
		m.runsActive.Dec()
		m.runDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		m.runOutcomes.WithLabelValues(kind, status).Inc()
	}
}

// PendingQueued records an append to the pending-delivery queue.
func (m *Metrics) PendingQueued() {
	if m == nil {
		return
	}
	m.pendingQueued.Inc()
}

// SessionTurn records an interactive turn ("ok", "error", "empty").
func (m *Metrics) SessionTurn(res string) {
	if m == nil {
		return
	}
	m.sessionTurns.WithLabelValues(res).Inc()
}

func result(isError bool) string {
	if isError {
		return "error"
	}
	return "ok"
}
