package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsRecord(t *testing.T) {
	m := MustNew(prometheus.NewRegistry())

	m.ObserveLoop("triage", 3, true)
	m.ToolCall("triage", "reply", false)
	m.ToolCall("triage", "reply", true)
	m.ModelCall("triage", errors.New("x"))
	m.PendingQueued()
	m.SessionTurn("ok")

	done := m.RunStarted("ui_automation")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsActive))
	done("success")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.runsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loopExhausted.WithLabelValues("triage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("triage", "reply", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.modelCalls.WithLabelValues("triage", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runOutcomes.WithLabelValues("ui_automation", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pendingQueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionTurns.WithLabelValues("ok")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveLoop("x", 1, false)
	m.ToolCall("x", "y", false)
	m.ModelCall("x", nil)
	m.PendingQueued()
	m.SessionTurn("ok")
	m.RunStarted("x")("success")
}

func TestDoubleRegistrationTolerated(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustNew(reg)
	assert.NotPanics(t, func() { MustNew(reg) })
}
