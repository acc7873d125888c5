package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/vox/internal/agent/ai/aitest"
	"github.com/neboloop/vox/internal/agent/orchestrator"
	"github.com/neboloop/vox/internal/agent/triage"
	"github.com/neboloop/vox/internal/db"
	"github.com/neboloop/vox/internal/delivery"
	"github.com/neboloop/vox/internal/metrics"
)

type fixture struct {
	srv    *httptest.Server
	queue  *delivery.Queue
	rules  *triage.Store
	agents *orchestrator.Orchestrator
	model  *aitest.Provider
}

func newFixture(t *testing.T, turns ...aitest.Turn) *fixture {
	t.Helper()
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), db.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	f := &fixture{
		queue: delivery.NewQueue(store, 10, m),
		rules: triage.NewStore(store),
		model: aitest.New(turns...),
	}
	h := orchestrator.NewHeadless(f.queue, nil, m)
	f.agents = orchestrator.New(h, nil, 2)
	agent := triage.New(f.rules, h, triage.Config{Provider: f.model})

	f.srv = httptest.NewServer(Handler(Deps{
		Queue:    f.queue,
		Rules:    f.rules,
		Triage:   agent,
		Agents:   f.agents,
		Gatherer: reg,
		Quiet:    true,
	}))
	t.Cleanup(func() {
		f.srv.Close()
		f.agents.Shutdown(context.Background())
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", string(body))

	code, _ = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestRuleLifecycle(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/v1/rules", map[string]any{"source": "mail"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), "instruction is required")

	code, body = f.do(t, http.MethodPost, "/v1/rules", map[string]any{
		"source": " Mail ", "instruction": "Mute newsletters", "enabled": true,
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	first := decode[triage.Rule](t, body)
	assert.Equal(t, "mail", first.Source)

	code, body = f.do(t, http.MethodPost, "/v1/rules", map[string]any{
		"source": "chat", "instruction": "Reply I'm busy", "condition": "from my boss", "enabled": true,
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	second := decode[triage.Rule](t, body)

	code, body = f.do(t, http.MethodGet, "/v1/sources", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"chat", "mail"}, decode[map[string][]string](t, body)["sources"])

	code, body = f.do(t, http.MethodPatch, "/v1/rules/"+first.ID, map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.False(t, decode[triage.Rule](t, body).Enabled)

	code, body = f.do(t, http.MethodGet, "/v1/sources", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"chat"}, decode[map[string][]string](t, body)["sources"])

	code, body = f.do(t, http.MethodPut, "/v1/rules/order", map[string]any{"ids": []string{second.ID}})
	require.Equal(t, http.StatusOK, code, string(body))
	listed := decode[map[string][]triage.Rule](t, body)["rules"]
	require.Len(t, listed, 2)
	assert.Equal(t, second.ID, listed[0].ID)

	code, _ = f.do(t, http.MethodPut, "/v1/rules/order", map[string]any{"ids": []string{"nope"}})
	assert.Equal(t, http.StatusNotFound, code)

	updated := second
	updated.Instruction = "Reply I'm in a meeting"
	code, body = f.do(t, http.MethodPut, "/v1/rules/"+second.ID, updated)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, "Reply I'm in a meeting", decode[triage.Rule](t, body).Instruction)

	code, _ = f.do(t, http.MethodDelete, "/v1/rules/"+first.ID, nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = f.do(t, http.MethodGet, "/v1/rules/"+first.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodDelete, "/v1/rules/"+first.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestNotificationIngest(t *testing.T) {
	f := newFixture(t, aitest.Turn{Text: "Alice asked about dinner; I said you're driving."})
	ctx := context.Background()
	_, err := f.rules.Create(ctx, triage.Rule{Source: "mail", Instruction: "Summarise it", Enabled: true})
	require.NoError(t, err)

	code, _ := f.do(t, http.MethodPost, "/v1/notifications", map[string]any{"text": "no source"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := f.do(t, http.MethodPost, "/v1/notifications", map[string]any{"source": "sms", "text": "hi"})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "ignored", decode[startResponse](t, body).Status)
	assert.Empty(t, f.model.Requests())

	code, body = f.do(t, http.MethodPost, "/v1/notifications", map[string]any{"source": "mail", "title": "Alice", "text": "Dinner?"})
	require.Equal(t, http.StatusAccepted, code, string(body))
	started := decode[startResponse](t, body)
	assert.Equal(t, "started", started.Status)
	assert.Equal(t, "direct", started.Mode)

	_, err = f.agents.Wait(ctx, started.AgentID)
	require.NoError(t, err)

	code, body = f.do(t, http.MethodGet, "/v1/agents/"+started.AgentID, nil)
	require.Equal(t, http.StatusOK, code)
	view := decode[agentView](t, body)
	assert.Equal(t, "completed", view.Status)
	assert.Equal(t, triage.Kind, view.Kind)
	assert.NotNil(t, view.CompletedAt)

	code, body = f.do(t, http.MethodGet, "/v1/pending", nil)
	require.Equal(t, http.StatusOK, code)
	peeked := decode[map[string][]delivery.Entry](t, body)["entries"]
	require.Len(t, peeked, 1)
	assert.Equal(t, triage.Kind, peeked[0].Origin)

	code, body = f.do(t, http.MethodPost, "/v1/pending/drain", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[map[string][]delivery.Entry](t, body)["entries"], 1)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAgentsEndpoints(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/v1/agents", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decode[map[string][]agentView](t, body)["agents"])

	code, _ = f.do(t, http.MethodGet, "/v1/agents/agent-1-1", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodDelete, "/v1/agents/agent-1-1", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestOptionalComponentsAnswerUnavailable(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/v1/automation", map[string]any{"goal": "turn on wifi"})
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = f.do(t, http.MethodGet, "/v1/session", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = f.do(t, http.MethodPost, "/v1/session/text", map[string]any{"text": "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = f.do(t, http.MethodGet, "/v1/device", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
