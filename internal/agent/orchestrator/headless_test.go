package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/neboloop/vox/internal/agent/ai"
	"github.com/neboloop/vox/internal/agent/ai/aitest"
	"github.com/neboloop/vox/internal/agent/session"
	"github.com/neboloop/vox/internal/agent/tools"
	"github.com/neboloop/vox/internal/delivery"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memDeliverer struct {
	mu      sync.Mutex
	entries []delivery.Entry
	err     error
}

func (d *memDeliverer) Append(_ context.Context, origin, text string) (*delivery.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	e := delivery.Entry{ID: fmt.Sprint(len(d.entries) + 1), Role: "assistant", Origin: origin, Text: text}
	d.entries = append(d.entries, e)
	return &e, nil
}

func (d *memDeliverer) texts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, e := range d.entries {
		out = append(out, e.Text)
	}
	return out
}

func finishCall(id, status, msg string) ai.ToolCall {
	return aitest.Call(id, FinishToolName, map[string]string{"status": status, "message": msg})
}

func newHeadless() (*Headless, *memDeliverer, *[]string) {
	d := &memDeliverer{}
	var resumed []string
	return NewHeadless(d, func(origin string) { resumed = append(resumed, origin) }, nil), d, &resumed
}

func job(p ai.Provider) Job {
	return Job{
		Kind:        "ui_automation",
		Description: "turning on wifi",
		Provider:    p,
		Initial:     []session.Message{session.User("turn on wifi")},
	}
}

func TestFinishSuccessIsDelivered(t *testing.T) {
	h, d, resumed := newHeadless()
	p := aitest.New(
		aitest.Turn{Calls: []ai.ToolCall{aitest.Call("c1", FinishToolName, map[string]string{
			"status": "success", "message": "Wi-Fi is on.", "hint": "toggle is in quick settings",
		})}},
	)

	out := h.Run(context.Background(), job(p))
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, "Wi-Fi is on.", out.Message)
	assert.Equal(t, "toggle is in quick settings", out.Learned)
	assert.True(t, out.Delivered)
	assert.Equal(t, []string{"Wi-Fi is on."}, d.texts())
	assert.Equal(t, []string{"ui_automation"}, *resumed)
	assert.Equal(t, 1, p.Calls())
}

func TestFinishFailed(t *testing.T) {
	h, d, _ := newHeadless()
	p := aitest.New(aitest.Turn{Calls: []ai.ToolCall{finishCall("c1", "failed", "I couldn't find the Wi-Fi switch.")}})

	out := h.Run(context.Background(), job(p))
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, []string{"I couldn't find the Wi-Fi switch."}, d.texts())
}

func TestReplyWithoutFinishIsTimeout(t *testing.T) {
	h, d, _ := newHeadless()
	p := aitest.New(aitest.Turn{Text: "I think it's done."})

	out := h.Run(context.Background(), job(p))
	assert.Equal(t, StatusTimeout, out.Status)
	assert.Empty(t, out.Message)
	require.Len(t, d.texts(), 1)
	assert.Contains(t, d.texts()[0], "turning on wifi")
}

func TestCeilingWithoutFinishIsTimeout(t *testing.T) {
	h, _, _ := newHeadless()
	noop := tools.NewFunc("look", "Look at the screen", nil, func(context.Context, json.RawMessage) (*tools.ToolResult, error) {
		return &tools.ToolResult{Content: "nothing"}, nil
	})
	reg := tools.NewRegistry()
	reg.Register(noop)
	p := aitest.New()
	p.Fallback = &aitest.Turn{Calls: []ai.ToolCall{aitest.Call("", "look", map[string]any{})}}

	j := job(p)
	j.Tools = reg
	j.MaxIterations = 3
	out := h.Run(context.Background(), j)
	assert.Equal(t, StatusTimeout, out.Status)
	assert.Equal(t, 3, out.Iterations)
	assert.Equal(t, 3, p.Calls())
}

func TestExitOnReply(t *testing.T) {
	h, d, _ := newHeadless()
	p := aitest.New(aitest.Turn{Text: "Your package has shipped."})

	j := job(p)
	j.Kind = "triage"
	j.Exit = ExitOnReply
	out := h.Run(context.Background(), j)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, "Your package has shipped.", out.Message)
	assert.Equal(t, []string{"Your package has shipped."}, d.texts())

	for _, def := range p.Requests()[0].Tools {
		assert.NotEqual(t, FinishToolName, def.Name)
	}
}

func TestModelErrorIsDeliveredAsFailure(t *testing.T) {
	h, d, _ := newHeadless()
	p := aitest.New(aitest.Turn{Err: errors.New("boom")})

	out := h.Run(context.Background(), job(p))
	assert.Equal(t, StatusFailed, out.Status)
	require.Error(t, out.Err)
	assert.Equal(t, ai.UserFacingError(out.Err), out.Message)
	assert.Equal(t, []string{out.Message}, d.texts())
}

func TestFinishLivesOnlyInRunRegistry(t *testing.T) {
	h, _, _ := newHeadless()
	base := tools.NewRegistry()
	p := aitest.New(aitest.Turn{Calls: []ai.ToolCall{finishCall("c1", "success", "ok")}})

	j := job(p)
	j.Tools = base
	h.Run(context.Background(), j)

	_, ok := base.Get(FinishToolName)
	assert.False(t, ok)
	var names []string
	for _, def := range p.Requests()[0].Tools {
		names = append(names, def.Name)
	}
	assert.Contains(t, names, FinishToolName)
}

func TestSecondFinishIsIgnored(t *testing.T) {
	h, _, _ := newHeadless()
	p := aitest.New(aitest.Turn{Calls: []ai.ToolCall{
		finishCall("c1", "success", "first"),
		finishCall("c2", "failed", "second"),
	}})

	out := h.Run(context.Background(), job(p))
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, "first", out.Message)
	require.Len(t, out.Messages, 3)
	assert.Equal(t, "Task already finished. Stop now.", out.Messages[2].Content)
}

func TestSilentSuppressesDelivery(t *testing.T) {
	h, d, resumed := newHeadless()
	p := aitest.New(aitest.Turn{Text: "NO_MATCH"})

	j := job(p)
	j.Exit = ExitOnReply
	j.Silent = func(o *Outcome) bool { return o.Message == "NO_MATCH" }
	out := h.Run(context.Background(), j)
	assert.False(t, out.Delivered)
	assert.Empty(t, d.texts())
	assert.Empty(t, *resumed)
}

func TestCancelledRunIsNotDelivered(t *testing.T) {
	h, d, _ := newHeadless()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.Run(ctx, job(aitest.New()))
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.False(t, out.Delivered)
	assert.Empty(t, d.texts())
}

func TestDeliveryFailureIsTolerated(t *testing.T) {
	d := &memDeliverer{err: errors.New("disk full")}
	h := NewHeadless(d, nil, nil)
	p := aitest.New(aitest.Turn{Calls: []ai.ToolCall{finishCall("c1", "success", "ok")}})

	out := h.Run(context.Background(), job(p))
	assert.Equal(t, StatusSuccess, out.Status)
	assert.False(t, out.Delivered)
}

func TestOnFinishObservesOutcome(t *testing.T) {
	h, _, _ := newHeadless()
	p := aitest.New(aitest.Turn{Calls: []ai.ToolCall{aitest.Call("c1", FinishToolName, map[string]string{
		"status": "success", "message": "ok", "hint": "use search",
	})}})

	var learned string
	j := job(p)
	j.OnFinish = func(o *Outcome) { learned = o.Learned }
	h.Run(context.Background(), j)
	assert.Equal(t, "use search", learned)
}

func TestTerminationIsOneShot(t *testing.T) {
	var rec Termination
	v := rec.View()
	assert.False(t, v.Done())
	assert.True(t, rec.Finish(StatusFailed, "no", ""))
	assert.False(t, rec.Finish(StatusSuccess, "yes", "x"))
	assert.True(t, v.Done())
	assert.Equal(t, "no", v.Message())
	assert.Equal(t, StatusFailed, rec.Status())
	assert.Empty(t, rec.Learned())
}

func TestFinishToolValidatesInput(t *testing.T) {
	var rec Termination
	ft := NewFinishTool(&rec)

	res, err := ft.Execute(context.Background(), json.RawMessage(`{"status":"maybe","message":"x"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = ft.Execute(context.Background(), json.RawMessage(`{"status":"success","message":"  "}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.False(t, rec.Done())
}
