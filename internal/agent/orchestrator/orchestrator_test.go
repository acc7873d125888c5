package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/vox/internal/agent/ai"
	"github.com/neboloop/vox/internal/agent/ai/aitest"
	"github.com/neboloop/vox/internal/events"
)

// blockingProvider holds every request until its context ends.
type blockingProvider struct{ started chan struct{} }

func (p *blockingProvider) ID() string { return "blocking" }

func (p *blockingProvider) Stream(ctx context.Context, _ *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	select {
	case p.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

type panicProvider struct{}

func (panicProvider) ID() string { return "panic" }

func (panicProvider) Stream(context.Context, *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	panic("provider exploded")
}

func TestSpawnAndWait(t *testing.T) {
	bus := events.NewSubject(events.WithSyncDelivery())
	defer events.Complete(bus)
	var mu sync.Mutex
	var finished []events.AgentFinished
	events.Subscribe(bus, events.TopicAgentFinished, func(_ context.Context, a events.AgentFinished) error {
		mu.Lock()
		defer mu.Unlock()
		finished = append(finished, a)
		return nil
	})

	h, d, _ := newHeadless()
	o := New(h, bus, 2)
	p := aitest.New(aitest.Turn{Calls: []ai.ToolCall{finishCall("c1", "success", "Done.")}})

	agent, err := o.Spawn(context.Background(), job(p), 0)
	require.NoError(t, err)
	assert.Equal(t, "ui_automation", agent.Kind)

	final, err := o.Wait(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentCompleted, final.Status)
	require.NotNil(t, final.Outcome)
	assert.Equal(t, "Done.", final.Outcome.Message)
	assert.Equal(t, []string{"Done."}, d.texts())

	select {
	case res := <-o.Results():
		assert.Equal(t, agent.ID, res.AgentID)
		assert.Equal(t, AgentCompleted, res.Status)
	case <-time.After(time.Second):
		t.Fatal("no result offered")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(finished) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, o.Shutdown(context.Background()))
}

func TestConcurrencyLimitAndCancel(t *testing.T) {
	h, d, _ := newHeadless()
	o := New(h, nil, 1)
	bp := &blockingProvider{started: make(chan struct{}, 1)}

	agent, err := o.Spawn(context.Background(), job(bp), 0)
	require.NoError(t, err)
	<-bp.started
	assert.Equal(t, 1, o.RunningCount())

	_, err = o.Spawn(context.Background(), job(aitest.New()), 0)
	assert.ErrorIs(t, err, ErrTooManyAgents)

	require.NoError(t, o.Cancel(agent.ID))
	final, err := o.Wait(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentCancelled, final.Status)
	assert.Empty(t, d.texts())
	assert.Error(t, o.Cancel(agent.ID))

	require.NoError(t, o.Shutdown(context.Background()))
}

func TestSpawnOutlivesCallerContext(t *testing.T) {
	h, _, _ := newHeadless()
	o := New(h, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	bp := &blockingProvider{started: make(chan struct{}, 1)}

	agent, err := o.Spawn(ctx, job(bp), 0)
	require.NoError(t, err)
	<-bp.started
	cancel()

	got, ok := o.Get(agent.ID)
	require.True(t, ok)
	assert.Equal(t, AgentRunning, got.Status)

	require.NoError(t, o.Shutdown(context.Background()))
	got, _ = o.Get(agent.ID)
	assert.Equal(t, AgentCancelled, got.Status)
}

func TestTimeoutStatus(t *testing.T) {
	h, d, _ := newHeadless()
	o := New(h, nil, 0)
	bp := &blockingProvider{started: make(chan struct{}, 1)}

	agent, err := o.Spawn(context.Background(), job(bp), 20*time.Millisecond)
	require.NoError(t, err)
	final, err := o.Wait(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentTimeout, final.Status)
	require.Len(t, d.texts(), 1)
	assert.Contains(t, d.texts()[0], "ran out of time")
}

func TestPanicIsContained(t *testing.T) {
	h, _, _ := newHeadless()
	o := New(h, nil, 0)

	agent, err := o.Spawn(context.Background(), job(panicProvider{}), 0)
	require.NoError(t, err)
	final, err := o.Wait(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentFailed, final.Status)
	assert.ErrorContains(t, final.Error, "provider exploded")
}

func TestCleanupAndList(t *testing.T) {
	h, _, _ := newHeadless()
	o := New(h, nil, 0)
	for i := 0; i < 2; i++ {
		p := aitest.New(aitest.Turn{Calls: []ai.ToolCall{finishCall("c1", "success", "ok")}})
		a, err := o.Spawn(context.Background(), job(p), 0)
		require.NoError(t, err)
		_, err = o.Wait(context.Background(), a.ID)
		require.NoError(t, err)
	}
	list := o.List()
	require.Len(t, list, 2)
	assert.False(t, list[1].StartedAt.Before(list[0].StartedAt))

	assert.Zero(t, o.Cleanup(time.Hour))
	assert.Equal(t, 2, o.Cleanup(0))
	assert.Empty(t, o.List())

	_, err := o.Wait(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

// stubbornProvider ignores cancellation and returns only when released.
type stubbornProvider struct {
	started chan struct{}
	release chan struct{}
}

func (p *stubbornProvider) ID() string { return "stubborn" }

func (p *stubbornProvider) Stream(context.Context, *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	select {
	case p.started <- struct{}{}:
	default:
	}
	<-p.release
	return nil, context.Canceled
}

func TestCancelledRunHoldsSlotUntilItReturns(t *testing.T) {
	h, _, _ := newHeadless()
	o := New(h, nil, 1)
	sp := &stubbornProvider{started: make(chan struct{}, 1), release: make(chan struct{})}

	agent, err := o.Spawn(context.Background(), job(sp), 0)
	require.NoError(t, err)
	<-sp.started
	require.NoError(t, o.Cancel(agent.ID))

	got, _ := o.Get(agent.ID)
	assert.Equal(t, AgentCancelled, got.Status)
	assert.Equal(t, 1, o.RunningCount())
	_, err = o.Spawn(context.Background(), job(aitest.New()), 0)
	assert.ErrorIs(t, err, ErrTooManyAgents)

	close(sp.release)
	_, err = o.Wait(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Zero(t, o.RunningCount())

	p := aitest.New(aitest.Turn{Calls: []ai.ToolCall{finishCall("c1", "success", "ok")}})
	next, err := o.Spawn(context.Background(), job(p), 0)
	require.NoError(t, err)
	_, err = o.Wait(context.Background(), next.ID)
	require.NoError(t, err)
	require.NoError(t, o.Shutdown(context.Background()))
}
