package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/neboloop/vox/internal/events"
	"github.com/neboloop/vox/internal/logging"
)

// AgentStatus is the lifecycle state of a spawned run.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentTimeout   AgentStatus = "timeout"
	AgentCancelled AgentStatus = "cancelled"
)

func (s AgentStatus) terminal() bool {
	return s != AgentPending && s != AgentRunning
}

// ErrTooManyAgents is returned by Spawn when the concurrency limit is reached.
var ErrTooManyAgents = errors.New("maximum concurrent agents reached")

// ErrAgentNotFound is returned for unknown agent ids.
var ErrAgentNotFound = errors.New("agent not found")

// SubAgent is a spawned headless run.
type SubAgent struct {
	ID          string
	Kind        string
	Description string
	Status      AgentStatus
	Outcome     *Outcome
	Error       error
	StartedAt   time.Time
	CompletedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// AgentResult is offered on Results when a run ends.
type AgentResult struct {
	AgentID string
	Kind    string
	Status  AgentStatus
	Message string
	Error   error
}

// Orchestrator runs headless jobs in the background, tracks them, and reports their ends.
type Orchestrator struct {
	mu     sync.RWMutex
	agents map[string]*SubAgent
	seq    int
	// live counts run goroutines that have not returned. A cancelled run stays
	// live until its in-flight model call ends.
	live int

	runner        *Headless
	bus           *events.Subject
	maxConcurrent int

	wg      sync.WaitGroup
	results chan AgentResult
}

// New returns an orchestrator running jobs through h. bus may be nil.
func New(h *Headless, bus *events.Subject, maxConcurrent int) *Orchestrator {
	return &Orchestrator{
		agents:        make(map[string]*SubAgent),
		runner:        h,
		bus:           bus,
		maxConcurrent: maxConcurrent,
		results:       make(chan AgentResult, 100),
	}
}

// SetMaxConcurrent updates the concurrency limit. 0 means unlimited.
func (o *Orchestrator) SetMaxConcurrent(max int) {
	if max < 0 {
		max = 0
	}
	o.mu.Lock()
	o.maxConcurrent = max
	o.mu.Unlock()
}

// RunningCount returns the number of runs whose goroutine has not returned yet,
// including cancelled ones still finishing a model call.
func (o *Orchestrator) RunningCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.live
}

// Spawn starts job in the background. The run is detached from ctx's cancellation
// but keeps its values; use Cancel to stop it. timeout bounds the run when positive.
func (o *Orchestrator) Spawn(ctx context.Context, job Job, timeout time.Duration) (*SubAgent, error) {
	o.mu.Lock()
	if o.maxConcurrent > 0 && o.live >= o.maxConcurrent {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrTooManyAgents, o.maxConcurrent)
	}

	o.seq++
	id := fmt.Sprintf("agent-%d-%d", time.Now().UnixNano(), o.seq)

	base := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(base)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(base, timeout)
	}

	agent := &SubAgent{
		ID:          id,
		Kind:        job.Kind,
		Description: job.Description,
		Status:      AgentPending,
		StartedAt:   time.Now(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	o.agents[id] = agent
	o.live++
	o.wg.Add(1)
	o.mu.Unlock()

	go o.run(runCtx, agent, job)
	return o.snapshot(agent), nil
}

func (o *Orchestrator) run(ctx context.Context, agent *SubAgent, job Job) {
	log := logging.Named("orchestrator")
	defer o.wg.Done()
	defer agent.cancel()

	var out *Outcome
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("panic in sub-agent", "id", agent.ID, "kind", agent.Kind, "panic", r)
			o.finish(agent, nil, fmt.Errorf("panic: %v", r))
			return
		}
		o.finish(agent, out, nil)
	}()

	o.mu.Lock()
	if agent.Status == AgentPending {
		agent.Status = AgentRunning
	}
	o.mu.Unlock()
	log.Infow("starting sub-agent", "id", agent.ID, "kind", agent.Kind, "description", agent.Description)

	out = o.runner.Run(ctx, job)
}

func (o *Orchestrator) finish(agent *SubAgent, out *Outcome, panicErr error) {
	o.mu.Lock()
	agent.CompletedAt = time.Now()
	agent.Outcome = out
	switch {
	case panicErr != nil:
		agent.Status = AgentFailed
		agent.Error = panicErr
	case agent.Status == AgentCancelled:
	case out == nil:
		agent.Status = AgentFailed
	case errors.Is(out.Err, context.Canceled):
		agent.Status = AgentCancelled
		agent.Error = out.Err
	default:
		agent.Status = statusFor(out.Status)
		agent.Error = out.Err
	}
	res := AgentResult{AgentID: agent.ID, Kind: agent.Kind, Status: agent.Status, Error: agent.Error}
	if out != nil {
		res.Message = out.Message
	}
	close(agent.done)
	o.live--
	o.mu.Unlock()

	logging.Named("orchestrator").Infow("sub-agent finished", "id", agent.ID, "status", res.Status)

	select {
	case o.results <- res:
	default:
		logging.Named("orchestrator").Warnw("results channel full, dropping", "id", agent.ID)
	}
	if o.bus != nil {
		_ = events.Emit(o.bus, events.TopicAgentFinished, events.AgentFinished{
			ID: res.AgentID, Kind: res.Kind, Status: string(res.Status), Message: res.Message,
		})
	}
}

func statusFor(s Status) AgentStatus {
	switch s {
	case StatusSuccess:
		return AgentCompleted
	case StatusTimeout:
		return AgentTimeout
	}
	return AgentFailed
}

// Wait blocks until the agent ends or ctx is done, and returns its final state.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*SubAgent, error) {
	o.mu.RLock()
	agent, ok := o.agents[id]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	select {
	case <-agent.done:
		return o.snapshot(agent), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns a copy of the agent's current state.
func (o *Orchestrator) Get(id string) (*SubAgent, bool) {
	o.mu.RLock()
	agent, ok := o.agents[id]
	o.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return o.snapshot(agent), true
}

// List returns copies of all tracked agents, oldest first.
func (o *Orchestrator) List() []*SubAgent {
	o.mu.RLock()
	all := make([]*SubAgent, 0, len(o.agents))
	for _, a := range o.agents {
		all = append(all, a)
	}
	o.mu.RUnlock()

	out := make([]*SubAgent, len(all))
	for i, a := range all {
		out[i] = o.snapshot(a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (o *Orchestrator) snapshot(a *SubAgent) *SubAgent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return &SubAgent{
		ID:          a.ID,
		Kind:        a.Kind,
		Description: a.Description,
		Status:      a.Status,
		Outcome:     a.Outcome,
		Error:       a.Error,
		StartedAt:   a.StartedAt,
		CompletedAt: a.CompletedAt,
	}
}

// Cancel stops a pending or running agent.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	agent, ok := o.agents[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if agent.Status.terminal() {
		o.mu.Unlock()
		return fmt.Errorf("agent is not running: %s", agent.Status)
	}
	agent.Status = AgentCancelled
	cancel := agent.cancel
	o.mu.Unlock()

	logging.Named("orchestrator").Infow("cancelling sub-agent", "id", id)
	cancel()
	return nil
}

// Results returns the channel ended runs are offered on. Sends never block; results
// are dropped when nobody drains it.
func (o *Orchestrator) Results() <-chan AgentResult {
	return o.results
}

// Shutdown cancels every live agent and waits for their goroutines, or for ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	var live []context.CancelFunc
	for _, a := range o.agents {
		if !a.Status.terminal() {
			a.Status = AgentCancelled
			live = append(live, a.cancel)
		}
	}
	o.mu.Unlock()

	if len(live) > 0 {
		logging.Named("orchestrator").Infow("shutting down sub-agents", "count", len(live))
	}
	for _, cancel := range live {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cleanup forgets ended agents that completed more than maxAge ago.
func (o *Orchestrator) Cleanup(maxAge time.Duration) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, a := range o.agents {
		if a.Status.terminal() && !a.CompletedAt.IsZero() && a.CompletedAt.Before(cutoff) {
			delete(o.agents, id)
			removed++
		}
	}
	return removed
}
