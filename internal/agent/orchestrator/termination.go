package orchestrator

import "sync"

// Status classifies how a headless run ended.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// Termination is the one-shot record a run's finish capability writes. Only the
// first Finish call takes effect.
type Termination struct {
	once sync.Once

	mu      sync.RWMutex
	done    bool
	status  Status
	message string
	learned string
}

// TerminationView is the read-only side handed to the loop's exit predicate.
type TerminationView interface {
	Done() bool
	Message() string
}

// Finish records the outcome. It reports false if the record was already written.
func (t *Termination) Finish(status Status, message, learned string) bool {
	wrote := false
	t.once.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.done = true
		t.status = status
		t.message = message
		t.learned = learned
		wrote = true
	})
	return wrote
}

// Done reports whether Finish was called.
func (t *Termination) Done() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.done
}

// Message returns the recorded message.
func (t *Termination) Message() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.message
}

// Status returns the recorded status, or "" before Finish.
func (t *Termination) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Learned returns the optional hint recorded on finish.
func (t *Termination) Learned() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.learned
}

// View returns a read-only view of t.
func (t *Termination) View() TerminationView {
	return view{t}
}

type view struct{ t *Termination }

func (v view) Done() bool      { return v.t.Done() }
func (v view) Message() string { return v.t.Message() }
