package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neboloop/vox/internal/agent/ai"
	"github.com/neboloop/vox/internal/agent/runner"
	"github.com/neboloop/vox/internal/agent/session"
	"github.com/neboloop/vox/internal/agent/tools"
	"github.com/neboloop/vox/internal/delivery"
	"github.com/neboloop/vox/internal/logging"
	"github.com/neboloop/vox/internal/metrics"
)

// ExitPolicy selects how a headless run ends.
type ExitPolicy int

const (
	// ExitOnFinish registers the finish capability; the run ends when it is called.
	// Ending any other way is a timeout.
	ExitOnFinish ExitPolicy = iota
	// ExitOnReply ends the run on the model's first plain reply. No finish capability.
	ExitOnReply
)

// Job describes one headless run.
type Job struct {
	Kind        string // metrics/log label and delivery origin
	Description string

	Provider      ai.Provider
	Model         string
	System        string
	Initial       []session.Message
	Tools         *tools.Registry // cloned for the run; never mutated
	MaxIterations int
	Exit          ExitPolicy

	// Silent, when set and returning true, suppresses delivery of the outcome.
	Silent func(*Outcome) bool
	// OnFinish observes the outcome before delivery (e.g. to persist a learned hint).
	OnFinish func(*Outcome)
}

// Outcome is the classified result of a headless run.
type Outcome struct {
	Status     Status
	Message    string
	Learned    string
	Iterations int
	Messages   []session.Message
	Err        error
	Delivered  bool
}

// Deliverer receives user-facing outcomes. *delivery.Queue implements it.
type Deliverer interface {
	Append(ctx context.Context, origin, text string) (*delivery.Entry, error)
}

// ResumeFunc asks the foreground to resume and narrate queued output.
type ResumeFunc func(origin string)

// Headless runs jobs to completion and hands their outcomes to the foreground.
type Headless struct {
	deliver Deliverer
	resume  ResumeFunc
	metrics *metrics.Metrics
}

// NewHeadless builds a runner. deliver and resume may be nil.
func NewHeadless(deliver Deliverer, resume ResumeFunc, m *metrics.Metrics) *Headless {
	return &Headless{deliver: deliver, resume: resume, metrics: m}
}

// Run executes job in the calling goroutine and returns its outcome. It does not fail:
// model errors become a failed outcome carrying Err.
func (h *Headless) Run(ctx context.Context, job Job) *Outcome {
	kind := job.Kind
	if kind == "" {
		kind = "headless"
	}
	log := logging.Named("headless").With("kind", kind)
	end := h.metrics.RunStarted(kind)

	reg := tools.NewRegistry()
	if job.Tools != nil {
		reg = job.Tools.Clone()
	}

	rec := &Termination{}
	cfg := runner.Config{
		Provider:      job.Provider,
		Tools:         reg,
		System:        job.System,
		Model:         job.Model,
		MaxIterations: job.MaxIterations,
		Kind:          kind,
		Metrics:       h.metrics,
	}
	if job.Exit == ExitOnFinish {
		reg.Register(NewFinishTool(rec))
		v := rec.View()
		cfg.ShouldExit = v.Done
		cfg.ExitContent = v.Message
	} else {
		reg.Unregister(FinishToolName)
	}

	start := time.Now()
	res, err := runner.Run(ctx, cfg, job.Initial)
	out := classify(job, rec, res, err)
	log.Infow("headless run ended",
		"status", out.Status, "iterations", out.Iterations, "elapsed", time.Since(start).Round(time.Millisecond))
	end(string(out.Status))

	if job.OnFinish != nil {
		job.OnFinish(out)
	}
	if errors.Is(err, context.Canceled) {
		return out
	}
	if job.Silent != nil && job.Silent(out) {
		return out
	}
	h.deliverOutcome(ctx, kind, job.Description, out)
	return out
}

func classify(job Job, rec *Termination, res *runner.LoopResult, err error) *Outcome {
	out := &Outcome{Err: err}
	if res != nil {
		out.Iterations = res.IterationsUsed
		out.Messages = res.Messages
	}

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		out.Status = StatusTimeout
	case err != nil:
		out.Status = StatusFailed
		out.Message = ai.UserFacingError(err)
	case job.Exit == ExitOnFinish:
		if !rec.Done() {
			out.Status = StatusTimeout
		} else {
			out.Status = rec.Status()
			out.Message = rec.Message()
			out.Learned = rec.Learned()
		}
	default:
		if res.Exhausted {
			out.Status = StatusTimeout
		} else {
			out.Status = StatusSuccess
			out.Message = res.FinalContent
		}
	}
	return out
}

// deliverOutcome appends the user-facing text and asks the foreground to resume.
// A delivery failure is logged and otherwise ignored.
func (h *Headless) deliverOutcome(ctx context.Context, kind, description string, out *Outcome) {
	text := userText(description, out)
	if text == "" || h.deliver == nil {
		return
	}
	// the run's own context may already be done
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := h.deliver.Append(dctx, kind, text); err != nil {
		logging.Named("headless").Warnw("delivery failed", "kind", kind, "error", err)
		return
	}
	out.Delivered = true
	if h.resume != nil {
		h.resume(kind)
	}
}

func userText(description string, out *Outcome) string {
	task := strings.TrimSpace(description)
	if task == "" {
		task = "that task"
	}
	switch out.Status {
	case StatusSuccess:
		return strings.TrimSpace(out.Message)
	case StatusTimeout:
		return fmt.Sprintf("I ran out of time working on %s and stopped.", task)
	default:
		if out.Message != "" {
			return out.Message
		}
		return fmt.Sprintf("I couldn't complete %s.", task)
	}
}
