package uiauto

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/neboloop/vox/internal/agent/ai"
	"github.com/neboloop/vox/internal/agent/orchestrator"
	"github.com/neboloop/vox/internal/agent/session"
	"github.com/neboloop/vox/internal/agent/tools"
	"github.com/neboloop/vox/internal/logging"
)

const (
	// Kind labels UI-automation runs in logs, metrics and deliveries.
	Kind = "ui_automation"
	// Feature is the feature name that enables UI automation.
	Feature = "ui_automation"
	// LaunchToolName is the interactive capability that starts a run.
	LaunchToolName = "operate_phone"
)

// Config is what an Agent reads from settings before each run.
type Config struct {
	Provider      ai.Provider
	Model         string
	MaxIterations int
	SettleDelay   time.Duration
	Language      string
	// Tools holds extra capabilities offered alongside ui_action and ui_refresh.
	Tools *tools.Registry
}

// Agent builds and runs UI-automation jobs.
type Agent struct {
	device   Device
	hints    *HintStore
	headless *orchestrator.Headless

	mu  sync.RWMutex
	cfg Config
}

// New returns an agent. hints may be nil.
func New(device Device, hints *HintStore, h *orchestrator.Headless, cfg Config) *Agent {
	return &Agent{device: device, hints: hints, headless: h, cfg: cfg}
}

// Configure replaces the settings used by subsequent runs.
func (a *Agent) Configure(cfg Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func (a *Agent) config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Job captures the current screen and builds a run for goal. Each job gets its
// own tracker and registry.
func (a *Agent) Job(ctx context.Context, goal string) (orchestrator.Job, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return orchestrator.Job{}, fmt.Errorf("uiauto: empty goal")
	}
	if a.device == nil {
		return orchestrator.Job{}, ErrDeviceDisconnected
	}
	cfg := a.config()
	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = DefaultSettleDelay
	}

	scr := &screen{device: a.device, tracker: &Tracker{}, settle: settle, hints: a.hints}
	first, _, err := scr.capture(ctx, false)
	if err != nil {
		return orchestrator.Job{}, fmt.Errorf("capture screen: %w", err)
	}

	hint := ""
	if a.hints != nil && first.Surface != "" {
		hint, err = a.hints.Get(ctx, first.Surface)
		if err != nil {
			logging.Named("uiauto").Warnw("hint lookup failed", "surface", first.Surface, "error", err)
		}
		scr.noted = map[string]bool{first.Surface: true}
	}

	reg := tools.NewRegistry()
	if cfg.Tools != nil {
		reg = cfg.Tools.Clone()
	}
	reg.Register(&ActionTool{screen: scr})
	reg.Register(&RefreshTool{screen: scr})

	return orchestrator.Job{
		Kind:          Kind,
		Description:   goal,
		Provider:      cfg.Provider,
		Model:         cfg.Model,
		System:        Instructions(hint, cfg.Language),
		Initial:       []session.Message{session.User(initialMessage(goal, first))},
		Tools:         reg,
		MaxIterations: cfg.MaxIterations,
		Exit:          orchestrator.ExitOnFinish,
		OnFinish: func(out *orchestrator.Outcome) {
			a.learn(scr, out)
		},
	}, nil
}

func (a *Agent) learn(scr *screen, out *orchestrator.Outcome) {
	if a.hints == nil || out.Status != orchestrator.StatusSuccess || out.Learned == "" {
		return
	}
	snap := scr.tracker.Latest()
	if snap == nil || snap.Surface == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.hints.Record(ctx, snap.Surface, out.Learned); err != nil {
		logging.Named("uiauto").Warnw("hint not recorded", "surface", snap.Surface, "error", err)
	}
}

// Run executes goal in the calling goroutine.
func (a *Agent) Run(ctx context.Context, goal string) (*orchestrator.Outcome, error) {
	job, err := a.Job(ctx, goal)
	if err != nil {
		return nil, err
	}
	return a.headless.Run(ctx, job), nil
}

// Spawner starts jobs in the background. *orchestrator.Orchestrator implements it.
type Spawner interface {
	Spawn(ctx context.Context, job orchestrator.Job, timeout time.Duration) (*orchestrator.SubAgent, error)
}

// Start builds a job for goal and hands it to s. It returns the run id.
func (a *Agent) Start(ctx context.Context, s Spawner, goal string) (string, error) {
	job, err := a.Job(ctx, goal)
	if err != nil {
		return "", err
	}
	sub, err := s.Spawn(ctx, job, 0)
	if err != nil {
		return "", err
	}
	return sub.ID, nil
}

// LaunchTool returns the interactive capability that starts a background run.
// It only exists while the ui_automation feature is enabled.
func LaunchTool(a *Agent, s Spawner) tools.Tool {
	schema := json.RawMessage(`{
  "type": "object",
  "properties": {
    "goal": {"type": "string", "description": "What to do on the phone, in plain words"}
  },
  "required": ["goal"]
}`)
	t := tools.NewFunc(LaunchToolName,
		"Operate the phone's apps for the user in the background, e.g. change a setting or send a message. The result is announced when done.",
		schema,
		func(ctx context.Context, input json.RawMessage) (*tools.ToolResult, error) {
			var in struct {
				Goal string `json:"goal"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return tools.Errorf(fmt.Sprintf("Invalid arguments: %v", err)), nil
			}
			if strings.TrimSpace(in.Goal) == "" {
				return tools.Errorf("goal is required"), nil
			}
			if _, err := a.Start(ctx, s, in.Goal); err != nil {
				return tools.Errorf(fmt.Sprintf("Could not start: %v", err)), nil
			}
			return &tools.ToolResult{
				Content: "Started in the background. Tell the user you're on it; the result will be announced.",
			}, nil
		})
	return tools.WithFeature(t, Feature)
}
