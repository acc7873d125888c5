// Package triage evaluates user rules against incoming notifications and carries
// out at most one matching instruction.
package triage

import (
	"context"
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

// Kind labels triage runs in logs, metrics and deliveries.
const Kind = "triage"

// NoMatchSentinel is the exact reply meaning no rule applies.
const NoMatchSentinel = "NO_MATCHING_RULE"

// DefaultExcluded names delivery and scheduling capabilities a triage run must not
// see, so a run cannot trigger further notifications.
var DefaultExcluded = []string{"tell_user", "set_reminder", "cancel_reminder"}

// Event is one incoming notification.
type Event struct {
	ID       string    `json:"id,omitempty"`
	Source   string    `json:"source"`
	Title    string    `json:"title,omitempty"`
	Text     string    `json:"text"`
	PostedAt time.Time `json:"posted_at,omitempty"`
}

// Mode is how an event is handled.
type Mode int

const (
	// ModeNone: no applicable rule, nothing runs.
	ModeNone Mode = iota
	// ModeDirect: a single unconditional rule, executed without adjudication.
	ModeDirect
	// ModeAdjudicate: the model picks the first matching rule or replies with the sentinel.
	ModeAdjudicate
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeAdjudicate:
		return "adjudicate"
	}
	return "none"
}

// Result reports what Handle did.
type Result struct {
	Mode    Mode
	Rules   []Rule
	NoMatch bool
	Outcome *orchestrator.Outcome
}

// Config is what an Agent reads from settings before each run.
type Config struct {
	Provider      ai.Provider
	Model         string
	MaxIterations int
	Language      string
	// Tools are the capabilities instructions may use. Excluded names are removed.
	Tools    *tools.Registry
	Excluded []string
}

// Agent handles notification events.
type Agent struct {
	rules    *Store
	headless *orchestrator.Headless

	mu  sync.RWMutex
	cfg Config
}

// New returns a triage agent.
func New(rules *Store, h *orchestrator.Headless, cfg Config) *Agent {
	return &Agent{rules: rules, headless: h, cfg: cfg}
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

// Job builds the run for ev. With ModeNone the job is empty and must not run.
func (a *Agent) Job(ctx context.Context, ev Event) (orchestrator.Job, Mode, []Rule, error) {
	rules, err := a.rules.Applicable(ctx, ev.Source)
	if err != nil {
		return orchestrator.Job{}, ModeNone, nil, err
	}
	if len(rules) == 0 {
		return orchestrator.Job{}, ModeNone, nil, nil
	}

	cfg := a.config()
	excluded := cfg.Excluded
	if excluded == nil {
		excluded = DefaultExcluded
	}
	reg := tools.NewRegistry()
	if cfg.Tools != nil {
		reg = cfg.Tools.Without(excluded...)
	}

	mode := ModeAdjudicate
	system := adjudicateInstructions(cfg.Language)
	prompt := adjudicatePrompt(ev, rules)
	if len(rules) == 1 && rules[0].Condition == "" {
		mode = ModeDirect
		system = directInstructions(cfg.Language)
		prompt = directPrompt(ev, rules[0])
	}

	return orchestrator.Job{
		Kind:          Kind,
		Description:   fmt.Sprintf("the %s notification", ev.Source),
		Provider:      cfg.Provider,
		Model:         cfg.Model,
		System:        system,
		Initial:       []session.Message{session.User(prompt)},
		Tools:         reg,
		MaxIterations: cfg.MaxIterations,
		Exit:          orchestrator.ExitOnReply,
		Silent: func(out *orchestrator.Outcome) bool {
			return IsNoMatch(out.Message)
		},
	}, mode, rules, nil
}

// Handle runs triage for ev in the calling goroutine.
func (a *Agent) Handle(ctx context.Context, ev Event) (*Result, error) {
	job, mode, rules, err := a.Job(ctx, ev)
	if err != nil {
		return nil, err
	}
	res := &Result{Mode: mode, Rules: rules}
	if mode == ModeNone {
		logging.Named("triage").Debugw("no applicable rules", "source", ev.Source)
		return res, nil
	}
	res.Outcome = a.headless.Run(ctx, job)
	res.NoMatch = res.Outcome.Status == orchestrator.StatusSuccess && IsNoMatch(res.Outcome.Message)
	logging.Named("triage").Infow("event handled",
		"source", ev.Source, "mode", mode.String(), "rules", len(rules), "no_match", res.NoMatch, "status", res.Outcome.Status)
	return res, nil
}

// Spawner starts jobs in the background. *orchestrator.Orchestrator implements it.
type Spawner interface {
	Spawn(ctx context.Context, job orchestrator.Job, timeout time.Duration) (*orchestrator.SubAgent, error)
}

// Start hands triage for ev to s. Sources nobody watches are dropped without a
// rule lookup. The returned id is empty when nothing was started.
func (a *Agent) Start(ctx context.Context, s Spawner, ev Event) (string, Mode, error) {
	watched, err := a.rules.IsWatched(ctx, ev.Source)
	if err != nil || !watched {
		return "", ModeNone, err
	}
	job, mode, _, err := a.Job(ctx, ev)
	if err != nil || mode == ModeNone {
		return "", ModeNone, err
	}
	sub, err := s.Spawn(ctx, job, 0)
	if err != nil {
		return "", mode, err
	}
	return sub.ID, mode, nil
}

// IsNoMatch reports whether reply is the sentinel, ignoring surrounding space,
// quotes and backticks.
func IsNoMatch(reply string) bool {
	return strings.Trim(strings.TrimSpace(reply), "\"'`") == NoMatchSentinel
}

func languageLine(language string) string {
	if language == "" || strings.HasPrefix(language, "en") {
		return ""
	}
	return fmt.Sprintf("\nAnything meant for the user must be written in the language with code %q.\n", language)
}

func directInstructions(language string) string {
	return `You act on the user's behalf when a notification arrives.
Carry out the user's instruction for the notification below, using tools if needed.
When done, reply with one or two plain sentences for the user describing what you did or what they should know.
If there is nothing worth telling the user, reply with an empty message.
` + languageLine(language)
}

func adjudicateInstructions(language string) string {
	return fmt.Sprintf(`You act on the user's behalf when a notification arrives.
The user wrote numbered rules for this app. Check each rule's condition against the notification, in order.
Carry out the instruction of the FIRST rule whose condition holds, and only that rule. Ignore every later rule.
A rule marked "always" holds for every notification.
If no rule's condition holds, reply with exactly %s and nothing else, and call no tools.
After carrying out a rule, reply with one or two plain sentences for the user.
`, NoMatchSentinel) + languageLine(language)
}

func eventText(ev Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Notification from %s", ev.Source)
	if !ev.PostedAt.IsZero() {
		fmt.Fprintf(&sb, " at %s", ev.PostedAt.Format(time.RFC3339))
	}
	sb.WriteString(":\n")
	if ev.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", ev.Title)
	}
	fmt.Fprintf(&sb, "Text: %s\n", ev.Text)
	return sb.String()
}

func directPrompt(ev Event, r Rule) string {
	return fmt.Sprintf("%s\nInstruction: %s", eventText(ev), r.Instruction)
}

func adjudicatePrompt(ev Event, rules []Rule) string {
	var sb strings.Builder
	sb.WriteString(eventText(ev))
	sb.WriteString("\nRules:\n")
	for i, r := range rules {
		cond := r.Condition
		if cond == "" {
			cond = "always"
		}
		fmt.Fprintf(&sb, "%d. When: %s\n   Do: %s\n", i+1, cond, r.Instruction)
	}
	return sb.String()
}
