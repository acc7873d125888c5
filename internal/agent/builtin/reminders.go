package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/neboloop/vox/internal/agent/orchestrator"
	"github.com/neboloop/vox/internal/agent/tools"
	"github.com/neboloop/vox/internal/logging"
)

const (
	SetReminderToolName    = "set_reminder"
	CancelReminderToolName = "cancel_reminder"

	// ReminderOrigin tags queue entries produced by reminders.
	ReminderOrigin = "reminder"
)

var (
	ErrReminderNotFound = errors.New("reminder not found")
	ErrReminderInPast   = errors.New("reminder time is in the past")
)

// Reminder is one pending reminder.
type Reminder struct {
	ID   string    `json:"id"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`

	entry cron.EntryID
}

// onceAt is a cron.Schedule that fires a single time.
type onceAt time.Time

func (o onceAt) Next(t time.Time) time.Time {
	if t.Before(time.Time(o)) {
		return time.Time(o)
	}
	return time.Time{}
}

// Reminders schedules one-shot reminders. When one fires its text is queued for
// delivery and the foreground is asked to resume.
type Reminders struct {
	mu      sync.Mutex
	cron    *cron.Cron
	pending map[string]*Reminder
	deliver orchestrator.Deliverer
	resume  orchestrator.ResumeFunc
	now     func() time.Time
	log     *zap.SugaredLogger
}

// NewReminders creates a stopped scheduler. Call Start before relying on it.
func NewReminders(deliver orchestrator.Deliverer, resume orchestrator.ResumeFunc) *Reminders {
	return &Reminders{
		cron:    cron.New(),
		pending: make(map[string]*Reminder),
		deliver: deliver,
		resume:  resume,
		now:     time.Now,
		log:     logging.Named("reminders"),
	}
}

// Start runs the scheduler in its own goroutine.
func (r *Reminders) Start() { r.cron.Start() }

// Stop stops the scheduler and waits for running deliveries.
func (r *Reminders) Stop() {
	<-r.cron.Stop().Done()
}

// Schedule adds a reminder firing at at.
func (r *Reminders) Schedule(text string, at time.Time) (*Reminder, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("reminder text is required")
	}
	if !at.After(r.now()) {
		return nil, ErrReminderInPast
	}

	rem := &Reminder{ID: "rem-" + uuid.NewString()[:8], Text: text, At: at}
	r.mu.Lock()
	defer r.mu.Unlock()
	rem.entry = r.cron.Schedule(onceAt(at), cron.FuncJob(func() { r.fire(rem.ID) }))
	r.pending[rem.ID] = rem
	r.log.Infof("reminder %s scheduled for %s", rem.ID, at.Format(time.RFC3339))
	cp := *rem
	return &cp, nil
}

// Cancel removes a pending reminder.
func (r *Reminders) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rem, ok := r.pending[id]
	if !ok {
		return ErrReminderNotFound
	}
	r.cron.Remove(rem.entry)
	delete(r.pending, id)
	return nil
}

// List returns pending reminders, soonest first.
func (r *Reminders) List() []Reminder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Reminder, 0, len(r.pending))
	for _, rem := range r.pending {
		out = append(out, *rem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func (r *Reminders) fire(id string) {
	r.mu.Lock()
	rem, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		r.cron.Remove(rem.entry)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.deliver.Append(ctx, ReminderOrigin, "Reminder: "+rem.Text); err != nil {
		r.log.Warnf("reminder %s not queued: %v", id, err)
		return
	}
	if r.resume != nil {
		r.resume(ReminderOrigin)
	}
}

type setReminderInput struct {
	Text      string  `json:"text"`
	InMinutes float64 `json:"in_minutes,omitempty"`
	At        string  `json:"at,omitempty"`
}

// SetTool returns the set_reminder capability.
func (r *Reminders) SetTool() tools.Tool {
	schema := json.RawMessage(`{
  "type": "object",
  "properties": {
    "text": {"type": "string", "description": "What to remind the user about"},
    "in_minutes": {"type": "number", "description": "Minutes from now"},
    "at": {"type": "string", "description": "Absolute time, RFC 3339 (e.g. 2026-05-01T09:00:00+02:00)"}
  },
  "required": ["text"]
}`)
	return tools.NewFunc(SetReminderToolName,
		"Remind the user of something later. Give either in_minutes or at.",
		schema,
		func(_ context.Context, input json.RawMessage) (*tools.ToolResult, error) {
			var in setReminderInput
			if err := json.Unmarshal(input, &in); err != nil {
				return tools.Errorf(fmt.Sprintf("Invalid arguments: %v", err)), nil
			}
			var at time.Time
			switch {
			case in.At != "":
				t, err := time.Parse(time.RFC3339, in.At)
				if err != nil {
					return tools.Errorf("at must be an RFC 3339 time such as 2026-05-01T09:00:00+02:00"), nil
				}
				at = t
			case in.InMinutes > 0:
				at = r.now().Add(time.Duration(in.InMinutes * float64(time.Minute)))
			default:
				return tools.Errorf("Give either in_minutes (greater than zero) or at."), nil
			}
			rem, err := r.Schedule(in.Text, at)
			if err != nil {
				return tools.Errorf(fmt.Sprintf("Could not set the reminder: %v", err)), nil
			}
			return &tools.ToolResult{
				Content: fmt.Sprintf("Reminder %s set for %s.", rem.ID, rem.At.Local().Format("Mon 2 Jan 15:04")),
			}, nil
		})
}

// CancelTool returns the cancel_reminder capability.
func (r *Reminders) CancelTool() tools.Tool {
	schema := json.RawMessage(`{
  "type": "object",
  "properties": {
    "id": {"type": "string", "description": "Reminder id returned by set_reminder"}
  },
  "required": ["id"]
}`)
	return tools.NewFunc(CancelReminderToolName,
		"Cancel a reminder set earlier.",
		schema,
		func(_ context.Context, input json.RawMessage) (*tools.ToolResult, error) {
			var in struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return tools.Errorf(fmt.Sprintf("Invalid arguments: %v", err)), nil
			}
			if err := r.Cancel(strings.TrimSpace(in.ID)); err != nil {
				var ids []string
				for _, rem := range r.List() {
					ids = append(ids, fmt.Sprintf("%s (%s)", rem.ID, rem.Text))
				}
				if len(ids) == 0 {
					return tools.Errorf("No reminders are pending."), nil
				}
				return tools.Errorf("Unknown reminder. Pending: " + strings.Join(ids, ", ")), nil
			}
			return &tools.ToolResult{Content: "Reminder cancelled."}, nil
		})
}
