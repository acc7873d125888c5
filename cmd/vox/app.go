package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/neboloop/vox/internal/agent/ai"
	"github.com/neboloop/vox/internal/agent/builtin"
	"github.com/neboloop/vox/internal/agent/config"
	"github.com/neboloop/vox/internal/agent/orchestrator"
	"github.com/neboloop/vox/internal/agent/session"
	"github.com/neboloop/vox/internal/agent/tools"
	"github.com/neboloop/vox/internal/agent/triage"
	"github.com/neboloop/vox/internal/agent/uiauto"
	"github.com/neboloop/vox/internal/bridge"
	"github.com/neboloop/vox/internal/db"
	"github.com/neboloop/vox/internal/delivery"
	"github.com/neboloop/vox/internal/events"
	"github.com/neboloop/vox/internal/logging"
	"github.com/neboloop/vox/internal/metrics"
	"github.com/neboloop/vox/internal/voice"
)

// app owns every long-lived component of one process.
type app struct {
	cfg          *config.Config
	settingsPath string

	store      *db.Store
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	bus        *events.Subject
	queue      *delivery.Queue
	headless   *orchestrator.Headless
	agents     *orchestrator.Orchestrator
	reminders  *builtin.Reminders
	hints      *uiauto.HintStore
	bridge     *bridge.Bridge
	automation *uiauto.Agent
	rules      *triage.Store
	triage     *triage.Agent
	session    *voice.Session

	// base holds every interactive capability; feature filtering happens per settings.
	base *tools.Registry

	override ai.Provider

	mu       sync.Mutex
	settings *config.Settings
}

type appOptions struct {
	Speaker    voice.Speaker
	Recognizer voice.Recognizer
	OnAlert    func(string)
	// Provider overrides the settings-selected provider (tests).
	Provider ai.Provider
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := db.NewSQLite(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	settings, err := config.LoadSettings(cfg.SettingsPath())
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &app{
		cfg:          cfg,
		settingsPath: cfg.SettingsPath(),
		store:        store,
		registry:     prometheus.NewRegistry(),
		bus:          events.NewSubject(events.WithLogger(logging.L())),
		rules:        triage.NewStore(store),
		settings:     settings,
		override:     opts.Provider,
	}
	a.metrics = metrics.MustNew(a.registry)
	a.queue = delivery.NewQueue(store, settings.PendingCap, a.metrics)
	a.headless = orchestrator.NewHeadless(a.queue, a.resume, a.metrics)
	a.agents = orchestrator.New(a.headless, a.bus, cfg.MaxConcurrentAgents)
	a.reminders = builtin.NewReminders(a.queue, a.resume)
	a.reminders.Start()

	a.hints, err = uiauto.NewHintStore(store)
	if err != nil {
		a.close()
		return nil, err
	}
	a.bridge = bridge.New(a.onDeviceEvent)
	a.automation = uiauto.New(a.bridge, a.hints, a.headless, uiauto.Config{SettleDelay: cfg.RefreshSettle})
	a.triage = triage.New(a.rules, a.headless, triage.Config{})

	a.base = tools.NewRegistry()
	builtin.Register(a.base, a.reminders)
	a.base.Register(uiauto.LaunchTool(a.automation, a.agents))

	provider, model := a.provider(settings)
	a.session = voice.New(voice.Options{
		Provider:      provider,
		Model:         model,
		System:        voice.Instructions(settings.ResolveLanguage(), settings.DrivingMode),
		Tools:         a.toolsFor(settings),
		MaxIterations: settings.Iterations.Interactive,
		HistoryCap:    settings.HistoryCap,
		DrivingMode:   settings.DrivingMode,
		SettleDelay:   cfg.SpeakingSettle,
		Recognizer:    opts.Recognizer,
		Speaker:       opts.Speaker,
		Pending:       a.queue,
		Store:         session.NewStore(store),
		Bus:           a.bus,
		Metrics:       a.metrics,
		OnAlert:       opts.OnAlert,
		OnStateChange: func(from, to voice.State) {
			logging.Named("voice").Debugw("session state", "from", from.String(), "to", to.String())
		},
	})
	if err := a.session.LoadHistory(ctx); err != nil {
		logging.Named("app").Warnw("history not restored", "error", err)
	}
	a.configureAgents(settings, provider, model)
	return a, nil
}

// provider builds the model provider from settings. A broken selection is logged and
// leaves the session without a provider; turns then fail with a plain alert.
func (a *app) provider(s *config.Settings) (ai.Provider, string) {
	if a.override != nil {
		return a.override, s.Model
	}
	p, err := s.NewProvider()
	if err != nil {
		logging.Named("app").Warnw("no model provider", "provider", s.Provider, "error", err)
		return nil, s.Model
	}
	return p, s.Model
}

// toolsFor returns the interactive registry with disabled features removed.
func (a *app) toolsFor(s *config.Settings) *tools.Registry {
	reg := a.base.Clone()
	if removed := reg.RemoveDisabled(s.Features); len(removed) > 0 {
		logging.Named("app").Debugw("capabilities hidden by settings", "tools", removed)
	}
	return reg
}

func (a *app) configureAgents(s *config.Settings, p ai.Provider, model string) {
	lang := s.ResolveLanguage()
	reg := a.toolsFor(s)
	a.automation.Configure(uiauto.Config{
		Provider:      p,
		Model:         model,
		MaxIterations: s.Iterations.UIAutomation,
		SettleDelay:   a.cfg.RefreshSettle,
		Language:      lang,
	})
	a.triage.Configure(triage.Config{
		Provider:      p,
		Model:         model,
		MaxIterations: s.Iterations.Triage,
		Language:      lang,
		Tools:         reg,
	})
}

// applySettings pushes a reloaded settings blob into every component. The
// conversation history survives.
func (a *app) applySettings(s *config.Settings) {
	a.mu.Lock()
	a.settings = s
	a.mu.Unlock()

	p, model := a.provider(s)
	a.queue.SetCapacity(s.PendingCap)
	a.session.Reconfigure(p, model)
	a.session.SetTools(a.toolsFor(s))
	a.session.SetLimits(s.Iterations.Interactive, s.HistoryCap)
	a.session.SetDrivingMode(s.DrivingMode)
	a.session.SetSystem(voice.Instructions(s.ResolveLanguage(), s.DrivingMode))
	a.configureAgents(s, p, model)
}

func (a *app) currentSettings() *config.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// resume tells the foreground that a background run left something to say.
func (a *app) resume(origin string) {
	n, err := a.queue.Len(context.Background())
	if err != nil {
		logging.Named("app").Warnw("pending length", "error", err)
	}
	if err := events.Emit(a.bus, events.TopicDeliveryReady, events.DeliveryReady{Origin: origin, Count: n}); err != nil {
		logging.Named("app").Debugw("delivery event dropped", "error", err)
	}
}

// onDeviceEvent handles events pushed by the companion app.
func (a *app) onDeviceEvent(kind string, data json.RawMessage) {
	log := logging.Named("app")
	if kind != "notification" {
		log.Debugw("ignoring device event", "kind", kind)
		return
	}
	var ev triage.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Warnw("bad notification event", "error", err)
		return
	}
	if ev.PostedAt.IsZero() {
		ev.PostedAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if id, mode, err := a.triage.Start(ctx, a.agents, ev); err != nil {
		log.Warnw("triage not started", "source", ev.Source, "error", err)
	} else if id != "" {
		log.Infow("triage started", "source", ev.Source, "agent", id, "mode", mode.String())
	}
}

// housekeep drops old finished runs and stale hints.
func (a *app) housekeep(ctx context.Context) {
	log := logging.Named("housekeeping")
	maxAge := a.cfg.Housekeeping.MaxAge
	if n := a.agents.Cleanup(maxAge); n > 0 {
		log.Infow("finished runs dropped", "count", n)
	}
	if n, err := a.hints.Prune(ctx, 30*24*time.Hour); err != nil {
		log.Warnw("hint pruning failed", "error", err)
	} else if n > 0 {
		log.Infow("stale hints pruned", "count", n)
	}
}

func (a *app) close() {
	if a.session != nil {
		a.session.Close()
	}
	if a.reminders != nil {
		a.reminders.Stop()
	}
	if a.agents != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.agents.Shutdown(ctx); err != nil {
			logging.Named("app").Warnw("background runs did not stop", "error", err)
		}
		cancel()
	}
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.bus != nil {
		events.Complete(a.bus)
	}
	a.store.Close()
}
