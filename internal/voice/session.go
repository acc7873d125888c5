// Package voice is the interactive session: the push-to-talk state machine that
// turns one utterance into one agent loop run and narrates the result.
package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/neboloop/vox/internal/agent/ai"
	"github.com/neboloop/vox/internal/agent/runner"
	"github.com/neboloop/vox/internal/agent/session"
	"github.com/neboloop/vox/internal/agent/tools"
	"github.com/neboloop/vox/internal/delivery"
	"github.com/neboloop/vox/internal/events"
	"github.com/neboloop/vox/internal/logging"
	"github.com/neboloop/vox/internal/metrics"
)

// State is the session's position in the turn cycle.
type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy is returned when a turn is being thought about.
	ErrBusy = errors.New("voice: a turn is in progress")
	// ErrMicBusy is returned when a previous capture has not released the microphone.
	ErrMicBusy = errors.New("voice: microphone busy")
	// ErrNoSpeech is what a Recognizer returns for silence. It is not an error for the session.
	ErrNoSpeech = errors.New("voice: no speech detected")
	// ErrNoRecognizer is returned by MicPress and Wake when no recognizer is configured.
	ErrNoRecognizer = errors.New("voice: no recognizer")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("voice: session closed")
)

// DefaultSettleDelay separates the end of narration from the next state so the
// microphone does not pick up the tail of the speaker.
const DefaultSettleDelay = 700 * time.Millisecond

// Recognizer captures one utterance. It must return when ctx is cancelled.
type Recognizer interface {
	Listen(ctx context.Context) (string, error)
}

// Speaker narrates text. Stop interrupts the current narration.
type Speaker interface {
	Speak(ctx context.Context, text string) error
	Stop()
}

// Pending is the queue background runs leave their results in.
type Pending interface {
	Drain(ctx context.Context) ([]delivery.Entry, error)
}

// Options configures a Session.
type Options struct {
	Provider      ai.Provider
	Model         string
	System        string
	Tools         *tools.Registry
	MaxIterations int
	HistoryCap    int
	DrivingMode   bool
	SettleDelay   time.Duration

	QuestionDetector QuestionDetector
	Recognizer       Recognizer
	Speaker          Speaker
	Pending          Pending
	Store            *session.Store
	Bus              *events.Subject
	Metrics          *metrics.Metrics

	// OnStateChange and OnAlert are called in order from a single goroutine.
	OnStateChange func(from, to State)
	OnAlert       func(message string)
}

type note struct {
	from, to State
	alert    string
}

// Session is one interactive conversation.
type Session struct {
	opts    Options
	history *session.History
	settle  time.Duration
	detect  QuestionDetector

	mu            sync.Mutex
	state         State
	gen           uint64
	micBusy       bool
	cancelCapture context.CancelFunc
	cancelSpeak   context.CancelFunc
	idle          chan struct{} // closed while idle
	resumePending bool
	unspoken      []string // drained while a turn was starting, narrated at next idle
	closed        bool

	provider ai.Provider
	model    string
	system   string
	tools    *tools.Registry
	maxIter  int
	driving  bool

	life context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
	sub  *events.Subscription

	nmu        sync.Mutex
	notes      []note
	notifySig  chan struct{}
	notifyQuit chan struct{}
	notifyDone chan struct{}
	closeOnce  sync.Once
}

// New creates an idle session.
func New(opts Options) *Session {
	settle := opts.SettleDelay
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	detect := opts.QuestionDetector
	if detect == nil {
		detect = DefaultQuestionDetector
	}
	life, stop := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	s := &Session{
		opts:       opts,
		history:    session.NewHistory(opts.HistoryCap),
		settle:     settle,
		detect:     detect,
		idle:       idle,
		provider:   opts.Provider,
		model:      opts.Model,
		system:     opts.System,
		tools:      opts.Tools,
		maxIter:    opts.MaxIterations,
		driving:    opts.DrivingMode,
		life:       life,
		stop:       stop,
		notifySig:  make(chan struct{}, 1),
		notifyQuit: make(chan struct{}),
		notifyDone: make(chan struct{}),
	}
	go s.notifyLoop()

	if opts.Bus != nil {
		sub := events.Subscribe(opts.Bus, events.TopicDeliveryReady, func(ctx context.Context, _ events.DeliveryReady) error {
			_, err := s.Resume(ctx)
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		})
		s.sub = &sub
	}
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WaitIdle blocks until the session is idle or ctx is done.
func (s *Session) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	ch := s.idle
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MicPress handles the talk button: start listening from idle, cancel a capture in
// progress, or interrupt narration and listen. While thinking it returns ErrBusy.
func (s *Session) MicPress(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	switch s.state {
	case StateIdle:
		return s.listenLocked()
	case StateListening:
		s.gen++
		if s.cancelCapture != nil {
			s.cancelCapture()
			s.cancelCapture = nil
		}
		s.setStateLocked(StateIdle)
		return nil
	case StateSpeaking:
		s.stopSpeakingLocked()
		if err := s.listenLocked(); err != nil {
			s.setStateLocked(StateIdle)
			return err
		}
		return nil
	default:
		return ErrBusy
	}
}

// Wake starts listening on a wake signal. Only an idle session responds.
func (s *Session) Wake(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.state != StateIdle {
		return ErrBusy
	}
	return s.listenLocked()
}

// Submit runs a typed utterance as a turn. The session must be idle.
func (s *Session) Submit(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.state != StateIdle {
		return ErrBusy
	}
	s.gen++
	gen := s.gen
	s.setStateLocked(StateThinking)
	cfg := s.turnConfigLocked()
	s.goLocked(func() { s.think(gen, text, cfg) })
	return nil
}

func (s *Session) listenLocked() error {
	if s.opts.Recognizer == nil {
		return ErrNoRecognizer
	}
	if s.micBusy {
		return ErrMicBusy
	}
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(s.life)
	s.cancelCapture = cancel
	s.micBusy = true
	s.setStateLocked(StateListening)
	s.goLocked(func() { s.listen(ctx, cancel, gen) })
	return nil
}

func (s *Session) stopSpeakingLocked() {
	s.gen++
	if s.cancelSpeak != nil {
		s.cancelSpeak()
		s.cancelSpeak = nil
	}
	if s.opts.Speaker != nil {
		s.opts.Speaker.Stop()
	}
}

func (s *Session) listen(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	text, err := s.opts.Recognizer.Listen(ctx)
	cancelled := ctx.Err() != nil
	cancel()
	if errors.Is(err, ErrNoSpeech) {
		text, err = "", nil
	}

	s.mu.Lock()
	s.micBusy = false
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.cancelCapture = nil

	if err != nil && !cancelled {
		logging.Named("voice").Warnw("capture failed", "error", err)
		s.setStateLocked(StateIdle)
		s.alertLocked("I couldn't hear that. Please try again.")
		s.mu.Unlock()
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		s.setStateLocked(StateIdle)
		s.mu.Unlock()
		s.opts.Metrics.SessionTurn("empty")
		return
	}
	s.setStateLocked(StateThinking)
	cfg := s.turnConfigLocked()
	s.mu.Unlock()

	s.think(gen, text, cfg)
}

type turnConfig struct {
	provider ai.Provider
	model    string
	system   string
	tools    *tools.Registry
	maxIter  int
}

func (s *Session) turnConfigLocked() turnConfig {
	return turnConfig{provider: s.provider, model: s.model, system: s.system, tools: s.tools, maxIter: s.maxIter}
}

// think runs exactly one loop for the utterance.
func (s *Session) think(gen uint64, text string, cfg turnConfig) {
	log := logging.Named("voice")
	s.history.Append(session.User(text))

	var ex runner.Executor
	if cfg.tools != nil {
		ex = cfg.tools.Clone()
	}
	res, err := runner.Run(s.life, runner.Config{
		Provider:      cfg.provider,
		Tools:         ex,
		System:        cfg.system,
		Model:         cfg.model,
		MaxIterations: cfg.maxIter,
		Kind:          "interactive",
		Metrics:       s.opts.Metrics,
		OnSpeak:       s.narrate,
	}, s.history.Export())
	if res != nil {
		s.history.Append(res.Messages...)
	}

	if err != nil {
		if s.life.Err() != nil {
			return
		}
		log.Warnw("turn failed", "error", err)
		s.opts.Metrics.SessionTurn("error")
		s.persist()
		s.mu.Lock()
		if gen == s.gen {
			s.setStateLocked(StateIdle)
		}
		s.alertLocked(ai.UserFacingError(err))
		s.mu.Unlock()
		return
	}

	reply := strings.TrimSpace(res.FinalContent)
	if reply != "" {
		s.history.Append(session.Assistant(reply))
	}
	s.persist()
	s.opts.Metrics.SessionTurn("ok")

	if reply == "" {
		s.mu.Lock()
		if gen == s.gen {
			s.setStateLocked(StateIdle)
		}
		s.mu.Unlock()
		return
	}
	s.speak(gen, reply)
}

// narrate speaks text produced by a tool mid-turn. The state stays thinking.
func (s *Session) narrate(ctx context.Context, text string) {
	if s.opts.Speaker == nil {
		return
	}
	if err := s.opts.Speaker.Speak(ctx, text); err != nil && ctx.Err() == nil {
		logging.Named("voice").Warnw("narration failed", "error", err)
	}
}

// speak narrates text, waits for the settle delay, then goes idle or, in driving
// mode after a question, listens again. Any press in between wins.
func (s *Session) speak(gen uint64, text string) {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.life)
	s.cancelSpeak = cancel
	s.setStateLocked(StateSpeaking)
	s.mu.Unlock()

	if s.opts.Speaker != nil {
		if err := s.opts.Speaker.Speak(ctx, text); err != nil && ctx.Err() == nil {
			logging.Named("voice").Warnw("speech failed", "error", err)
		}
	}
	cancel()

	t := time.NewTimer(s.settle)
	select {
	case <-s.life.Done():
		t.Stop()
		return
	case <-t.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.closed {
		return
	}
	s.cancelSpeak = nil
	if s.driving && s.detect(text) {
		if err := s.listenLocked(); err == nil {
			return
		}
	}
	s.setStateLocked(StateIdle)
}

// Resume drains the pending queue into the history and narrates it. If a turn is
// in progress the drain is deferred until the session is idle again. Entries
// drained while a turn was starting are held and narrated at the next idle.
func (s *Session) Resume(ctx context.Context) ([]delivery.Entry, error) {
	if s.opts.Pending == nil {
		return nil, nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.state != StateIdle {
		s.resumePending = true
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	entries, err := s.opts.Pending.Drain(ctx)
	if len(entries) > 0 {
		msgs := make([]session.Message, 0, len(entries))
		for _, e := range entries {
			m := session.Assistant(e.Text)
			m.CreatedAt = e.CreatedAt
			msgs = append(msgs, m)
		}
		s.history.Append(msgs...)
		s.persist()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.opts.Speaker == nil {
		s.unspoken = nil
		return entries, err
	}
	for _, e := range entries {
		s.unspoken = append(s.unspoken, e.Text)
	}
	if len(s.unspoken) == 0 {
		return entries, err
	}
	if s.state != StateIdle {
		s.resumePending = true
		return entries, err
	}
	text := strings.Join(s.unspoken, "\n")
	s.unspoken = nil
	s.gen++
	gen := s.gen
	// speaking from here on, so a press or submit cannot take the turn first
	s.setStateLocked(StateSpeaking)
	s.goLocked(func() { s.speak(gen, text) })
	return entries, err
}

// ExportHistory returns the ordered conversation.
func (s *Session) ExportHistory() []session.Message {
	return s.history.Export()
}

// ImportHistory replaces the conversation, keeping the most recent entries up to the cap.
func (s *Session) ImportHistory(msgs []session.Message) {
	s.history.Import(msgs)
}

// ClearHistory forgets the conversation.
func (s *Session) ClearHistory() {
	s.history.Clear()
	s.persist()
}

// Reconfigure swaps the model for subsequent turns. History is kept.
func (s *Session) Reconfigure(p ai.Provider, model string) {
	s.mu.Lock()
	s.provider = p
	s.model = model
	s.mu.Unlock()
}

// SetTools replaces the capabilities offered from the next turn on.
func (s *Session) SetTools(reg *tools.Registry) {
	s.mu.Lock()
	s.tools = reg
	s.mu.Unlock()
}

// SetSystem replaces the system prompt from the next turn on.
func (s *Session) SetSystem(system string) {
	s.mu.Lock()
	s.system = system
	s.mu.Unlock()
}

// SetDrivingMode toggles automatic re-listening after questions.
func (s *Session) SetDrivingMode(on bool) {
	s.mu.Lock()
	s.driving = on
	s.mu.Unlock()
}

// SetLimits updates the iteration ceiling and the history cap.
func (s *Session) SetLimits(maxIterations, historyCap int) {
	s.mu.Lock()
	s.maxIter = maxIterations
	s.mu.Unlock()
	s.history.SetCap(historyCap)
}

// Close stops any capture or narration and waits for the session's goroutines.
// A model call already issued is allowed to finish.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.gen++
		if s.cancelCapture != nil {
			s.cancelCapture()
		}
		if s.cancelSpeak != nil {
			s.cancelSpeak()
		}
		s.mu.Unlock()
		if s.opts.Speaker != nil {
			s.opts.Speaker.Stop()
		}

		if s.sub != nil {
			s.sub.Unsubscribe()
		}
		s.stop()
		s.wg.Wait()
		close(s.notifyQuit)
		<-s.notifyDone
	})
}

func (s *Session) goLocked(fn func()) {
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Session) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	if from == StateIdle {
		s.idle = make(chan struct{})
	}
	if to == StateIdle {
		close(s.idle)
		if s.resumePending {
			s.resumePending = false
			s.goLocked(func() {
				if _, err := s.Resume(s.life); err != nil && !errors.Is(err, ErrClosed) {
					logging.Named("voice").Warnw("deferred resume failed", "error", err)
				}
			})
		}
	}
	logging.Named("voice").Debugw("state", "from", from.String(), "to", to.String())
	s.push(note{from: from, to: to})
}

func (s *Session) alertLocked(msg string) {
	s.push(note{alert: msg})
}

func (s *Session) push(n note) {
	s.nmu.Lock()
	s.notes = append(s.notes, n)
	s.nmu.Unlock()
	select {
	case s.notifySig <- struct{}{}:
	default:
	}
}

func (s *Session) notifyLoop() {
	defer close(s.notifyDone)
	for {
		select {
		case <-s.notifySig:
			s.flush()
		case <-s.notifyQuit:
			s.flush()
			return
		}
	}
}

func (s *Session) flush() {
	s.nmu.Lock()
	batch := s.notes
	s.notes = nil
	s.nmu.Unlock()

	for _, n := range batch {
		if n.alert != "" {
			if s.opts.OnAlert != nil {
				s.opts.OnAlert(n.alert)
			}
			continue
		}
		if s.opts.Bus != nil {
			_ = events.Emit(s.opts.Bus, events.TopicSessionState, events.StateChange{From: n.from.String(), To: n.to.String()})
		}
		if s.opts.OnStateChange != nil {
			s.opts.OnStateChange(n.from, n.to)
		}
	}
}

func (s *Session) persist() {
	if s.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.Store.Save(ctx, session.DefaultSessionID, s.history.Export()); err != nil {
		logging.Named("voice").Warnw("history not saved", "error", err)
	}
}

// LoadHistory restores the persisted conversation, if a store is configured.
func (s *Session) LoadHistory(ctx context.Context) error {
	if s.opts.Store == nil {
		return nil
	}
	msgs, err := s.opts.Store.Load(ctx, session.DefaultSessionID)
	if err != nil {
		return err
	}
	s.history.Import(msgs)
	return nil
}
