package voice

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/neboloop/vox/internal/agent/ai"
	"github.com/neboloop/vox/internal/agent/ai/aitest"
	"github.com/neboloop/vox/internal/agent/session"
	"github.com/neboloop/vox/internal/agent/tools"
	"github.com/neboloop/vox/internal/db"
	"github.com/neboloop/vox/internal/delivery"
	"github.com/neboloop/vox/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second
const tick = 2 * time.Millisecond

// fakeRecognizer serves utterances in order. When hold is set, Listen blocks until
// ctx is cancelled (or release is closed, if set).
type fakeRecognizer struct {
	mu         sync.Mutex
	utterances []string
	calls      int
	hold       bool
	release    chan struct{}
}

func (r *fakeRecognizer) Listen(ctx context.Context) (string, error) {
	r.mu.Lock()
	r.calls++
	hold, release := r.hold, r.release
	var text string
	if len(r.utterances) > 0 {
		text = r.utterances[0]
		r.utterances = r.utterances[1:]
	} else {
		hold = true
	}
	r.mu.Unlock()

	if release != nil {
		<-release
		return "", ctx.Err()
	}
	if hold {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}

func (r *fakeRecognizer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []string
	stops  int
	hold   bool
}

func (s *fakeSpeaker) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	hold := s.hold
	s.mu.Unlock()
	if hold {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *fakeSpeaker) Stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
}

func (s *fakeSpeaker) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

type recorder struct {
	mu     sync.Mutex
	states []string
	alerts []string
}

func (r *recorder) onState(_, to State) {
	r.mu.Lock()
	r.states = append(r.states, to.String())
	r.mu.Unlock()
}

func (r *recorder) onAlert(msg string) {
	r.mu.Lock()
	r.alerts = append(r.alerts, msg)
	r.mu.Unlock()
}

func (r *recorder) States() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func (r *recorder) Alerts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.alerts...)
}

func newSession(t *testing.T, opts Options) (*Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts.OnStateChange = rec.onState
	opts.OnAlert = rec.onAlert
	if opts.SettleDelay == 0 {
		opts.SettleDelay = time.Millisecond
	}
	s := New(opts)
	t.Cleanup(s.Close)
	return s, rec
}

func eventuallyState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, waitFor, tick, "want state %s, have %s", want, s.State())
}

func TestFullTurn(t *testing.T) {
	p := aitest.New(aitest.Turn{Text: "It's noon."})
	spk := &fakeSpeaker{}
	s, rec := newSession(t, Options{Provider: p, Recognizer: &fakeRecognizer{utterances: []string{"what time is it"}}, Speaker: spk})

	require.NoError(t, s.MicPress(context.Background()))
	require.Eventually(t, func() bool { return len(spk.Spoken()) == 1 }, waitFor, tick)
	eventuallyState(t, s, StateIdle)

	assert.Equal(t, []string{"It's noon."}, spk.Spoken())
	require.Eventually(t, func() bool { return len(rec.States()) == 4 }, waitFor, tick)
	assert.Equal(t, []string{"listening", "thinking", "speaking", "idle"}, rec.States())

	h := s.ExportHistory()
	require.Len(t, h, 2)
	assert.Equal(t, session.RoleUser, h[0].Role)
	assert.Equal(t, "It's noon.", h[1].Content)
	assert.Equal(t, 1, p.Calls())
}

func TestMicPressWhileThinkingIsBusy(t *testing.T) {
	release := make(chan struct{})
	p := aitest.New(aitest.Turn{Text: "done", Hook: func(*ai.ChatRequest) { <-release }})
	s, _ := newSession(t, Options{Provider: p, Recognizer: &fakeRecognizer{utterances: []string{"hello"}}, Speaker: &fakeSpeaker{}})

	require.NoError(t, s.MicPress(context.Background()))
	eventuallyState(t, s, StateThinking)
	assert.ErrorIs(t, s.MicPress(context.Background()), ErrBusy)
	assert.ErrorIs(t, s.Wake(context.Background()), ErrBusy)
	assert.ErrorIs(t, s.Submit(context.Background(), "again"), ErrBusy)
	close(release)
	eventuallyState(t, s, StateIdle)
	assert.Equal(t, 1, p.Calls())
}

func TestSecondPressCancelsCapture(t *testing.T) {
	p := aitest.New()
	r := &fakeRecognizer{hold: true}
	s, rec := newSession(t, Options{Provider: p, Recognizer: r})

	require.NoError(t, s.MicPress(context.Background()))
	assert.Equal(t, StateListening, s.State())
	require.NoError(t, s.MicPress(context.Background()))
	assert.Equal(t, StateIdle, s.State())

	require.Eventually(t, func() bool { return len(rec.States()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"listening", "idle"}, rec.States())
	assert.Zero(t, p.Calls())
}

func TestMicGuardRejectsOverlappingCapture(t *testing.T) {
	release := make(chan struct{})
	r := &fakeRecognizer{release: release}
	s, _ := newSession(t, Options{Provider: aitest.New(), Recognizer: r})

	require.NoError(t, s.MicPress(context.Background()))
	require.NoError(t, s.MicPress(context.Background())) // cancel; recognizer has not returned yet
	assert.ErrorIs(t, s.MicPress(context.Background()), ErrMicBusy)

	close(release)
	require.Eventually(t, func() bool { return s.MicPress(context.Background()) == nil }, waitFor, tick)
}

func TestSilenceReturnsToIdle(t *testing.T) {
	p := aitest.New()
	s, rec := newSession(t, Options{Provider: p, Recognizer: &fakeRecognizer{utterances: []string{""}}})

	require.NoError(t, s.MicPress(context.Background()))
	require.Eventually(t, func() bool { return len(rec.States()) == 2 }, waitFor, tick)
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, p.Calls())
	assert.Empty(t, rec.Alerts())
}

func TestBargeIn(t *testing.T) {
	p := aitest.New(aitest.Turn{Text: "A very long story"})
	spk := &fakeSpeaker{hold: true}
	r := &fakeRecognizer{utterances: []string{"tell me a story"}}
	s, _ := newSession(t, Options{Provider: p, Recognizer: r, Speaker: spk})

	require.NoError(t, s.MicPress(context.Background()))
	eventuallyState(t, s, StateSpeaking)
	require.NoError(t, s.MicPress(context.Background()))
	assert.Equal(t, StateListening, s.State())

	spk.mu.Lock()
	assert.Equal(t, 1, spk.stops)
	spk.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateListening, s.State())
	assert.Equal(t, 2, r.Calls())
}

func TestDrivingModeRelistensAfterQuestion(t *testing.T) {
	p := aitest.New(aitest.Turn{Text: "Which contact?"})
	r := &fakeRecognizer{utterances: []string{"call mom"}}
	s, rec := newSession(t, Options{Provider: p, Recognizer: r, Speaker: &fakeSpeaker{}, DrivingMode: true})

	require.NoError(t, s.MicPress(context.Background()))
	require.Eventually(t, func() bool { return r.Calls() == 2 }, waitFor, tick)
	assert.Equal(t, StateListening, s.State())
	require.Eventually(t, func() bool { return len(rec.States()) == 4 }, waitFor, tick)
	assert.Equal(t, []string{"listening", "thinking", "speaking", "listening"}, rec.States())
}

func TestDrivingModeIgnoresStatements(t *testing.T) {
	p := aitest.New(aitest.Turn{Text: "Calling mom."})
	r := &fakeRecognizer{utterances: []string{"call mom"}}
	s, _ := newSession(t, Options{Provider: p, Recognizer: r, Speaker: &fakeSpeaker{}, DrivingMode: true})

	require.NoError(t, s.MicPress(context.Background()))
	require.Eventually(t, func() bool { return p.Calls() == 1 && s.State() == StateIdle }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, r.Calls())
}

func TestDrivingModeYieldsToUserPress(t *testing.T) {
	p := aitest.New(aitest.Turn{Text: "Which contact?"})
	r := &fakeRecognizer{utterances: []string{"call mom"}}
	spk := &fakeSpeaker{}
	s, _ := newSession(t, Options{Provider: p, Recognizer: r, Speaker: spk, DrivingMode: true, SettleDelay: 100 * time.Millisecond})

	require.NoError(t, s.MicPress(context.Background()))
	require.Eventually(t, func() bool { return len(spk.Spoken()) == 1 }, waitFor, tick)
	eventuallyState(t, s, StateSpeaking)
	require.NoError(t, s.MicPress(context.Background())) // during the settle delay
	assert.Equal(t, StateListening, s.State())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, r.Calls())
	assert.Equal(t, StateListening, s.State())
}

func TestMidTurnSpeechIsNarratedNotStored(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.NewFunc("lookup", "Look something up", nil, func(context.Context, json.RawMessage) (*tools.ToolResult, error) {
		return &tools.ToolResult{Content: "42", Speak: "One moment."}, nil
	}))
	p := aitest.New(
		aitest.Turn{Calls: []ai.ToolCall{aitest.Call("c1", "lookup", map[string]any{})}},
		aitest.Turn{Text: "The answer is 42."},
	)
	spk := &fakeSpeaker{}
	s, _ := newSession(t, Options{Provider: p, Tools: reg, Speaker: spk})

	require.NoError(t, s.Submit(context.Background(), "what is the answer"))
	require.Eventually(t, func() bool { return len(spk.Spoken()) == 2 }, waitFor, tick)
	require.NoError(t, s.WaitIdle(context.Background()))
	assert.Equal(t, []string{"One moment.", "The answer is 42."}, spk.Spoken())

	for _, m := range s.ExportHistory() {
		assert.NotContains(t, m.Content, "One moment.")
	}
	assert.Len(t, s.ExportHistory(), 4)
}

func TestModelErrorAlertsOnce(t *testing.T) {
	p := aitest.New(aitest.Turn{Err: errors.New("connection refused")})
	spk := &fakeSpeaker{}
	s, rec := newSession(t, Options{Provider: p, Speaker: spk})

	require.NoError(t, s.Submit(context.Background(), "hello"))
	require.Eventually(t, func() bool { return len(rec.Alerts()) == 1 }, waitFor, tick)
	eventuallyState(t, s, StateIdle)
	assert.Equal(t, ai.UserFacingError(errors.New("connection refused")), rec.Alerts()[0])
	assert.NotContains(t, rec.Alerts()[0], "refused")
	assert.Empty(t, spk.Spoken())
}

func TestWakeOnlyFromIdle(t *testing.T) {
	r := &fakeRecognizer{hold: true}
	s, _ := newSession(t, Options{Provider: aitest.New(), Recognizer: r})

	require.NoError(t, s.Wake(context.Background()))
	assert.ErrorIs(t, s.Wake(context.Background()), ErrBusy)
	assert.Equal(t, StateListening, s.State())
}

func TestNoRecognizer(t *testing.T) {
	s, _ := newSession(t, Options{Provider: aitest.New()})
	assert.ErrorIs(t, s.MicPress(context.Background()), ErrNoRecognizer)
	assert.Equal(t, StateIdle, s.State())
}

func TestHistoryRoundTripAndReconfigure(t *testing.T) {
	s, _ := newSession(t, Options{Provider: aitest.New(), HistoryCap: 4})
	in := []session.Message{
		session.User("one"),
		session.Assistant("", session.ToolCall{ID: "c1", Name: "lookup"}),
		session.ToolResult("c1", "x", false),
		session.Assistant("two"),
		session.User("three"),
		session.Assistant("four"),
	}
	s.ImportHistory(in)
	out := s.ExportHistory()
	// the cut lands inside a tool group, so the orphan tool result is dropped too
	require.Len(t, out, 3)
	assert.Equal(t, "two", out[0].Content)
	assert.Equal(t, "four", out[2].Content)

	s.ImportHistory(out)
	assert.Equal(t, out, s.ExportHistory())

	p2 := aitest.New(aitest.Turn{Text: "ok"})
	s.Reconfigure(p2, "other-model")
	assert.Equal(t, out, s.ExportHistory())

	require.NoError(t, s.Submit(context.Background(), "five"))
	require.Eventually(t, func() bool { return p2.Calls() == 1 }, waitFor, tick)
	assert.Equal(t, "other-model", p2.Requests()[0].Model)
}

func openQueue(t *testing.T) (*delivery.Queue, *db.Store) {
	t.Helper()
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), db.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return delivery.NewQueue(store, 10, nil), store
}

func TestResumeDrainsAndNarrates(t *testing.T) {
	q, store := openQueue(t)
	ctx := context.Background()
	_, err := q.Append(ctx, "triage", "Alice says dinner at 8.")
	require.NoError(t, err)
	_, err = q.Append(ctx, "ui_automation", "Wi-Fi is on.")
	require.NoError(t, err)

	spk := &fakeSpeaker{}
	s, _ := newSession(t, Options{Provider: aitest.New(), Speaker: spk, Pending: q, Store: session.NewStore(store)})

	entries, err := s.Resume(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Eventually(t, func() bool { return len(spk.Spoken()) == 1 }, waitFor, tick)
	assert.Equal(t, "Alice says dinner at 8.\nWi-Fi is on.", spk.Spoken()[0])

	h := s.ExportHistory()
	require.Len(t, h, 2)
	assert.Equal(t, session.RoleAssistant, h[0].Role)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	saved, err := session.NewStore(store).Load(ctx, session.DefaultSessionID)
	require.NoError(t, err)
	assert.Len(t, saved, 2)
}

func TestResumeIsDeferredWhileBusy(t *testing.T) {
	q, _ := openQueue(t)
	ctx := context.Background()
	r := &fakeRecognizer{hold: true}
	spk := &fakeSpeaker{}
	s, _ := newSession(t, Options{Provider: aitest.New(), Recognizer: r, Speaker: spk, Pending: q})

	require.NoError(t, s.MicPress(ctx))
	_, err := q.Append(ctx, "triage", "New message.")
	require.NoError(t, err)

	entries, err := s.Resume(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, s.MicPress(ctx)) // cancel -> idle triggers the deferred drain
	require.Eventually(t, func() bool { return len(spk.Spoken()) == 1 }, waitFor, tick)
	assert.Equal(t, "New message.", spk.Spoken()[0])
}

func TestDeliveryReadyEventResumes(t *testing.T) {
	q, _ := openQueue(t)
	bus := events.NewSubject()
	defer events.Complete(bus)
	spk := &fakeSpeaker{}
	s, _ := newSession(t, Options{Provider: aitest.New(), Speaker: spk, Pending: q, Bus: bus})

	_, err := q.Append(context.Background(), "triage", "Package delivered.")
	require.NoError(t, err)
	require.NoError(t, events.Emit(bus, events.TopicDeliveryReady, events.DeliveryReady{Origin: "triage", Count: 1}))

	require.Eventually(t, func() bool { return len(spk.Spoken()) == 1 }, waitFor, tick)
	s.Close()
}

func TestQuestionDetector(t *testing.T) {
	cases := map[string]bool{
		"Which one?":               true,
		"¿Cuál quieres?":           true,
		"どれですか？":                   true,
		"Really? I thought so.":    true,
		`He asked "why?"`:          true,
		"Done.":                    false,
		"":                         false,
		"The file is a.b?c":        false,
		"Rate 5/5":                 false,
		"Call mom, then dad":       false,
		"What about this?  \n ":    true,
		"Is it ok?(yes)":           false,
	}
	for in, want := range cases {
		assert.Equal(t, want, DefaultQuestionDetector(in), in)
	}
}

func TestInstructions(t *testing.T) {
	base := Instructions("en", false)
	assert.Contains(t, base, "read aloud")
	assert.NotContains(t, base, "driving")
	assert.NotContains(t, base, "language with code")

	de := Instructions("de", true)
	assert.Contains(t, de, "The user is driving")
	assert.Contains(t, de, `language with code "de"`)
}

// racingPending starts a turn the first time it is drained, as a press landing
// between the idle check and the drain would.
type racingPending struct {
	q    *delivery.Queue
	once sync.Once
	s    *Session
}

func (p *racingPending) Drain(ctx context.Context) ([]delivery.Entry, error) {
	p.once.Do(func() { _ = p.s.Submit(ctx, "hello") })
	return p.q.Drain(ctx)
}

func TestResumeHoldsEntriesDrainedDuringTurnStart(t *testing.T) {
	q, _ := openQueue(t)
	ctx := context.Background()
	_, err := q.Append(ctx, "ui_automation", "Your alarm is set.")
	require.NoError(t, err)

	p := aitest.New(aitest.Turn{Text: "Hi."})
	spk := &fakeSpeaker{}
	pending := &racingPending{q: q}
	s, _ := newSession(t, Options{Provider: p, Speaker: spk, Pending: pending})
	pending.s = s

	entries, err := s.Resume(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.Eventually(t, func() bool { return len(spk.Spoken()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"Hi.", "Your alarm is set."}, spk.Spoken())
	eventuallyState(t, s, StateIdle)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSetSystemAppliesToNextTurn(t *testing.T) {
	p := aitest.New(aitest.Turn{Text: "one"}, aitest.Turn{Text: "two"})
	s, _ := newSession(t, Options{Provider: p, System: Instructions("en", false)})

	require.NoError(t, s.Submit(context.Background(), "first"))
	eventuallyState(t, s, StateIdle)
	require.Eventually(t, func() bool { return p.Calls() == 1 }, waitFor, tick)

	s.SetSystem(Instructions("de", true))
	require.NoError(t, s.Submit(context.Background(), "second"))
	require.Eventually(t, func() bool { return p.Calls() == 2 }, waitFor, tick)

	reqs := p.Requests()
	assert.NotContains(t, reqs[0].System, "The user is driving")
	assert.Contains(t, reqs[1].System, "The user is driving")
	assert.Contains(t, reqs[1].System, `language with code "de"`)
}
