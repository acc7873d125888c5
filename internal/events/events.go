// Package events is the in-process bus that connects the interactive session, the
// background runs and the daemon. Values are typed per topic; see topics.go.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBuffer  = 256
	emitTimeout    = 5 * time.Second
	handlerTimeout = 10 * time.Second
	drainTimeout   = 5 * time.Second
)

// ErrClosed is returned by Emit after Complete.
var ErrClosed = errors.New("events: subject closed")

// SubjectOption configures a Subject.
type SubjectOption func(*options)

type options struct {
	buffer int
	replay int
	sync   bool
	log    *zap.Logger
}

// WithBufferSize sets how many events may wait for the dispatcher.
func WithBufferSize(size int) SubjectOption {
	return func(o *options) { o.buffer = size }
}

// WithReplay keeps the last n events so subscribers that ask for it see them.
func WithReplay(n int) SubjectOption {
	return func(o *options) { o.replay = n }
}

// WithLogger reports handler failures to logger.
func WithLogger(logger *zap.Logger) SubjectOption {
	return func(o *options) { o.log = logger }
}

// WithSyncDelivery runs handlers one after another on the dispatcher goroutine,
// so a subscriber sees events in emission order.
func WithSyncDelivery() SubjectOption {
	return func(o *options) { o.sync = true }
}

type event struct {
	topic string
	value any
}

type handler func(context.Context, any) error

type subscriber struct {
	id     string
	handle handler
}

// Subscription is returned by Subscribe.
type Subscription struct {
	Topic string
	ID    string
	// Unsubscribe stops delivery. Calling it more than once is harmless.
	Unsubscribe func()
}

// Subject fans events out to the handlers subscribed to their topic.
type Subject struct {
	opts options
	log  *zap.Logger

	mu     sync.RWMutex
	topics map[string][]subscriber
	recent []event

	queue  chan event
	quit   chan struct{}
	closed atomic.Bool
	seq    atomic.Int64
	wg     sync.WaitGroup
}

// NewSubject starts a subject's dispatcher. Stop it with Complete.
func NewSubject(opts ...SubjectOption) *Subject {
	o := options{buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.buffer <= 0 {
		o.buffer = defaultBuffer
	}
	log := o.log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Subject{
		opts:   o,
		log:    log,
		topics: make(map[string][]subscriber),
		queue:  make(chan event, o.buffer),
		quit:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Emit queues value on topic. It waits a bounded time when the queue is full.
func Emit[T any](s *Subject, topic string, value T) error {
	if s.closed.Load() {
		return ErrClosed
	}
	evt := event{topic: topic, value: value}
	select {
	case s.queue <- evt:
		return nil
	default:
	}

	t := time.NewTimer(emitTimeout)
	defer t.Stop()
	select {
	case s.queue <- evt:
		return nil
	case <-s.quit:
		return ErrClosed
	case <-t.C:
		return fmt.Errorf("events: %s queue full", topic)
	}
}

// Subscribe registers fn for topic. Values of another type on the same topic are
// reported as handler errors. With replay set, events kept by WithReplay are
// delivered to fn before Subscribe returns.
func Subscribe[T any](s *Subject, topic string, fn func(context.Context, T) error, replay ...bool) Subscription {
	sub := subscriber{
		id: fmt.Sprintf("%s-%d", topic, s.seq.Add(1)),
		handle: func(ctx context.Context, v any) error {
			typed, ok := v.(T)
			if !ok {
				return fmt.Errorf("topic %s: got %T, want %T", topic, v, *new(T))
			}
			return fn(ctx, typed)
		},
	}

	s.mu.Lock()
	s.topics[topic] = append(s.topics[topic], sub)
	var backlog []event
	if len(replay) > 0 && replay[0] {
		for _, evt := range s.recent {
			if evt.topic == topic {
				backlog = append(backlog, evt)
			}
		}
	}
	s.mu.Unlock()

	for _, evt := range backlog {
		s.deliver(sub, evt)
	}

	var once sync.Once
	return Subscription{
		Topic:       topic,
		ID:          sub.id,
		Unsubscribe: func() { once.Do(func() { s.remove(topic, sub.id) }) },
	}
}

// Complete stops the dispatcher and waits, within a bound, for running handlers.
// Events still queued are dropped. It is idempotent.
func Complete(s *Subject) {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.quit)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.log.Warn("event handlers still running after shutdown")
	}
}

func (s *Subject) remove(topic, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.topics[topic]
	for i, sub := range subs {
		if sub.id == id {
			// copy so a dispatch holding the old slice is unaffected
			next := make([]subscriber, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			s.topics[topic] = next
			break
		}
	}
	if len(s.topics[topic]) == 0 {
		delete(s.topics, topic)
	}
}

func (s *Subject) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case evt := <-s.queue:
			s.mu.Lock()
			if s.opts.replay > 0 {
				if len(s.recent) == s.opts.replay {
					s.recent = s.recent[1:]
				}
				s.recent = append(s.recent, evt)
			}
			subs := s.topics[evt.topic]
			s.mu.Unlock()

			for _, sub := range subs {
				if s.opts.sync {
					s.deliver(sub, evt)
					continue
				}
				s.wg.Add(1)
				go func(sub subscriber) {
					defer s.wg.Done()
					s.deliver(sub, evt)
				}(sub)
			}
		}
	}
}

func (s *Subject) deliver(sub subscriber, evt event) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := sub.handle(ctx, evt.value); err != nil {
		s.log.Debug("event handler failed",
			zap.String("topic", evt.topic),
			zap.String("subscription", sub.id),
			zap.Error(err))
	}
}
