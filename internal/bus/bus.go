// Package bus is the in-process publish/subscribe event bus. Every
// published event is appended to the audit log before any subscriber sees
// it. Each subscriber drains its own mailbox on its own goroutine, so a
// slow or failing subscriber never blocks the publisher or other
// subscribers.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tedboudros/ClawQuant/internal/metrics"
	"github.com/tedboudros/ClawQuant/internal/types"
	"github.com/tedboudros/ClawQuant/internal/validate"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("bus closed")

// maxFailures bounds the in-memory failure record.
const maxFailures = 256

// Handler processes one delivered event. Errors and panics are recorded
// as subscriber failures and never reach the publisher.
type Handler func(ctx context.Context, event types.Event) error

// Failure describes a subscriber that errored or panicked on an event.
type Failure struct {
	Subscriber string        `json:"subscriber"`
	EventID    types.EventID `json:"event_id"`
	EventType  string        `json:"event_type"`
	Seq        int64         `json:"seq"`
	Error      string        `json:"error"`
	At         time.Time     `json:"at"`
}

type Option func(*Bus)

// WithClock sets the clock used to stamp events published without a
// timestamp.
func WithClock(c types.Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// WithMetrics records publish and failure counts.
func WithMetrics(m *metrics.Recorder) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithFatalHandler replaces the default audit-failure behaviour (log and
// exit the process). The handler must not call back into the bus.
func WithFatalHandler(fn func(error)) Option {
	return func(b *Bus) { b.fatal = fn }
}

// Bus routes events from publishers to pattern-matched subscribers.
type Bus struct {
	audit   types.AuditLog
	clock   types.Clock
	metrics *metrics.Recorder
	fatal   func(error)

	ctx    context.Context
	cancel context.CancelFunc

	// pubMu orders audit appends and mailbox enqueues so that every
	// subscriber observes events in sequence order.
	pubMu  sync.Mutex
	mu     sync.RWMutex
	subs   []*subscriber
	nextID int
	closed bool

	pending atomic.Int64
	wg      sync.WaitGroup

	failMu   sync.Mutex
	failures []Failure
}

// New creates a Bus that records every event in audit.
func New(audit types.AuditLog, opts ...Option) *Bus {
	b := &Bus{
		audit: audit,
		clock: types.SystemClock{},
		fatal: exitOnAuditFailure,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b
}

func exitOnAuditFailure(err error) {
	slog.Error("audit log write failed, shutting down", "error", err)
	os.Exit(1)
}

// Publish validates event, assigns its ID and timestamp when missing,
// appends it to the audit log and enqueues a copy for every matching
// subscriber in registration order. It returns the event as recorded,
// including its sequence number. It never waits for subscribers.
func (b *Bus) Publish(ctx context.Context, event types.Event) (types.Event, error) {
	if event.ID == "" {
		event.ID = types.NewEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.clock.Now()
	}
	event.Seq = 0
	if err := validate.Struct("event", event); err != nil {
		return types.Event{}, err
	}
	if len(event.Payload) > 0 && !json.Valid(event.Payload) {
		return types.Event{}, types.NewValidationError("event", "payload must be valid JSON")
	}
	event = event.Clone()

	b.pubMu.Lock()
	if b.isClosed() {
		b.pubMu.Unlock()
		return types.Event{}, ErrClosed
	}

	if err := b.audit.Append(ctx, &event); err != nil {
		b.pubMu.Unlock()
		err = fmt.Errorf("%w: %v", types.ErrAudit, err)
		b.fatal(err)
		return types.Event{}, err
	}
	b.metrics.EventPublished(event.Type)

	b.mu.RLock()
	for _, s := range b.subs {
		if Match(s.pattern, event.Type) {
			b.pending.Add(1)
			s.box.put(event.Clone())
		}
	}
	b.mu.RUnlock()
	b.pubMu.Unlock()

	return event, nil
}

// PublishPayload marshals payload and publishes it as an event of the
// given type.
func (b *Bus) PublishPayload(ctx context.Context, eventType, source string, payload any) (types.Event, error) {
	ev, err := types.NewEvent(eventType, source, payload)
	if err != nil {
		return types.Event{}, types.NewValidationError("event", "payload: "+err.Error())
	}
	return b.Publish(ctx, ev)
}

// Subscribe registers h for events matching pattern that are published
// after Subscribe returns. name identifies the subscriber in logs and
// failure records.
func (b *Bus) Subscribe(pattern, name string, h Handler) (*Subscription, error) {
	if err := checkPattern(pattern); err != nil {
		return nil, err
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	if name == "" {
		name = fmt.Sprintf("%s#%d", pattern, b.nextID)
	}
	s := &subscriber{
		id:      b.nextID,
		name:    name,
		pattern: pattern,
		handler: h,
		box:     newMailbox(),
		done:    make(chan struct{}),
	}
	b.subs = append(b.subs, s)

	b.wg.Add(1)
	go b.run(s)

	return &Subscription{bus: b, sub: s}, nil
}

// Flush blocks until every event published so far, including events
// published by subscribers while flushing, has been handled.
func (b *Bus) Flush(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		if b.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Failures returns the most recent subscriber failures, oldest first.
func (b *Bus) Failures() []Failure {
	b.failMu.Lock()
	defer b.failMu.Unlock()

	out := make([]Failure, len(b.failures))
	copy(out, b.failures)
	return out
}

// Close stops every subscriber and discards undelivered events. Call Flush
// first to drain. Close must not be called from a subscriber handler.
func (b *Bus) Close() {
	b.pubMu.Lock()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.pubMu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	b.pubMu.Unlock()

	b.cancel()
	for _, s := range subs {
		s.stop()
	}
	b.wg.Wait()
}

func (b *Bus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// run drains one subscriber's mailbox until it is stopped.
func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()

	for {
		select {
		case <-s.done:
			b.pending.Add(-int64(s.box.drain()))
			return
		case <-s.box.notify:
		}

		for {
			select {
			case <-s.done:
				b.pending.Add(-int64(s.box.drain()))
				return
			default:
			}

			ev, ok := s.box.take()
			if !ok {
				break
			}
			b.deliver(s, ev)
			b.pending.Add(-1)
		}
	}
}

func (b *Bus) deliver(s *subscriber, ev types.Event) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return s.handler(b.ctx, ev)
	}()
	if err == nil {
		return
	}

	slog.Error("subscriber failed",
		"subscriber", s.name, "event_type", ev.Type, "seq", ev.Seq, "error", err)
	b.metrics.SubscriberFailed(s.name)

	b.failMu.Lock()
	b.failures = append(b.failures, Failure{
		Subscriber: s.name,
		EventID:    ev.ID,
		EventType:  ev.Type,
		Seq:        ev.Seq,
		Error:      err.Error(),
		At:         b.clock.Now(),
	})
	if len(b.failures) > maxFailures {
		b.failures = b.failures[len(b.failures)-maxFailures:]
	}
	b.failMu.Unlock()
}

func (b *Bus) remove(s *subscriber) {
	b.pubMu.Lock()
	b.mu.Lock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	b.pubMu.Unlock()
	s.stop()
}

type subscriber struct {
	id       int
	name     string
	pattern  string
	handler  Handler
	box      *mailbox
	done     chan struct{}
	stopOnce sync.Once
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Subscription is a handle to a registered subscriber.
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// Name returns the subscriber name.
func (s *Subscription) Name() string { return s.sub.name }

// Unsubscribe stops delivery. Events already queued for this subscriber
// are discarded.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.sub)
}
