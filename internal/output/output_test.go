package output

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tedboudros/ClawQuant/internal/bus"
	"github.com/tedboudros/ClawQuant/internal/state"
	"github.com/tedboudros/ClawQuant/internal/types"
)

type failingOutput struct{ name string }

func (f failingOutput) Name() string { return f.name }

func (f failingOutput) Send(context.Context, types.Notification) error {
	return errors.New("unreachable")
}

// countingPublisher counts integration.output publishes per notification key.
type countingPublisher struct {
	mu     sync.Mutex
	counts map[types.NotificationKey]int
}

func (p *countingPublisher) PublishPayload(_ context.Context, eventType, _ string, payload any) (types.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := payload.(types.Notification); ok {
		p.counts[n.Key]++
	}
	return types.Event{Type: eventType}, nil
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	audit, err := state.OpenAuditLog(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New(audit)
	t.Cleanup(func() {
		b.Close()
		audit.Close()
	})
	return b
}

func flush(t *testing.T, b *bus.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestRegistryRoute(t *testing.T) {
	reg := NewRegistry()
	tg := NewRecorder("telegram")
	logs := NewRecorder("log")
	for _, o := range []Output{tg, logs} {
		if err := reg.Register(o); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.Register(NewRecorder("log")); err == nil {
		t.Error("expected duplicate registration error")
	}

	tests := []struct {
		name string
		n    types.Notification
		want []string
	}{
		{"broadcast", types.Notification{Text: "hi"}, []string{"log", "telegram"}},
		{"explicit output", types.Notification{Text: "hi", Output: "telegram"}, []string{"telegram"}},
		{"unknown output", types.Notification{Text: "hi", Output: "slack"}, nil},
		{"channel prefix", types.Notification{Text: "hi", Channel: "telegram:42"}, []string{"telegram"}},
		{"unknown channel prefix", types.Notification{Text: "hi", Channel: "slack:general"}, []string{"log", "telegram"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reg.Route(tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %d outputs", tt.want, len(got))
			}
			for i, o := range got {
				if o.Name() != tt.want[i] {
					t.Errorf("output %d: expected %s, got %s", i, tt.want[i], o.Name())
				}
			}
		})
	}
}

func TestDispatcherDeliversOncePerKey(t *testing.T) {
	b := newTestBus(t)
	rec := NewRecorder("mock")
	reg := NewRegistry()
	reg.Register(rec)

	d := NewDispatcher(reg, nil)
	if _, err := d.Attach(b); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	n := types.Notification{Key: "signal-abc", Text: "XYZ approved"}
	for i := 0; i < 3; i++ {
		if _, err := b.PublishPayload(ctx, types.EventIntegrationOutput, "test", n); err != nil {
			t.Fatal(err)
		}
	}
	other := types.Notification{Key: "signal-def", Text: "ABC flagged"}
	if _, err := b.PublishPayload(ctx, types.EventIntegrationOutput, "test", other); err != nil {
		t.Fatal(err)
	}
	flush(t, b)

	sent := rec.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(sent))
	}
	if sent[0].Key != "signal-abc" || sent[1].Key != "signal-def" {
		t.Errorf("unexpected delivery order: %s, %s", sent[0].Key, sent[1].Key)
	}
	if fails := b.Failures(); len(fails) != 0 {
		t.Errorf("expected no subscriber failures, got %v", fails)
	}
}

func TestDispatcherFailsOnlyWhenEveryOutputFails(t *testing.T) {
	ctx := context.Background()
	ev, err := types.NewEvent(types.EventIntegrationOutput, "test", types.Notification{Key: "k1", Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	partial := NewRegistry()
	rec := NewRecorder("mock")
	partial.Register(rec)
	partial.Register(failingOutput{name: "broken"})
	if err := NewDispatcher(partial, nil).Handle(ctx, ev); err != nil {
		t.Errorf("partial failure should not fail the event: %v", err)
	}
	if len(rec.Sent()) != 1 {
		t.Errorf("expected working output to receive the notification")
	}

	allBroken := NewRegistry()
	allBroken.Register(failingOutput{name: "broken"})
	if err := NewDispatcher(allBroken, nil).Handle(ctx, ev); err == nil {
		t.Error("expected error when every output fails")
	}
}

func TestNotifierPublishesEachKeyOnce(t *testing.T) {
	b := newTestBus(t)
	rec := NewRecorder("mock")
	reg := NewRegistry()
	reg.Register(rec)
	d := NewDispatcher(reg, nil)
	if _, err := d.Attach(b); err != nil {
		t.Fatal(err)
	}

	outbox := state.NewOutbox(filepath.Join(t.TempDir(), "outbox"))
	clock := types.NewFixedClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	nt := NewNotifier(outbox, b, reg, clock)

	ctx := context.Background()
	n := types.Notification{Key: "briefing-2024-03-01", Text: "morning briefing"}
	key, routed, err := nt.Notify(ctx, n)
	if err != nil {
		t.Fatal(err)
	}
	if key != n.Key || routed != 1 {
		t.Errorf("expected key %s routed to 1 output, got %s / %d", n.Key, key, routed)
	}
	if _, _, err := nt.Notify(ctx, n); err != nil {
		t.Fatal(err)
	}
	flush(t, b)

	if got := len(rec.Sent()); got != 1 {
		t.Errorf("expected exactly one delivery, got %d", got)
	}
	if !outbox.Sent(key) {
		t.Error("expected outbox entry marked sent")
	}

	if _, _, err := nt.Notify(ctx, types.Notification{}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected validation error for empty text, got %v", err)
	}
}

func TestNotifierFlushPublishesBacklog(t *testing.T) {
	b := newTestBus(t)
	rec := NewRecorder("mock")
	reg := NewRegistry()
	reg.Register(rec)
	d := NewDispatcher(reg, nil)
	d.Attach(b)

	outbox := state.NewOutbox(filepath.Join(t.TempDir(), "outbox"))
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, text := range []string{"first", "second"} {
		if _, _, err := outbox.Enqueue(types.Notification{Text: text}, now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	nt := NewNotifier(outbox, b, reg, types.NewFixedClock(now))
	published, err := nt.Flush(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if published != 2 {
		t.Errorf("expected 2 published, got %d", published)
	}
	flush(t, b)

	sent := rec.Sent()
	if len(sent) != 2 || sent[0].Text != "first" || sent[1].Text != "second" {
		t.Errorf("unexpected deliveries: %+v", sent)
	}
	if pending, _ := outbox.Pending(); len(pending) != 0 {
		t.Errorf("expected empty outbox, got %d pending", len(pending))
	}
}

func TestNotifierConcurrentFlushesPublishEachKeyOnce(t *testing.T) {
	outbox := state.NewOutbox(filepath.Join(t.TempDir(), "outbox"))
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		n := types.Notification{Key: types.NotificationKey(fmt.Sprintf("k%02d", i)), Text: "fill"}
		if _, _, err := outbox.Enqueue(n, start.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	pub := &countingPublisher{counts: make(map[types.NotificationKey]int)}
	nt := NewNotifier(outbox, pub, NewRegistry(), types.NewFixedClock(start))

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := nt.Flush(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("flush: %v", err)
	}

	if len(pub.counts) != 20 {
		t.Fatalf("expected 20 keys published, got %d", len(pub.counts))
	}
	for key, n := range pub.counts {
		if n != 1 {
			t.Errorf("key %s published %d times", key, n)
		}
	}
}
