package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tedboudros/ClawQuant/internal/bus"
	"github.com/tedboudros/ClawQuant/internal/metrics"
	"github.com/tedboudros/ClawQuant/internal/types"
)

// Dispatcher consumes integration.output events and hands each logical
// notification to its outputs at most once.
type Dispatcher struct {
	registry *Registry
	metrics  *metrics.Recorder

	mu   sync.Mutex
	seen map[types.NotificationKey]bool
}

func NewDispatcher(registry *Registry, m *metrics.Recorder) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		metrics:  m,
		seen:     make(map[types.NotificationKey]bool),
	}
}

// Attach subscribes the dispatcher to b.
func (d *Dispatcher) Attach(b *bus.Bus) (*bus.Subscription, error) {
	return b.Subscribe(types.EventIntegrationOutput, "output.dispatcher", d.Handle)
}

// Handle delivers one integration.output event. A key already delivered is
// skipped. The event fails only when every routed output failed.
func (d *Dispatcher) Handle(ctx context.Context, ev types.Event) error {
	var n types.Notification
	if err := ev.Decode(&n); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	if n.Key == "" {
		n.Key = types.NotificationKey(ev.ID)
	}
	if !d.claim(n.Key) {
		slog.Debug("notification already delivered", "key", string(n.Key))
		d.metrics.Notification("", "duplicate")
		return nil
	}

	outputs := d.registry.Route(n)
	if len(outputs) == 0 {
		slog.Warn("no output for notification", "key", string(n.Key), "output", n.Output, "channel", n.Channel)
		d.metrics.Notification(n.Output, "unrouted")
		return nil
	}

	var errs []error
	for _, o := range outputs {
		if err := o.Send(ctx, n); err != nil {
			slog.Error("output send failed", "output", o.Name(), "key", string(n.Key), "error", err)
			d.metrics.Notification(o.Name(), "error")
			errs = append(errs, fmt.Errorf("%s: %w", o.Name(), err))
			continue
		}
		d.metrics.Notification(o.Name(), "sent")
	}
	if len(errs) == len(outputs) {
		return errors.Join(errs...)
	}
	return nil
}

func (d *Dispatcher) claim(key types.NotificationKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	return true
}
