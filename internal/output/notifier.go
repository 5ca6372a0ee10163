package output

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tedboudros/ClawQuant/internal/state"
	"github.com/tedboudros/ClawQuant/internal/types"
)

// Publisher is the subset of the event bus the notifier needs.
type Publisher interface {
	PublishPayload(ctx context.Context, eventType, source string, payload any) (types.Event, error)
}

// Notifier records notifications in the outbox and publishes each pending
// one as an integration.output event exactly once.
type Notifier struct {
	outbox   *state.Outbox
	bus      Publisher
	registry *Registry
	clock    types.Clock

	// flushMu serializes the pending → publish → sent sequence so two
	// flushes never publish the same key.
	flushMu sync.Mutex
}

func NewNotifier(outbox *state.Outbox, bus Publisher, registry *Registry, clock types.Clock) *Notifier {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Notifier{outbox: outbox, bus: bus, registry: registry, clock: clock}
}

// Notify enqueues n and publishes everything pending. It returns the key
// and the number of outputs n routes to. Re-notifying a key that was
// already enqueued publishes nothing new.
func (nt *Notifier) Notify(ctx context.Context, n types.Notification) (types.NotificationKey, int, error) {
	if n.Text == "" {
		return "", 0, types.NewValidationError("notification", "text is required")
	}
	key, added, err := nt.outbox.Enqueue(n, nt.clock.Now())
	if err != nil {
		return "", 0, err
	}
	n.Key = key
	routed := len(nt.registry.Route(n))
	if !added {
		slog.Debug("notification already queued", "key", string(key))
	}
	if _, err := nt.Flush(ctx); err != nil {
		return key, routed, err
	}
	return key, routed, nil
}

// Flush publishes every pending notification and marks it sent. It stops
// at the first failure, leaving the rest pending.
func (nt *Notifier) Flush(ctx context.Context) (int, error) {
	nt.flushMu.Lock()
	defer nt.flushMu.Unlock()

	pending, err := nt.outbox.Pending()
	if err != nil {
		return 0, err
	}
	published := 0
	for _, n := range pending {
		if _, err := nt.bus.PublishPayload(ctx, types.EventIntegrationOutput, "notifier", n); err != nil {
			return published, fmt.Errorf("publish notification %s: %w", n.Key, err)
		}
		if err := nt.outbox.MarkSent(n.Key, nt.clock.Now()); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}
