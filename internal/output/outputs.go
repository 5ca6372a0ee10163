package output

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tedboudros/ClawQuant/internal/types"
)

// Recorder keeps every notification in memory instead of sending it. The
// simulator binds it as its only output.
type Recorder struct {
	name string
	mu   sync.Mutex
	sent []types.Notification
}

func NewRecorder(name string) *Recorder {
	return &Recorder{name: name}
}

func (r *Recorder) Name() string { return r.name }

func (r *Recorder) Send(_ context.Context, n types.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []types.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// Log writes notifications to the structured log.
type Log struct{}

func (Log) Name() string { return "log" }

func (Log) Send(_ context.Context, n types.Notification) error {
	slog.Info("notification", "key", string(n.Key), "title", n.Title, "text", n.Text, "signal_id", string(n.SignalID))
	return nil
}
