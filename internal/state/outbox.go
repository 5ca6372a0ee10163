// internal/state/outbox.go
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tedboudros/ClawQuant/internal/types"
)

// outboxEntry is the on-disk format for pending notifications.
type outboxEntry struct {
	Notification types.Notification `json:"notification"`
	EnqueuedAt   time.Time          `json:"enqueued_at"`
	SentAt       *time.Time         `json:"sent_at,omitempty"`
}

// Outbox persists notifications until they have been published. Entries
// live at outbox/pending/<key>.json and move to outbox/sent/<key>.json once
// published, so re-enqueuing a delivered key is a no-op.
type Outbox struct {
	root string
	mu   sync.Mutex
}

// NewOutbox creates a new file-backed Outbox rooted at the given directory.
func NewOutbox(root string) *Outbox {
	return &Outbox{root: root}
}

func (o *Outbox) pendingPath(key types.NotificationKey) string {
	return filepath.Join(o.root, "pending", string(key)+".json")
}

func (o *Outbox) sentPath(key types.NotificationKey) string {
	return filepath.Join(o.root, "sent", string(key)+".json")
}

// Enqueue stores n for later publication. An empty key is replaced with a
// fresh one. Returns false when the key was already enqueued or sent.
func (o *Outbox) Enqueue(n types.Notification, now time.Time) (types.NotificationKey, bool, error) {
	if n.Key == "" {
		n.Key = types.NewNotificationKey()
	}
	if strings.ContainsAny(string(n.Key), `/\`) {
		return "", false, types.NewValidationError("notification", "key must not contain path separators")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, p := range []string{o.pendingPath(n.Key), o.sentPath(n.Key)} {
		if _, err := os.Stat(p); err == nil {
			return n.Key, false, nil
		}
	}

	entry := outboxEntry{Notification: n, EnqueuedAt: now}
	if err := WriteJSONAtomic(o.pendingPath(n.Key), entry); err != nil {
		return "", false, fmt.Errorf("enqueue notification: %w", err)
	}
	return n.Key, true, nil
}

// Pending returns unsent notifications in enqueue order.
func (o *Outbox) Pending() ([]types.Notification, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	dir := filepath.Join(o.root, "pending")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read outbox: %w", err)
	}

	var pending []outboxEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var entry outboxEntry
		if err := ReadJSON(filepath.Join(dir, e.Name()), &entry); err != nil {
			return nil, err
		}
		pending = append(pending, entry)
	}

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
	})

	out := make([]types.Notification, len(pending))
	for i, e := range pending {
		out[i] = e.Notification
	}
	return out, nil
}

// MarkSent moves a pending notification to the sent set.
func (o *Outbox) MarkSent(key types.NotificationKey, now time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var entry outboxEntry
	if err := ReadJSON(o.pendingPath(key), &entry); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("notification %s: %w", key, types.ErrNotFound)
		}
		return err
	}
	entry.SentAt = &now
	if err := WriteJSONAtomic(o.sentPath(key), entry); err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	if err := os.Remove(o.pendingPath(key)); err != nil {
		return fmt.Errorf("remove pending notification: %w", err)
	}
	return nil
}

// Sent reports whether key has been published.
func (o *Outbox) Sent(key types.NotificationKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, err := os.Stat(o.sentPath(key))
	return err == nil
}
