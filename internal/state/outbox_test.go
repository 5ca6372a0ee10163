// internal/state/outbox_test.go
package state

import (
	"errors"
	"testing"
	"time"

	"github.com/tedboudros/ClawQuant/internal/types"
)

func TestOutbox_EnqueueAndDrain(t *testing.T) {
	ob := NewOutbox(t.TempDir())
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	k1, added, err := ob.Enqueue(types.Notification{Key: "first", Text: "one"}, now)
	if err != nil || !added {
		t.Fatalf("enqueue first: added=%v err=%v", added, err)
	}
	if _, _, err := ob.Enqueue(types.Notification{Key: "second", Text: "two"}, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	pending, err := ob.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].Key != "first" || pending[1].Key != "second" {
		t.Fatalf("unexpected pending order: %+v", pending)
	}

	if err := ob.MarkSent(k1, now); err != nil {
		t.Fatal(err)
	}
	if !ob.Sent(k1) {
		t.Error("expected first to be sent")
	}

	pending, _ = ob.Pending()
	if len(pending) != 1 || pending[0].Key != "second" {
		t.Errorf("expected only second pending, got %+v", pending)
	}
}

func TestOutbox_EnqueueIsIdempotentPerKey(t *testing.T) {
	ob := NewOutbox(t.TempDir())
	now := time.Now()

	if _, _, err := ob.Enqueue(types.Notification{Key: "k", Text: "hello"}, now); err != nil {
		t.Fatal(err)
	}
	if _, added, _ := ob.Enqueue(types.Notification{Key: "k", Text: "hello"}, now); added {
		t.Error("duplicate pending key must not be enqueued twice")
	}
	if err := ob.MarkSent("k", now); err != nil {
		t.Fatal(err)
	}
	if _, added, _ := ob.Enqueue(types.Notification{Key: "k", Text: "hello"}, now); added {
		t.Error("sent key must not be enqueued again")
	}
}

func TestOutbox_MarkSentUnknown(t *testing.T) {
	ob := NewOutbox(t.TempDir())
	if err := ob.MarkSent("missing", time.Now()); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestOutbox_GeneratesKey(t *testing.T) {
	ob := NewOutbox(t.TempDir())
	key, added, err := ob.Enqueue(types.Notification{Text: "no key"}, time.Now())
	if err != nil || !added || key == "" {
		t.Fatalf("expected generated key, got %q added=%v err=%v", key, added, err)
	}
}
