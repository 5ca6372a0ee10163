// internal/state/audit_test.go
package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tedboudros/ClawQuant/internal/types"
)

func newTestEvent(typ string) *types.Event {
	return &types.Event{
		ID:        types.NewEventID(),
		Type:      typ,
		Source:    "test",
		Timestamp: time.Now(),
		Payload:   json.RawMessage(`{"text":"hello"}`),
	}
}

func TestAuditLog_AppendAssignsSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := OpenAuditLog(path)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ev := newTestEvent("signal.proposed")
		if err := log.Append(ctx, ev); err != nil {
			t.Fatal(err)
		}
		if ev.Seq != int64(i) {
			t.Errorf("expected seq %d, got %d", i, ev.Seq)
		}
	}

	events, err := log.Tail(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Seq != 2 || events[1].Seq != 3 {
		t.Errorf("expected seqs 2,3 got %d,%d", events[0].Seq, events[1].Seq)
	}
}

func TestAuditLog_ReopenResumesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()

	log, err := OpenAuditLog(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := log.Append(ctx, newTestEvent("task.completed")); err != nil {
			t.Fatal(err)
		}
	}
	log.Close()

	reopened, err := OpenAuditLog(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if reopened.LastSeq() != 2 {
		t.Errorf("expected last seq 2, got %d", reopened.LastSeq())
	}
	ev := newTestEvent("task.completed")
	if err := reopened.Append(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if ev.Seq != 3 {
		t.Errorf("expected seq 3 after reopen, got %d", ev.Seq)
	}
}

func TestAuditLog_AppendAfterCloseFails(t *testing.T) {
	log, err := OpenAuditLog(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	log.Close()

	ev := newTestEvent("task.completed")
	if err := log.Append(context.Background(), ev); err == nil {
		t.Fatal("expected error appending to closed log")
	}
	if ev.Seq != 0 {
		t.Errorf("failed append must not assign a seq, got %d", ev.Seq)
	}
}

func TestAuditLog_CorruptFileRefusesToOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	if err := os.WriteFile(path, []byte("{not json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenAuditLog(path); err == nil {
		t.Fatal("expected error opening corrupt audit log")
	}
}

func TestAuditLog_CorruptRecordMidFileRefusesToOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	data := `{"seq":1,"type":"task.completed"}` + "\n{not json\n" + `{"seq":3,"type":"task.completed"}` + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenAuditLog(path); err == nil {
		t.Fatal("expected error for a bad record before the end of the log")
	}
}

// A crash during Append can leave half a record with no newline.
func TestAuditLog_TornTrailingRecordIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()

	log, err := OpenAuditLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := log.Append(ctx, newTestEvent("task.completed")); err != nil {
		t.Fatal(err)
	}
	log.Close()

	intact, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"seq":2,"type":"task.comp`)
	f.Close()

	reopened, err := OpenAuditLog(path)
	if err != nil {
		t.Fatalf("torn tail should not block opening: %v", err)
	}
	defer reopened.Close()

	after, _ := os.ReadFile(path)
	if string(after) != string(intact) {
		t.Errorf("expected the torn record truncated away, file is now %q", after)
	}
	ev := newTestEvent("task.completed")
	if err := reopened.Append(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if ev.Seq != 2 {
		t.Errorf("expected seq 2 after recovery, got %d", ev.Seq)
	}
	events, err := reopened.Tail(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 readable events, got %d", len(events))
	}
}

func TestAuditLog_UnterminatedCompleteRecordIsKept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	if err := os.WriteFile(path, []byte(`{"seq":7,"type":"task.completed"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	log, err := OpenAuditLog(path)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	ev := newTestEvent("task.completed")
	if err := log.Append(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if ev.Seq != 8 {
		t.Errorf("expected seq 8, got %d", ev.Seq)
	}
	events, err := log.Tail(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("expected both records readable, got %d", len(events))
	}
}
