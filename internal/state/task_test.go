// internal/state/task_test.go
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/tedboudros/ClawQuant/internal/types"
)

func newTestTask(t *testing.T) *Task {
	t.Helper()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	task, err := NewTask("ai.prompt", "every 24h", json.RawMessage(`{"prompt":"morning review"}`), "human", created)
	if err != nil {
		t.Fatal(err)
	}
	task.Name = "morning-review"
	return task
}

func TestTaskStore_ListEmpty(t *testing.T) {
	store := NewTaskStore(filepath.Join(t.TempDir(), "tasks"))

	tasks, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected empty list, got %d tasks", len(tasks))
	}
}

func TestTaskStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	task := newTestTask(t)
	last := task.CreatedAt.Add(3 * time.Second)
	task.LastRunAt = &last
	task.NextRunAt = task.CreatedAt.Add(24 * time.Hour)
	task.LastStatus = TaskStatusSuccess
	task.LastMessage = "proposed 1 signal"

	if err := NewTaskStore(dir).Create(task); err != nil {
		t.Fatal(err)
	}

	// A fresh store simulates a process restart.
	got, err := NewTaskStore(dir).Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Payload bytes are re-indented on disk; compare them semantically.
	var compact bytes.Buffer
	if err := json.Compact(&compact, got.Payload); err != nil {
		t.Fatal(err)
	}
	if compact.String() != string(task.Payload) {
		t.Errorf("payload mismatch: %s", compact.String())
	}
	got.Payload = task.Payload
	if !reflect.DeepEqual(got, task) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, task)
	}
}

func TestTaskStore_CreateDuplicate(t *testing.T) {
	store := NewTaskStore(t.TempDir())
	task := newTestTask(t)

	if err := store.Create(task); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(task); err == nil {
		t.Error("expected error creating duplicate task")
	}
}

func TestTaskStore_CreateRejectsInvalid(t *testing.T) {
	store := NewTaskStore(t.TempDir())

	tests := []struct {
		name string
		task *Task
	}{
		{"missing handler", &Task{Schedule: "every 1h", CreatedAt: time.Now()}},
		{"bad schedule", &Task{HandlerName: "ai.prompt", Schedule: "whenever", CreatedAt: time.Now()}},
		{"bad creator", &Task{HandlerName: "ai.prompt", Schedule: "every 1h", CreatedBy: "robot", CreatedAt: time.Now()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.Create(tt.task); !errors.Is(err, types.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestTaskStore_Update(t *testing.T) {
	store := NewTaskStore(t.TempDir())
	task := newTestTask(t)
	if err := store.Create(task); err != nil {
		t.Fatal(err)
	}

	updated, err := store.Update(task.ID, func(tk *Task) error {
		tk.LastStatus = TaskStatusError
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.LastStatus != TaskStatusError {
		t.Errorf("expected status error, got %s", updated.LastStatus)
	}

	// A failing mutation writes nothing.
	_, err = store.Update(task.ID, func(tk *Task) error {
		tk.LastStatus = "changed"
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected error from aborted update")
	}
	got, _ := store.Get(task.ID)
	if got.LastStatus != TaskStatusError {
		t.Errorf("aborted update leaked: %s", got.LastStatus)
	}
}

func TestTaskStore_ConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	store := NewTaskStore(t.TempDir())
	a := newTestTask(t)
	b := newTestTask(t)
	for _, tk := range []*Task{a, b} {
		if err := store.Create(tk); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			store.Update(a.ID, func(tk *Task) error { tk.LastMessage += "a"; return nil })
		}()
		go func() {
			defer wg.Done()
			store.Update(b.ID, func(tk *Task) error { tk.LastMessage += "b"; return nil })
		}()
	}
	wg.Wait()

	gotA, _ := store.Get(a.ID)
	gotB, _ := store.Get(b.ID)
	if len(gotA.LastMessage) != 20 || len(gotB.LastMessage) != 20 {
		t.Errorf("lost updates: a=%d b=%d", len(gotA.LastMessage), len(gotB.LastMessage))
	}
}

func TestTaskStore_QuarantinesCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	store := NewTaskStore(dir)
	good := newTestTask(t)
	if err := store.Create(good); err != nil {
		t.Fatal(err)
	}

	bad := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(bad, []byte(`{"id": "broken", `), 0o644); err != nil {
		t.Fatal(err)
	}

	tasks, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != good.ID {
		t.Fatalf("expected only the good task, got %d tasks", len(tasks))
	}
	if q := store.Quarantined(); len(q) != 1 || q[0] != bad {
		t.Errorf("expected %s quarantined, got %v", bad, q)
	}

	var ioErr *types.SchedulerIOError
	if _, err := store.Get("broken"); !errors.As(err, &ioErr) {
		t.Errorf("expected SchedulerIOError, got %v", err)
	}
}

func TestTaskStore_Remove(t *testing.T) {
	store := NewTaskStore(t.TempDir())
	task := newTestTask(t)
	if err := store.Create(task); err != nil {
		t.Fatal(err)
	}

	if err := store.Remove(task.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.Remove(task.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := store.Get(task.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestTaskStore_SetEnabled(t *testing.T) {
	store := NewTaskStore(t.TempDir())
	task := newTestTask(t)
	if err := store.Create(task); err != nil {
		t.Fatal(err)
	}

	if err := store.SetEnabled(task.ID, false); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(task.ID)
	if got.Enabled {
		t.Error("expected task disabled")
	}
	if got.Due(got.NextRunAt.Add(time.Hour)) {
		t.Error("disabled task must never be due")
	}
}
