// internal/state/task.go
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tedboudros/ClawQuant/internal/schedule"
	"github.com/tedboudros/ClawQuant/internal/types"
	"github.com/tedboudros/ClawQuant/internal/validate"
)

// Task statuses recorded in LastStatus.
const (
	TaskStatusSuccess  = "success"
	TaskStatusError    = "error"
	TaskStatusTimeout  = "timeout"
	TaskStatusNoAction = "no_action"
)

// Task is a scheduled invocation of a named handler.
type Task struct {
	ID          types.TaskID    `json:"id" validate:"required"`
	Name        string          `json:"name,omitempty"`
	HandlerName string          `json:"handler_name" validate:"required"`
	Schedule    string          `json:"schedule" validate:"required"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Enabled     bool            `json:"enabled"`
	CreatedBy   string          `json:"created_by,omitempty" validate:"omitempty,oneof=human ai system"`
	CreatedAt   time.Time       `json:"created_at" validate:"required"`
	LastRunAt   *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt   time.Time       `json:"next_run_at"`
	LastStatus  string          `json:"last_status,omitempty"`
	LastMessage string          `json:"last_message,omitempty"`
}

// NewTask builds an enabled task whose first run is computed from the
// schedule anchored at createdAt.
func NewTask(handlerName, sched string, payload json.RawMessage, createdBy string, createdAt time.Time) (*Task, error) {
	s, err := schedule.Parse(sched)
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:          types.NewTaskID(),
		HandlerName: handlerName,
		Schedule:    sched,
		Payload:     payload,
		Enabled:     true,
		CreatedBy:   createdBy,
		CreatedAt:   createdAt.UTC(),
		NextRunAt:   s.First(createdAt.UTC()),
	}, nil
}

// Due reports whether the task is enabled and its next run is at or before now.
func (t *Task) Due(now time.Time) bool {
	return t.Enabled && !t.NextRunAt.After(now)
}

// TaskStore keeps one JSON file per task under a directory. Writes are
// atomic per file; a read-modify-write on one task never touches another.
type TaskStore struct {
	dir   string
	mu    sync.Mutex
	locks map[types.TaskID]*sync.Mutex

	quarantined map[string]bool
}

// NewTaskStore creates a new file-backed TaskStore rooted at dir.
func NewTaskStore(dir string) *TaskStore {
	return &TaskStore{
		dir:         dir,
		locks:       make(map[types.TaskID]*sync.Mutex),
		quarantined: make(map[string]bool),
	}
}

// Path returns the directory used by this store.
func (s *TaskStore) Path() string {
	return s.dir
}

func (s *TaskStore) taskPath(id types.TaskID) string {
	return filepath.Join(s.dir, string(id)+".json")
}

// getLock returns the per-task mutex, creating one if it doesn't exist.
func (s *TaskStore) getLock(id types.TaskID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[id] = lock
	return lock
}

// Create validates and persists a new task. Returns an error if a task
// with the same ID already exists.
func (s *TaskStore) Create(task *Task) error {
	if task.ID == "" {
		task.ID = types.NewTaskID()
	}
	if err := checkTask(task); err != nil {
		return err
	}

	lock := s.getLock(task.ID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(s.taskPath(task.ID)); err == nil {
		return fmt.Errorf("task already exists: %s", task.ID)
	}
	return s.save(task)
}

// Get reads a task by ID.
func (s *TaskStore) Get(id types.TaskID) (*Task, error) {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	return s.load(s.taskPath(id))
}

// List returns every readable task ordered by creation time. Corrupt
// records are quarantined: logged once, excluded from the result, and
// reported by Quarantined. A missing directory yields an empty list.
func (s *TaskStore) List() ([]*Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Task{}, nil
		}
		return nil, &types.SchedulerIOError{Path: s.dir, Err: err}
	}

	tasks := make([]*Task, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := types.TaskID(strings.TrimSuffix(name, ".json"))

		lock := s.getLock(id)
		lock.Lock()
		task, err := s.load(filepath.Join(s.dir, name))
		lock.Unlock()

		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			s.quarantine(filepath.Join(s.dir, name), err)
			continue
		}
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (s *TaskStore) quarantine(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quarantined[path] {
		return
	}
	s.quarantined[path] = true
	slog.Error("quarantined unreadable task record", "path", path, "error", err)
}

// Quarantined returns the paths of task records excluded as corrupt.
func (s *TaskStore) Quarantined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0, len(s.quarantined))
	for p := range s.quarantined {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Update applies fn to the stored task under its lock and writes the result
// back atomically. If fn returns an error nothing is written.
func (s *TaskStore) Update(id types.TaskID, fn func(*Task) error) (*Task, error) {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.load(s.taskPath(id))
	if err != nil {
		return nil, err
	}
	if err := fn(task); err != nil {
		return nil, err
	}
	task.ID = id
	if err := checkTask(task); err != nil {
		return nil, err
	}
	if err := s.save(task); err != nil {
		return nil, err
	}
	return task, nil
}

// SetEnabled toggles the enabled flag for a task.
func (s *TaskStore) SetEnabled(id types.TaskID, enabled bool) error {
	_, err := s.Update(id, func(t *Task) error {
		t.Enabled = enabled
		return nil
	})
	return err
}

// Remove deletes a task by ID.
func (s *TaskStore) Remove(id types.TaskID) error {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.taskPath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("task %s: %w", id, types.ErrNotFound)
		}
		return &types.SchedulerIOError{Path: s.taskPath(id), Err: err}
	}
	return nil
}

// load reads one task file. Caller must hold the task lock.
func (s *TaskStore) load(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("task %s: %w", filepath.Base(path), types.ErrNotFound)
		}
		return nil, &types.SchedulerIOError{Path: path, Err: err}
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, &types.SchedulerIOError{Path: path, Err: fmt.Errorf("unmarshal task: %w", err)}
	}
	if err := checkTask(&task); err != nil {
		return nil, &types.SchedulerIOError{Path: path, Err: err}
	}
	return &task, nil
}

// save writes the task to disk using atomic write (temp file + fsync + rename).
// Caller must hold the task lock.
func (s *TaskStore) save(task *Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := WriteFileAtomic(s.taskPath(task.ID), data); err != nil {
		return &types.SchedulerIOError{Path: s.taskPath(task.ID), Err: err}
	}
	return nil
}

func checkTask(task *Task) error {
	if err := validate.Struct("task", task); err != nil {
		return err
	}
	if _, err := schedule.Parse(task.Schedule); err != nil {
		return err
	}
	return nil
}
