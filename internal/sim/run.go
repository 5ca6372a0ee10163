package sim

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tedboudros/ClawQuant/internal/portfolio"
	"github.com/tedboudros/ClawQuant/internal/state"
	"github.com/tedboudros/ClawQuant/internal/types"
)

// State is a step of the run state machine:
// created → data_loaded → running → {completed, failed}.
type State string

const (
	StateCreated    State = "created"
	StateDataLoaded State = "data_loaded"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Status values reported on a Run.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

func (s State) status() string {
	switch s {
	case StateRunning:
		return StatusRunning
	case StateCompleted:
		return StatusCompleted
	case StateFailed:
		return StatusFailed
	}
	return StatusPending
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var transitions = map[State][]State{
	StateCreated:    {StateDataLoaded, StateFailed},
	StateDataLoaded: {StateRunning, StateFailed},
	StateRunning:    {StateCompleted, StateFailed},
}

// Run is the permanent record of one simulation.
type Run struct {
	ID        types.RunID        `json:"id"`
	Config    Config             `json:"config_snapshot"`
	State     State              `json:"state"`
	Status    string             `json:"status"`
	Error     string             `json:"error,omitempty"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
	Ticks     int                `json:"ticks"`
	Metrics   PerformanceMetrics `json:"metrics"`
	Models    []ModelMetrics     `json:"models"`
	Trades    []portfolio.Entry  `json:"trades"`
}

func newRun(id types.RunID, cfg Config, now time.Time) *Run {
	return &Run{
		ID:        id,
		Config:    cfg,
		State:     StateCreated,
		Status:    StateCreated.status(),
		StartedAt: now,
		Models:    []ModelMetrics{},
		Trades:    []portfolio.Entry{},
	}
}

// transition moves the run to next, refusing moves the state machine does
// not allow.
func (r *Run) transition(next State, now time.Time) error {
	allowed := false
	for _, s := range transitions[r.State] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("run %s: cannot move from %s to %s", r.ID, r.State, next)
	}
	r.State = next
	r.Status = next.status()
	if next.Terminal() {
		r.EndedAt = &now
	}
	return nil
}

// RunStore persists runs as <root>/<id>/run.json.
type RunStore struct {
	root string
}

func NewRunStore(root string) *RunStore {
	return &RunStore{root: root}
}

// Dir returns the sandbox directory for id.
func (s *RunStore) Dir(id types.RunID) string {
	return filepath.Join(s.root, string(id))
}

func (s *RunStore) Save(r *Run) error {
	return state.WriteJSONAtomic(filepath.Join(s.Dir(r.ID), "run.json"), r)
}

func (s *RunStore) Get(id types.RunID) (*Run, error) {
	var r Run
	if err := state.ReadJSON(filepath.Join(s.Dir(id), "run.json"), &r); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("simulation %s: %w", id, types.ErrNotFound)
		}
		return nil, err
	}
	return &r, nil
}

// List returns every stored run, newest first. Unreadable records are
// skipped.
func (s *RunStore) List() ([]*Run, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Run{}, nil
		}
		return nil, err
	}
	runs := make([]*Run, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		r, err := s.Get(types.RunID(e.Name()))
		if err != nil {
			continue
		}
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return runs, nil
}
