// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tedboudros/ClawQuant/internal/metrics"
	"github.com/tedboudros/ClawQuant/internal/schedule"
	"github.com/tedboudros/ClawQuant/internal/state"
	"github.com/tedboudros/ClawQuant/internal/types"
)

// Publisher is the subset of the event bus the scheduler needs.
type Publisher interface {
	PublishPayload(ctx context.Context, eventType, source string, payload any) (types.Event, error)
}

type Config struct {
	// PollInterval is how often Start checks for due tasks.
	PollInterval time.Duration
	// HandlerTimeout bounds one handler invocation. Zero means no limit.
	HandlerTimeout time.Duration
	// MaxConcurrent caps handlers running at once across all tasks.
	MaxConcurrent int64
}

type Option func(*Scheduler)

func WithClock(c types.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) { s.bus = p }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// TickReport lists what one Tick did with the due tasks it found.
type TickReport struct {
	Started  []types.TaskID
	InFlight []types.TaskID
	Unknown  []types.TaskID
}

// Scheduler polls the task store and runs due tasks through registered
// handlers. A task is never invoked again while a previous invocation of
// it is still running.
type Scheduler struct {
	store    *state.TaskStore
	registry *Registry
	bus      Publisher
	clock    types.Clock
	metrics  *metrics.Recorder
	cfg      Config
	sem      *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[types.TaskID]bool
	unknown  map[types.TaskID]bool

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New creates a Scheduler over store using the handlers in registry.
func New(store *state.TaskStore, registry *Registry, cfg Config, opts ...Option) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	s := &Scheduler{
		store:    store,
		registry: registry,
		clock:    types.SystemClock{},
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		inFlight: make(map[types.TaskID]bool),
		unknown:  make(map[types.TaskID]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick starts every enabled task whose NextRunAt is at or before now.
// Handlers run on their own goroutines; use Wait to block until they finish.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	var report TickReport

	tasks, err := s.store.List()
	if err != nil {
		return report, fmt.Errorf("list tasks: %w", err)
	}

	for _, task := range tasks {
		if !task.Due(now) {
			continue
		}

		handler, ok := s.registry.Get(task.HandlerName)
		if !ok {
			s.reportUnknown(task)
			report.Unknown = append(report.Unknown, task.ID)
			continue
		}

		if !s.claim(task.ID) {
			slog.Info("skipping task still in flight", "task_id", string(task.ID), "handler", task.HandlerName)
			s.metrics.TaskSkipped("in_flight")
			report.InFlight = append(report.InFlight, task.ID)
			continue
		}

		report.Started = append(report.Started, task.ID)
		s.wg.Add(1)
		go s.run(ctx, handler, task)
	}

	return report, nil
}

// RunNow invokes a task immediately regardless of its schedule. It fails if
// the task is already running.
func (s *Scheduler) RunNow(ctx context.Context, id types.TaskID) error {
	task, err := s.store.Get(id)
	if err != nil {
		return err
	}
	handler, ok := s.registry.Get(task.HandlerName)
	if !ok {
		return fmt.Errorf("unknown handler %q for task %s", task.HandlerName, id)
	}
	if !s.claim(id) {
		return fmt.Errorf("task %s is already running", id)
	}
	s.wg.Add(1)
	go s.run(ctx, handler, task)
	return nil
}

func (s *Scheduler) claim(id types.TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight[id] {
		return false
	}
	s.inFlight[id] = true
	return true
}

func (s *Scheduler) release(id types.TaskID) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

func (s *Scheduler) reportUnknown(task *state.Task) {
	s.mu.Lock()
	seen := s.unknown[task.ID]
	s.unknown[task.ID] = true
	s.mu.Unlock()

	s.metrics.TaskSkipped("unknown_handler")
	if !seen {
		slog.Error("task references unknown handler", "task_id", string(task.ID), "handler", task.HandlerName)
	}
}

type outcome struct {
	result Result
	err    error
}

// run executes one invocation and records its outcome. The in-flight claim
// is released only after the outcome is persisted, and after a timeout only
// once the handler goroutine has actually returned.
func (s *Scheduler) run(ctx context.Context, handler Handler, task *state.Task) {
	defer s.wg.Done()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.release(task.ID)
		return
	}

	hctx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.HandlerTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, s.cfg.HandlerTimeout)
	}

	started := time.Now()
	done := make(chan outcome, 1)
	go func() {
		res, err := invoke(hctx, handler, task)
		done <- outcome{result: res, err: err}
	}()

	var status, message string
	returned := true
	select {
	case out := <-done:
		status, message = classify(hctx, out)
	case <-hctx.Done():
		returned = false
		status = state.TaskStatusTimeout
		message = fmt.Sprintf("handler %s did not finish within %s", handler.Name(), s.cfg.HandlerTimeout)
		if ctx.Err() != nil {
			message = "scheduler stopped"
		}
	}
	cancel()
	s.sem.Release(1)

	s.metrics.TaskRun(handler.Name(), status, time.Since(started).Seconds())
	s.complete(ctx, task, status, message)

	if returned {
		s.release(task.ID)
		return
	}
	go func() {
		<-done
		s.release(task.ID)
	}()
}

// invoke runs the handler, turning a panic into an error. Every failure is
// returned as a *types.HandlerFailure naming the task and handler.
func invoke(ctx context.Context, handler Handler, task *state.Task) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			err = &types.HandlerFailure{TaskID: task.ID, Handler: handler.Name(), Err: err}
		}
	}()
	return handler.Run(ctx, task)
}

func classify(ctx context.Context, out outcome) (string, string) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return state.TaskStatusTimeout, "handler exceeded its timeout"
	case out.err != nil:
		return state.TaskStatusError, out.err.Error()
	case out.result.Status == "":
		return state.TaskStatusSuccess, out.result.Message
	default:
		return out.result.Status, out.result.Message
	}
}

// complete persists the run outcome and announces it on the bus.
func (s *Scheduler) complete(ctx context.Context, task *state.Task, status, message string) {
	completed := s.clock.Now()

	updated, err := s.store.Update(task.ID, func(t *state.Task) error {
		sched, err := schedule.Parse(t.Schedule)
		if err != nil {
			return err
		}
		t.LastRunAt = &completed
		t.LastStatus = status
		t.LastMessage = message
		next := sched.Next(t.CreatedAt, completed)
		if next.IsZero() {
			t.Enabled = false
			t.NextRunAt = completed
		} else {
			t.NextRunAt = next
		}
		return nil
	})
	if err != nil {
		slog.Error("failed to record task outcome", "task_id", string(task.ID), "error", err)
		return
	}

	if status == state.TaskStatusError || status == state.TaskStatusTimeout {
		slog.Warn("task failed", "task_id", string(task.ID), "handler", task.HandlerName, "status", status, "message", message)
	} else {
		slog.Info("task completed", "task_id", string(task.ID), "handler", task.HandlerName, "status", status, "next_run_at", updated.NextRunAt)
	}

	if s.bus == nil {
		return
	}
	eventType := types.EventTaskCompleted
	if status == state.TaskStatusError || status == state.TaskStatusTimeout {
		eventType = types.EventTaskFailed
	}
	payload := types.TaskOutcome{
		TaskID:      task.ID,
		HandlerName: task.HandlerName,
		Status:      status,
		Message:     message,
		CompletedAt: completed,
	}
	if _, err := s.bus.PublishPayload(context.WithoutCancel(ctx), eventType, "scheduler", payload); err != nil {
		slog.Error("failed to publish task outcome", "task_id", string(task.ID), "error", err)
	}
}

// Wait blocks until every started invocation has been recorded.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Start runs Tick on every PollInterval until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.loopDone = make(chan struct{})

	go func() {
		defer close(s.loopDone)
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		for {
			if _, err := s.Tick(ctx, s.clock.Now()); err != nil {
				slog.Error("scheduler tick failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	slog.Info("scheduler started", "poll_interval", s.cfg.PollInterval, "handlers", s.registry.Names())
}

// Stop ends the polling loop and waits for in-flight invocations.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.loopDone
	}
	s.Wait()
}
