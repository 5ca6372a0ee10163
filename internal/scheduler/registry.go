// internal/scheduler/registry.go
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tedboudros/ClawQuant/internal/state"
)

// Result is what a handler reports for one invocation. An empty Status
// means success.
type Result struct {
	Status  string
	Message string
}

func Success(format string, args ...any) Result {
	return Result{Status: state.TaskStatusSuccess, Message: fmt.Sprintf(format, args...)}
}

func NoAction(format string, args ...any) Result {
	return Result{Status: state.TaskStatusNoAction, Message: fmt.Sprintf(format, args...)}
}

func Failed(format string, args ...any) Result {
	return Result{Status: state.TaskStatusError, Message: fmt.Sprintf(format, args...)}
}

// Handler runs one task invocation. ctx is cancelled when the invocation
// exceeds the scheduler's handler timeout.
type Handler interface {
	Name() string
	Run(ctx context.Context, task *state.Task) (Result, error)
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, task *state.Task) (Result, error)
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Run(ctx context.Context, task *state.Task) (Result, error) {
	return h.fn(ctx, task)
}

// HandlerFunc adapts a function into a named Handler.
func HandlerFunc(name string, fn func(ctx context.Context, task *state.Task) (Result, error)) Handler {
	return funcHandler{name: name, fn: fn}
}

// Registry maps handler names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h. Registering the same name twice is an error.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[h.Name()]; exists {
		return fmt.Errorf("handler already registered: %s", h.Name())
	}
	r.handlers[h.Name()] = h
	return nil
}

// Get returns the handler registered under name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered handler names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
