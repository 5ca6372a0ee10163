// Package output delivers integration.output notifications to the
// configured outputs.
package output

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tedboudros/ClawQuant/internal/types"
)

// Output sends notifications to one external destination.
type Output interface {
	Name() string
	Send(ctx context.Context, n types.Notification) error
}

// Registry maps output names to outputs.
type Registry struct {
	mu      sync.RWMutex
	outputs map[string]Output
}

func NewRegistry() *Registry {
	return &Registry{outputs: make(map[string]Output)}
}

// Register adds o. Registering the same name twice is an error.
func (r *Registry) Register(o Output) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.outputs[o.Name()]; exists {
		return fmt.Errorf("output already registered: %s", o.Name())
	}
	r.outputs[o.Name()] = o
	return nil
}

// Get returns the output registered under name.
func (r *Registry) Get(name string) (Output, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.outputs[name]
	return o, ok
}

// Names returns registered output names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.outputs))
	for name := range r.outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Route picks the outputs for n. An explicit Output name wins; otherwise a
// channel prefixed "<output>:" selects that output; otherwise every output
// receives it.
func (r *Registry) Route(n types.Notification) []Output {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n.Output != "" {
		if o, ok := r.outputs[n.Output]; ok {
			return []Output{o}
		}
		return nil
	}
	if prefix, _, found := strings.Cut(n.Channel, ":"); found {
		if o, ok := r.outputs[prefix]; ok {
			return []Output{o}
		}
	}

	names := make([]string, 0, len(r.outputs))
	for name := range r.outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Output, 0, len(names))
	for _, name := range names {
		out = append(out, r.outputs[name])
	}
	return out
}
