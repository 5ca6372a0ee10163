// internal/types/interfaces.go
package types

import (
	"context"
	"sync"
	"time"
)

// AuditLog is the durable append-only record of every published event.
type AuditLog interface {
	Append(ctx context.Context, event *Event) error
	Tail(ctx context.Context, limit int) ([]*Event, error)
	LastSeq() int64
}

// Clock supplies the current time. Live components use SystemClock; the
// simulator substitutes its TimeContext.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock is a settable clock for tests.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}
