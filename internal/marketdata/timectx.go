package marketdata

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tedboudros/ClawQuant/internal/types"
)

// ErrTimeReversal is returned when a simulated clock is moved backwards.
var ErrTimeReversal = errors.New("time context cannot move backwards")

// TimeContext is the current time and availability cutoff for data reads.
// A simulated context only moves forward through Advance. A live context
// follows its clock. TimeContext implements types.Clock.
type TimeContext struct {
	mu      sync.RWMutex
	current time.Time
	cutoff  time.Time
	live    types.Clock
}

// NewTimeContext starts a simulated context at start with the cutoff set
// to start.
func NewTimeContext(start time.Time) *TimeContext {
	start = start.UTC()
	return &TimeContext{current: start, cutoff: start}
}

// NewLiveTimeContext returns a context whose time and cutoff are always
// clock.Now().
func NewLiveTimeContext(clock types.Clock) *TimeContext {
	return &TimeContext{live: clock}
}

// Advance moves a simulated context to t and sets the cutoff to t.
func (tc *TimeContext) Advance(t time.Time) error {
	if tc.live != nil {
		return errors.New("cannot advance a live time context")
	}
	t = t.UTC()

	tc.mu.Lock()
	defer tc.mu.Unlock()

	if t.Before(tc.current) {
		return fmt.Errorf("%w: %s is before %s", ErrTimeReversal, t.Format(time.RFC3339), tc.current.Format(time.RFC3339))
	}
	tc.current = t
	tc.cutoff = t
	return nil
}

// Now returns the current time.
func (tc *TimeContext) Now() time.Time {
	if tc.live != nil {
		return tc.live.Now()
	}
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.current
}

// Cutoff returns the latest AvailableAt a read may observe.
func (tc *TimeContext) Cutoff() time.Time {
	if tc.live != nil {
		return tc.live.Now()
	}
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.cutoff
}

// Simulated reports whether the context is driven by Advance.
func (tc *TimeContext) Simulated() bool {
	return tc.live == nil
}
