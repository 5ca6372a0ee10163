// Package schedule parses task schedule expressions and computes run times.
//
// Three forms are accepted:
//
//	every <duration>   fixed interval anchored at the task's creation time ("every 24h", "every 1d", "@every 30m")
//	at <RFC3339>       a single run at the given instant
//	<cron expression>  5 or 6 field cron, or a descriptor such as "@daily"
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tedboudros/ClawQuant/internal/types"
)

// Schedule yields the run times of a task. anchor is the task's creation
// time; Next returns the first run strictly after the given completion time,
// or the zero time when the schedule has no further runs.
type Schedule interface {
	First(anchor time.Time) time.Time
	Next(anchor, after time.Time) time.Time
	String() string
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse parses expr. Malformed expressions return a ValidationError.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, types.NewValidationError("schedule", "schedule is required")
	}

	lower := strings.ToLower(expr)
	switch {
	case strings.HasPrefix(lower, "every "), strings.HasPrefix(lower, "@every "):
		fields := strings.Fields(expr)
		if len(fields) != 2 {
			return nil, types.NewValidationError("schedule", fmt.Sprintf("%q: expected \"every <duration>\"", expr))
		}
		d, err := parseDuration(fields[1])
		if err != nil {
			return nil, types.NewValidationError("schedule", fmt.Sprintf("%q: %v", expr, err))
		}
		return Interval{Every: d}, nil

	case strings.HasPrefix(lower, "at "):
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(expr[3:]))
		if err != nil {
			return nil, types.NewValidationError("schedule", fmt.Sprintf("%q: %v", expr, err))
		}
		return Once{At: at.UTC()}, nil
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, types.NewValidationError("schedule", fmt.Sprintf("%q: %v", expr, err))
	}
	return Cron{expr: expr, sched: sched}, nil
}

// parseDuration extends time.ParseDuration with a "d" (24h) unit.
func parseDuration(s string) (time.Duration, error) {
	var d time.Duration
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		d = time.Duration(days) * 24 * time.Hour
	} else {
		var err error
		d, err = time.ParseDuration(s)
		if err != nil {
			return 0, err
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive")
	}
	return d, nil
}

// Interval runs at anchor, anchor+Every, anchor+2*Every, ... Runs that were
// missed are skipped rather than replayed, and the grid never drifts with
// handler latency.
type Interval struct {
	Every time.Duration
}

func (i Interval) First(anchor time.Time) time.Time { return anchor }

func (i Interval) Next(anchor, after time.Time) time.Time {
	if after.Before(anchor) {
		return anchor
	}
	k := after.Sub(anchor)/i.Every + 1
	return anchor.Add(k * i.Every)
}

func (i Interval) String() string { return "every " + i.Every.String() }

// Cron wraps a robfig/cron schedule.
type Cron struct {
	expr  string
	sched cron.Schedule
}

func (c Cron) First(anchor time.Time) time.Time {
	return c.sched.Next(anchor.Add(-time.Nanosecond))
}

func (c Cron) Next(_, after time.Time) time.Time { return c.sched.Next(after) }

func (c Cron) String() string { return c.expr }

// Once runs a single time.
type Once struct {
	At time.Time
}

func (o Once) First(time.Time) time.Time { return o.At }

func (o Once) Next(_, after time.Time) time.Time {
	if after.Before(o.At) {
		return o.At
	}
	return time.Time{}
}

func (o Once) String() string { return "at " + o.At.Format(time.RFC3339) }
