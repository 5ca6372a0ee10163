// internal/types/errors.go
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrAudit      = errors.New("audit log write failed")
	ErrNotFound   = errors.New("not found")
	ErrDataGap    = errors.New("simulation data gap")
)

// ValidationError reports a malformed event, task, rule or config. It
// matches ErrValidation with errors.Is.
type ValidationError struct {
	Subject  string
	Problems []string
}

func NewValidationError(subject string, problems ...string) *ValidationError {
	return &ValidationError{Subject: subject, Problems: problems}
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("invalid %s", e.Subject)
	}
	return fmt.Sprintf("invalid %s: %s", e.Subject, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// HandlerFailure wraps an error returned (or panic raised) by a task handler.
type HandlerFailure struct {
	TaskID  TaskID
	Handler string
	Err     error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("handler %s failed for task %s: %v", e.Handler, e.TaskID, e.Err)
}

func (e *HandlerFailure) Unwrap() error { return e.Err }

// SchedulerIOError reports an unreadable or corrupt task record.
type SchedulerIOError struct {
	Path string
	Err  error
}

func (e *SchedulerIOError) Error() string {
	return fmt.Sprintf("task record %s: %v", e.Path, e.Err)
}

func (e *SchedulerIOError) Unwrap() error { return e.Err }

// DataGapError reports historical data missing for part of a simulated
// range. It matches ErrDataGap with errors.Is.
type DataGapError struct {
	Asset string
	From  time.Time
	To    time.Time
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("no price data for %s between %s and %s",
		e.Asset, e.From.Format(time.RFC3339), e.To.Format(time.RFC3339))
}

func (e *DataGapError) Is(target error) bool { return target == ErrDataGap }
