// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type EventID string
type TaskID string
type SignalID string
type RunID string
type NotificationKey string

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewTaskID() TaskID {
	return TaskID(uuid.New().String())
}

func NewSignalID() SignalID {
	return SignalID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewNotificationKey() NotificationKey {
	return NotificationKey(uuid.New().String())
}
