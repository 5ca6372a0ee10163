// Package state provides filesystem-backed storage: the audit log, the task
// store, the notification outbox and the memory file.
package state

import "github.com/tedboudros/ClawQuant/internal/types"

// Compile-time interface compliance checks.
var _ types.AuditLog = (*AuditLog)(nil)
