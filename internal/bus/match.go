package bus

import (
	"regexp"
	"strings"

	"github.com/tedboudros/ClawQuant/internal/types"
)

var patternSyntax = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*$`)

// Match reports whether an event type matches a subscription pattern.
//
//	"*"               matches every event
//	"signal.proposed" matches exactly that type
//	"signal"          matches every type under the signal namespace
//	"signal.*"        same as "signal"
func Match(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	default:
		return strings.HasPrefix(eventType, pattern+".")
	}
}

func checkPattern(pattern string) error {
	if pattern == "*" {
		return nil
	}
	if !patternSyntax.MatchString(strings.TrimSuffix(pattern, ".*")) {
		return types.NewValidationError("subscription", "pattern "+pattern+" is not an event type, namespace or \"*\"")
	}
	return nil
}
