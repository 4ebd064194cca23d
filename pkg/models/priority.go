package models

import (
	"fmt"
	"strings"
)

// Priority orders messages under load. Higher values are more important.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase name used in logs and metric labels.
func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// IsValid checks if the priority is one of the defined levels.
func (p Priority) IsValid() bool {
	return p >= PriorityNormal && p <= PriorityCritical
}

// ParsePriority parses "normal", "high" or "critical" (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// PriorityForEventType returns the routing priority of a lifecycle event.
// Start and completion must survive load shedding; tool events are high.
func PriorityForEventType(t string) Priority {
	switch t {
	case EventTypeAgentStarted, EventTypeAgentCompleted:
		return PriorityCritical
	case EventTypeToolExecuting, EventTypeToolCompleted:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}
