package analyses

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an analysis. The server owns every transition.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every valid status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// ParseStatus normalizes and validates a status string.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return s, nil
	default:
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", raw)}
	}
}

// IsTerminal reports whether no further automatic transition can occur.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive reports whether the job is still queued or running.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing
}

// CanCancel reports whether a cancel request is valid in this state.
func (s Status) CanCancel() bool {
	return s.IsActive()
}

// CanDelete reports whether a delete request is valid in this state.
func (s Status) CanDelete() bool {
	return s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether moving from one status to another is a forward step.
// Repeating the same status is allowed; terminal states are permanent.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.rank() >= 0
	}
	if from.IsTerminal() || to.rank() < 0 || from.rank() < 0 {
		return false
	}
	return to.rank() > from.rank()
}

// CheckInvariants verifies the field rules that hold for each status.
func (a Analysis) CheckInvariants() error {
	hasResult := a.TotalEntries != nil || a.Report != nil || len(a.Encumbrances) > 0 || a.ArtifactRef != nil
	switch a.Status {
	case StatusPending, StatusProcessing:
		if hasResult {
			return fmt.Errorf("%w: %s analysis %s carries result fields", ErrInvariant, a.Status, a.ID)
		}
		if a.ErrorMessage != nil {
			return fmt.Errorf("%w: %s analysis %s carries an error message", ErrInvariant, a.Status, a.ID)
		}
		if a.CompletedAt != nil {
			return fmt.Errorf("%w: %s analysis %s has completed_at", ErrInvariant, a.Status, a.ID)
		}
	case StatusCompleted:
		if a.TotalEntries == nil || a.Report == nil || a.Encumbrances == nil {
			return fmt.Errorf("%w: completed analysis %s is missing result fields", ErrInvariant, a.ID)
		}
		if a.ErrorMessage != nil {
			return fmt.Errorf("%w: completed analysis %s carries an error message", ErrInvariant, a.ID)
		}
		if a.CompletedAt == nil {
			return fmt.Errorf("%w: completed analysis %s has no completed_at", ErrInvariant, a.ID)
		}
	case StatusFailed:
		if hasResult {
			return fmt.Errorf("%w: failed analysis %s carries result fields", ErrInvariant, a.ID)
		}
		if a.CompletedAt == nil {
			return fmt.Errorf("%w: failed analysis %s has no completed_at", ErrInvariant, a.ID)
		}
	default:
		return fmt.Errorf("%w: analysis %s has unknown status %q", ErrInvariant, a.ID, a.Status)
	}
	return nil
}
