package review

import (
	"errors"
	"fmt"
)

// TaskStatus represents the lifecycle state of an individual analysis task.
// It enables tracking a task from submission through to a terminal outcome.
type TaskStatus string

// ErrTaskStatusUnknown is returned when a task status is unknown.
var ErrTaskStatusUnknown = errors.New("task status unknown")

const (
	// TaskStatusPending indicates a task is created but not yet claimed by a worker.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusProcessing indicates a worker is actively running the analysis pipeline.
	TaskStatusProcessing TaskStatus = "processing"

	// TaskStatusCompleted indicates a task finished successfully and has results.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed indicates a task encountered an unrecoverable error.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled indicates a task was stopped before completing,
	// either before it started or cooperatively while running.
	TaskStatusCancelled TaskStatus = "cancelled"

	// TaskStatusUnspecified is used when a task status is unknown.
	TaskStatusUnspecified TaskStatus = "unspecified"
)

// String returns the string representation of the TaskStatus.
func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether the status permits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// ParseTaskStatus converts a string to a TaskStatus.
func ParseTaskStatus(s string) TaskStatus {
	switch s {
	case "pending":
		return TaskStatusPending
	case "processing":
		return TaskStatusProcessing
	case "completed":
		return TaskStatusCompleted
	case "failed":
		return TaskStatusFailed
	case "cancelled":
		return TaskStatusCancelled
	default:
		return TaskStatusUnspecified
	}
}

// validateTransition checks if a status transition is valid and returns an error if not.
func (s TaskStatus) validateTransition(target TaskStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid task status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target status.
// It enforces the task lifecycle rules to prevent invalid state changes.
func (s TaskStatus) isValidTransition(target TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		// From pending, a worker claims the task or a cancel/reap lands before a worker does.
		return target == TaskStatusProcessing || target == TaskStatusCancelled || target == TaskStatusFailed
	case TaskStatusProcessing:
		// From processing, only terminal outcomes remain.
		return target == TaskStatusCompleted || target == TaskStatusFailed || target == TaskStatusCancelled
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		// Terminal states - no further transitions allowed.
		return false
	case TaskStatusUnspecified:
		// Cannot transition from unspecified state.
		return false
	default:
		return false
	}
}
