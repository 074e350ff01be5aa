package review

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrTaskNotFound is returned when no task exists for a given ID.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskAlreadyTerminal signals that an operation targeted a task that has
// already reached a terminal state. Cancellation and cleanup treat this as an
// expected no-op rather than a failure.
var ErrTaskAlreadyTerminal = errors.New("task already in terminal state")

// ConflictError is the expected, non-fatal signal from a compare-and-swap
// transition losing a race: the task's current status did not match the
// expected one. Callers re-read and decide; they never blindly overwrite.
type ConflictError struct {
	TaskID   uuid.UUID
	Expected TaskStatus
	Actual   TaskStatus
}

// Error returns a string representation of the error.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s transition conflict: expected status %s, found %s",
		e.TaskID, e.Expected, e.Actual)
}

// IsConflict reports whether err is a compare-and-swap conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// ErrorKind classifies a task-level failure for the persisted error payload.
type ErrorKind string

const (
	// ErrorKindFetch indicates the pull request's file set could not be fetched.
	ErrorKindFetch ErrorKind = "fetch_error"

	// ErrorKindAnalyze indicates the analysis pipeline failed at the task level.
	ErrorKindAnalyze ErrorKind = "analyze_error"

	// ErrorKindStaleTask indicates the reaper forced the task to failed after
	// its owning worker stopped updating it.
	ErrorKindStaleTask ErrorKind = "stale_task"

	// ErrorKindInternal indicates an unexpected failure in the lifecycle machinery.
	ErrorKindInternal ErrorKind = "internal_error"
)

// TaskError is the structured error payload persisted on a failed task.
// It is set exactly once, at the moment of the terminal transition.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NewTaskError creates a TaskError with the given kind and message.
func NewTaskError(kind ErrorKind, message string) *TaskError {
	return &TaskError{Kind: kind, Message: message}
}

// Error returns a string representation of the error.
func (e *TaskError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// FetchErrorKind identifies why fetching a pull request's files failed.
type FetchErrorKind string

const (
	FetchErrorKindAuth      FetchErrorKind = "auth"
	FetchErrorKindNotFound  FetchErrorKind = "not_found"
	FetchErrorKindRateLimit FetchErrorKind = "rate_limit"
	FetchErrorKindNetwork   FetchErrorKind = "network"
)

// FetchError is returned by the pull-request fetching collaborator. It is
// fatal to the task: no per-file work exists yet, so there is nothing to retry
// or salvage at this layer.
type FetchError struct {
	Kind FetchErrorKind
	Err  error
}

// Error returns a string representation of the error.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed (%s): %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *FetchError) Unwrap() error { return e.Err }

// AnalyzeError is returned by the per-file analyzer. Transient failures are
// retried with bounded backoff; persistent ones are recorded on the file and
// the pipeline moves on.
type AnalyzeError struct {
	Transient bool
	Err       error
}

// Error returns a string representation of the error.
func (e *AnalyzeError) Error() string {
	if e.Transient {
		return fmt.Sprintf("analyze failed (transient): %v", e.Err)
	}
	return fmt.Sprintf("analyze failed (persistent): %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *AnalyzeError) Unwrap() error { return e.Err }

// TaskInvalidStateError indicates an operation was attempted against a task
// whose current status does not permit it.
type TaskInvalidStateError struct {
	taskID uuid.UUID
	status TaskStatus
	reason string
}

// Error returns a string representation of the error.
func (e *TaskInvalidStateError) Error() string {
	return fmt.Sprintf("task %s is in invalid state %s: %s", e.taskID, e.status, e.reason)
}

// NewTaskInvalidStateError creates a TaskInvalidStateError.
func NewTaskInvalidStateError(taskID uuid.UUID, status TaskStatus, reason string) *TaskInvalidStateError {
	return &TaskInvalidStateError{taskID: taskID, status: status, reason: reason}
}

// Status returns the status the task was in when the operation was rejected.
func (e *TaskInvalidStateError) Status() TaskStatus { return e.status }
