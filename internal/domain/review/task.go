package review

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task tracks the full lifecycle of one pull-request analysis: submission,
// claiming, progress, cooperative cancellation, and a single terminal
// transition that attaches either a result or an error. All shared mutation
// goes through the repository's compare-and-swap transition; the aggregate
// itself enforces which transitions are legal.
type Task struct {
	id      uuid.UUID
	request ReviewRequest

	status   TaskStatus
	progress float64
	message  string

	cancelRequested bool
	originTaskID    *uuid.UUID

	result    *AnalysisResults
	taskError *TaskError

	timeline *Timeline
}

// TaskOption defines functional options for configuring a new Task.
type TaskOption func(*Task)

// WithTimeProvider sets a custom time provider for the task.
func WithTimeProvider(tp TimeProvider) TaskOption {
	return func(t *Task) { t.timeline = NewTimeline(tp) }
}

// WithOriginTask records the task this one was retriggered from.
// The back-reference is audit history only; it confers no ownership.
func WithOriginTask(originID uuid.UUID) TaskOption {
	return func(t *Task) { t.originTaskID = &originID }
}

// NewTask creates a pending Task for the given request.
func NewTask(id uuid.UUID, request ReviewRequest, opts ...TaskOption) *Task {
	task := &Task{
		id:       id,
		request:  request,
		status:   TaskStatusPending,
		timeline: NewTimeline(new(realTimeProvider)),
	}

	for _, opt := range opts {
		opt(task)
	}

	return task
}

// ReconstructTask creates a Task instance from persisted data without enforcing
// creation-time invariants. This should only be used by repositories when
// reconstructing from storage.
func ReconstructTask(
	id uuid.UUID,
	request ReviewRequest,
	status TaskStatus,
	progress float64,
	message string,
	cancelRequested bool,
	originTaskID *uuid.UUID,
	result *AnalysisResults,
	taskError *TaskError,
	timeline *Timeline,
) *Task {
	return &Task{
		id:              id,
		request:         request,
		status:          status,
		progress:        progress,
		message:         message,
		cancelRequested: cancelRequested,
		originTaskID:    originTaskID,
		result:          result,
		taskError:       taskError,
		timeline:        timeline,
	}
}

// ID returns the unique identifier for this task.
func (t *Task) ID() uuid.UUID { return t.id }

// Request returns the immutable input payload the task was submitted with.
func (t *Task) Request() ReviewRequest { return t.request }

// Status returns the current lifecycle state of the task.
func (t *Task) Status() TaskStatus { return t.status }

// Progress returns the completion percentage in [0,100]. It is non-decreasing
// while the task is processing.
func (t *Task) Progress() float64 { return t.progress }

// Message returns the current human-readable activity string.
func (t *Task) Message() string { return t.message }

// CancelRequested reports whether cancellation has been requested. The flag
// never changes status by itself; the running worker observes it at pipeline
// checkpoints, or the service completes a pending-task cancel directly.
func (t *Task) CancelRequested() bool { return t.cancelRequested }

// OriginTaskID returns the ID of the task this one was retriggered from,
// or nil for a directly submitted task.
func (t *Task) OriginTaskID() *uuid.UUID { return t.originTaskID }

// Result returns the analysis output, present once the task completed
// (or, marked incomplete, when a cancelled task preserved partial work).
func (t *Task) Result() *AnalysisResults { return t.result }

// TaskError returns the structured failure payload, present only when failed.
func (t *Task) TaskError() *TaskError { return t.taskError }

// CreatedAt returns the time the task was created.
func (t *Task) CreatedAt() time.Time { return t.timeline.CreatedAt() }

// StartedAt returns the time the task began processing.
func (t *Task) StartedAt() time.Time { return t.timeline.StartedAt() }

// CompletedAt returns the time the task reached a terminal state.
func (t *Task) CompletedAt() time.Time { return t.timeline.CompletedAt() }

// UpdatedAt returns the time of the task's most recent mutation. Staleness
// detection treats this as the worker's heartbeat.
func (t *Task) UpdatedAt() time.Time { return t.timeline.LastUpdate() }

// IsProcessing returns true if the task is in the processing state.
func (t *Task) IsProcessing() bool { return t.status == TaskStatusProcessing }

// IsTerminal returns true once the task has reached a terminal state.
func (t *Task) IsTerminal() bool { return t.status.IsTerminal() }

// UpdateStatus changes the task's status after validating the transition.
// It returns an error if the transition is not valid.
func (t *Task) UpdateStatus(newStatus TaskStatus) error {
	if err := t.status.validateTransition(newStatus); err != nil {
		return err
	}

	// Mark the start time when leaving pending for processing; this is the
	// beginning of actual task execution.
	if t.status == TaskStatusPending && newStatus == TaskStatusProcessing {
		t.timeline.MarkStarted()
	}

	if newStatus.IsTerminal() {
		t.timeline.MarkCompleted()
	}

	t.status = newStatus
	t.timeline.Touch()
	return nil
}

// Start transitions a task to processing. It can only be called on tasks in
// pending state; the repository's compare-and-swap guarantees only one worker
// ever succeeds at claiming.
func (t *Task) Start() error {
	return t.UpdateStatus(TaskStatusProcessing)
}

// OutOfOrderProgressError indicates a progress update would move the task's
// progress backwards and should be discarded.
type OutOfOrderProgressError struct {
	taskID   uuid.UUID
	progress float64
	current  float64
}

// Error returns a string representation of the error.
func (e *OutOfOrderProgressError) Error() string {
	return fmt.Sprintf("out of order progress update for task %s: %.1f is behind current %.1f",
		e.taskID, e.progress, e.current)
}

// ApplyProgress records a progress update while the task is processing.
// Progress is monotonic; a regressing update is rejected so a delayed write
// can never rewind the task.
func (t *Task) ApplyProgress(progress float64, message string) error {
	if t.status != TaskStatusProcessing {
		return &TaskInvalidStateError{taskID: t.id, status: t.status, reason: "progress updates require processing status"}
	}

	if progress < t.progress {
		return &OutOfOrderProgressError{taskID: t.id, progress: progress, current: t.progress}
	}
	if progress > 100 {
		progress = 100
	}

	t.progress = progress
	t.message = message
	t.timeline.Touch()
	return nil
}

// RequestCancel sets the cancellation flag. It is legal only while the task
// is pending or processing; on a terminal task it reports ErrTaskAlreadyTerminal
// so callers can treat it as a no-op. Repeated requests are idempotent.
func (t *Task) RequestCancel() error {
	if t.status.IsTerminal() {
		return ErrTaskAlreadyTerminal
	}
	if t.cancelRequested {
		return nil
	}

	t.cancelRequested = true
	t.timeline.Touch()
	return nil
}

// Complete marks the task completed and attaches its result. Final progress
// on a completed task is always 100.
func (t *Task) Complete(result *AnalysisResults) error {
	if result == nil {
		return &TaskInvalidStateError{taskID: t.id, status: t.status, reason: "completion requires a result"}
	}
	if err := t.UpdateStatus(TaskStatusCompleted); err != nil {
		return err
	}

	t.result = result
	t.progress = 100
	t.message = "Analysis completed successfully"
	return nil
}

// Fail marks the task failed and attaches the structured error payload.
func (t *Task) Fail(taskErr *TaskError) error {
	if taskErr == nil {
		return &TaskInvalidStateError{taskID: t.id, status: t.status, reason: "failure requires an error"}
	}
	if err := t.UpdateStatus(TaskStatusFailed); err != nil {
		return err
	}

	t.taskError = taskErr
	t.message = "Analysis failed"
	return nil
}

// Cancel marks the task cancelled. A partial result computed before the
// cancellation checkpoint may be preserved; it is surfaced marked incomplete.
func (t *Task) Cancel(partial *AnalysisResults, reason string) error {
	if err := t.UpdateStatus(TaskStatusCancelled); err != nil {
		return err
	}

	if partial != nil {
		partial.Incomplete = true
		t.result = partial
	}
	t.message = reason
	return nil
}

// DefaultStatusMessage returns the human-readable description used when a
// task carries no worker-supplied activity message.
func DefaultStatusMessage(status TaskStatus) string {
	switch status {
	case TaskStatusPending:
		return "Task is queued for processing"
	case TaskStatusProcessing:
		return "Analyzing pull request..."
	case TaskStatusCompleted:
		return "Analysis completed successfully"
	case TaskStatusFailed:
		return "Analysis failed"
	case TaskStatusCancelled:
		return "Task was cancelled"
	default:
		return "Unknown status"
	}
}
