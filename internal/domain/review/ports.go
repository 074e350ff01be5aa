// Package review provides domain types and interfaces for managing
// pull-request analysis tasks. It defines the task lifecycle state machine,
// the persisted task record, and the abstractions needed to dispatch work,
// track progress, and recover from abandoned workers.
package review

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskOutcome carries the payload of a terminal transition: exactly one of
// Result or Error, plus the message recorded on the task. Result and Error
// are mutually exclusive and each set at most once.
type TaskOutcome struct {
	Result  *AnalysisResults
	Error   *TaskError
	Message string
}

// TaskFilter narrows a task listing.
type TaskFilter struct {
	// Status restricts the listing to one status when non-empty.
	Status TaskStatus
	// Limit caps the number of returned tasks; zero means the store default.
	Limit int
}

// TaskRepository defines the persistence operations for analysis tasks.
// It is the only shared mutable resource in the system: every status change
// goes through the compare-and-swap TransitionTask, and the narrow
// progress/cancel write paths never touch status.
type TaskRepository interface {
	// CreateTask persists a new task's initial state.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask retrieves a task's current state, or ErrTaskNotFound.
	GetTask(ctx context.Context, taskID uuid.UUID) (*Task, error)

	// ListTasks returns tasks matching the filter, most-recent-first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// TransitionTask atomically moves a task from expected to next, applying
	// the outcome payload. If the task's current status differs from expected
	// it returns a *ConflictError and changes nothing; the caller re-reads
	// and decides. Concurrent callers with the same expected status succeed
	// for exactly one of them.
	TransitionTask(ctx context.Context, taskID uuid.UUID, expected, next TaskStatus, outcome TaskOutcome) (*Task, error)

	// UpdateTaskProgress records a progress/message update for a processing
	// task. It is a plain field update guarded only by an existence check:
	// updates against a task that is no longer processing, or that would move
	// progress backwards, are silently discarded.
	UpdateTaskProgress(ctx context.Context, taskID uuid.UUID, progress float64, message string) (*Task, error)

	// RequestTaskCancel sets the cancellation flag on a pending or processing
	// task. On a terminal task it returns ErrTaskAlreadyTerminal.
	RequestTaskCancel(ctx context.Context, taskID uuid.UUID) (*Task, error)

	// FindStaleTasks returns tasks in any of the given non-terminal statuses
	// whose last update is older than cutoff.
	FindStaleTasks(ctx context.Context, statuses []TaskStatus, cutoff time.Time) ([]*Task, error)

	// CountTasksByStatus returns a histogram of all stored tasks.
	CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error)
}

// PullRequestFetcher retrieves the ordered file set of a pull request.
// Failures carry a *FetchError kind that maps directly to task failure.
type PullRequestFetcher interface {
	FetchFiles(ctx context.Context, request ReviewRequest) ([]PullRequestFile, error)
}

// FileAnalyzer runs the opaque per-file analysis step. Failures carry an
// *AnalyzeError whose Transient flag drives the retry/skip policy.
type FileAnalyzer interface {
	AnalyzeFile(ctx context.Context, file PullRequestFile) ([]Issue, error)
}

// TaskEnqueuer hands a created task to the dispatcher for execution.
type TaskEnqueuer interface {
	EnqueueTask(ctx context.Context, taskID uuid.UUID) error
}

// ResultCache stores completed analysis results keyed by pull request so a
// resubmission of the same PR can be answered without re-running the
// pipeline. A nil result with a nil error means a cache miss.
type ResultCache interface {
	CachedResult(ctx context.Context, repoURL string, prNumber int) (*AnalysisResults, error)
	CacheResult(ctx context.Context, repoURL string, prNumber int, results *AnalysisResults) error
}
