// Package review implements the application services that drive the task
// lifecycle: submission, dispatch to a bounded worker pool, the execution
// pipeline itself, and the stuck-task reaper.
package review

import (
	"context"

	"github.com/google/uuid"
)

// ProgressReporter records checkpoint progress for a running task. These
// writes double as the worker's heartbeat: the reaper treats a task whose
// last update is old as abandoned.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, taskID uuid.UUID, progress float64, message string) error
}
