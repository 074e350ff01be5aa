// Package progress provides the store-backed progress reporter. It bridges
// the execution pipeline's checkpoint updates to the task repository, where
// they double as the worker's heartbeat for staleness detection.
package progress

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apprev "github.com/reviewhound/reviewhound/internal/app/review"
	"github.com/reviewhound/reviewhound/internal/domain/review"
)

var _ apprev.ProgressReporter = (*StoreProgressReporter)(nil)

// StoreProgressReporter persists progress updates through the task
// repository. Updates that lose a race with a terminal transition are
// silently discarded by the store.
type StoreProgressReporter struct {
	store  review.TaskRepository
	tracer trace.Tracer
}

// New creates a StoreProgressReporter.
func New(store review.TaskRepository, tracer trace.Tracer) *StoreProgressReporter {
	return &StoreProgressReporter{store: store, tracer: tracer}
}

// ReportProgress records a progress percentage and activity message for a
// task. It returns an error only when the store itself fails; a discarded
// update is not an error.
func (r *StoreProgressReporter) ReportProgress(ctx context.Context, taskID uuid.UUID, progress float64, message string) error {
	ctx, span := r.tracer.Start(
		ctx,
		"progress_reporter.report_progress",
		trace.WithAttributes(
			attribute.String("task_id", taskID.String()),
			attribute.Float64("progress", progress),
		),
	)
	defer span.End()

	if _, err := r.store.UpdateTaskProgress(ctx, taskID, progress, message); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to record task progress")
		return fmt.Errorf("failed to record task progress: %w", err)
	}
	span.SetStatus(codes.Ok, "task progress recorded")

	return nil
}
