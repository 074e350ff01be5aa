package review

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reviewhound/reviewhound/internal/domain/review"
	"github.com/reviewhound/reviewhound/pkg/common/logger"
)

// timeProvider abstracts the clock so sweeps are testable.
type timeProvider interface{ Now() time.Time }

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now().UTC() }

// ReaperConfig tunes the stuck-task sweep.
type ReaperConfig struct {
	// Interval between periodic sweeps.
	Interval time.Duration

	// StalenessThreshold is the age of a task's last update beyond which its
	// worker is presumed dead.
	StalenessThreshold time.Duration

	// IncludePending extends the sweep to pending tasks that never got
	// claimed. Off by default: a full queue can legitimately delay claims.
	IncludePending bool
}

// CleanupReport summarizes one sweep.
type CleanupReport struct {
	CheckedCount int         `json:"checked_count"`
	CleanedCount int         `json:"cleaned_count"`
	MaxAge       string      `json:"max_age"`
	CutoffTime   time.Time   `json:"cutoff_time"`
	StuckTasks   []uuid.UUID `json:"stuck_tasks"`
}

// Reaper forces tasks whose workers went silent to a terminal failed state,
// making retrigger legal again. It never deletes records.
type Reaper struct {
	cfg   ReaperConfig
	store review.TaskRepository

	timeProvider timeProvider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// ReaperOption configures optional Reaper behavior.
type ReaperOption func(*Reaper)

// WithReaperTimeProvider overrides the clock. Intended for tests.
func WithReaperTimeProvider(tp timeProvider) ReaperOption {
	return func(r *Reaper) { r.timeProvider = tp }
}

// NewReaper creates a Reaper.
func NewReaper(cfg ReaperConfig, store review.TaskRepository, log *logger.Logger, tracer trace.Tracer, opts ...ReaperOption) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = 30 * time.Minute
	}
	r := &Reaper{
		cfg:          cfg,
		store:        store,
		timeProvider: realTimeProvider{},
		logger:       log.With("component", "reaper"),
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps periodically until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info(ctx, "reaper started",
		"interval", r.cfg.Interval.String(),
		"staleness_threshold", r.cfg.StalenessThreshold.String(),
		"include_pending", r.cfg.IncludePending)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx, r.cfg.StalenessThreshold); err != nil {
				r.logger.Error(ctx, "stale task sweep failed", "error", err)
			}
		}
	}
}

// Sweep finds tasks whose last update is older than maxAge and forces them
// to failed. A task whose worker finishes mid-sweep wins the race: the
// reaper's compare-and-swap loses with a conflict and the task is left
// alone.
func (r *Reaper) Sweep(ctx context.Context, maxAge time.Duration) (CleanupReport, error) {
	log := r.logger.With("operation", "sweep", "max_age", maxAge.String())
	ctx, span := r.tracer.Start(ctx, "reaper.sweep",
		trace.WithAttributes(attribute.String("max_age", maxAge.String())))
	defer span.End()

	cutoff := r.timeProvider.Now().UTC().Add(-maxAge)
	span.SetAttributes(attribute.String("cutoff_time", cutoff.Format(time.RFC3339)))

	statuses := []review.TaskStatus{review.TaskStatusProcessing}
	if r.cfg.IncludePending {
		statuses = append(statuses, review.TaskStatusPending)
	}

	stale, err := r.store.FindStaleTasks(ctx, statuses, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stale task detection failed")
		return CleanupReport{}, fmt.Errorf("finding stale tasks: %w", err)
	}

	report := CleanupReport{
		CheckedCount: len(stale),
		MaxAge:       maxAge.String(),
		CutoffTime:   cutoff,
		StuckTasks:   []uuid.UUID{},
	}
	span.AddEvent("stale_tasks_found", trace.WithAttributes(attribute.Int("count", len(stale))))

	for _, task := range stale {
		taskErr := review.NewTaskError(review.ErrorKindStaleTask,
			fmt.Sprintf("no progress for more than %s", maxAge))

		_, err := r.store.TransitionTask(ctx, task.ID(), task.Status(), review.TaskStatusFailed, review.TaskOutcome{Error: taskErr})
		if err != nil {
			if review.IsConflict(err) {
				// The worker completed its own transition first.
				span.AddEvent("reap_lost_race")
				log.Debug(ctx, "stale task resolved itself", "task_id", task.ID().String())
				continue
			}
			span.RecordError(err)
			log.Error(ctx, "failed to reap stale task", "task_id", task.ID().String(), "error", err)
			continue
		}

		report.CleanedCount++
		report.StuckTasks = append(report.StuckTasks, task.ID())
		log.Warn(ctx, "stale task forced to failed",
			"task_id", task.ID().String(),
			"last_update", task.UpdatedAt().Format(time.RFC3339))
	}

	span.SetAttributes(
		attribute.Int("checked_count", report.CheckedCount),
		attribute.Int("cleaned_count", report.CleanedCount),
	)
	span.SetStatus(codes.Ok, "sweep completed")
	return report, nil
}
