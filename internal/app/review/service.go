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

// TaskService is the façade the HTTP layer talks to. It owns submission,
// polling, retrigger, cancellation, listing, and on-demand cleanup.
type TaskService struct {
	store    review.TaskRepository
	enqueuer review.TaskEnqueuer
	reaper   *Reaper
	cache    review.ResultCache // nil when caching is disabled

	logger *logger.Logger
	tracer trace.Tracer
}

// NewTaskService creates a TaskService. cache may be nil to disable answering
// submissions from previously completed analyses.
func NewTaskService(
	store review.TaskRepository,
	enqueuer review.TaskEnqueuer,
	reaper *Reaper,
	cache review.ResultCache,
	log *logger.Logger,
	tracer trace.Tracer,
) *TaskService {
	return &TaskService{
		store:    store,
		enqueuer: enqueuer,
		reaper:   reaper,
		cache:    cache,
		logger:   log.With("component", "task_service"),
		tracer:   tracer,
	}
}

// TaskListing is the result of List: the matching tasks plus a status
// histogram over all stored tasks.
type TaskListing struct {
	Tasks       []*review.Task
	StatusCount map[review.TaskStatus]int
}

// Submit validates a review request, persists a pending task, and hands it
// to the dispatcher. When result caching is enabled and a completed analysis
// for the same pull request exists, the task is answered from cache without
// enqueueing work.
func (s *TaskService) Submit(ctx context.Context, repoURL string, prNumber int, githubToken string) (*review.Task, error) {
	ctx, span := s.tracer.Start(ctx, "task_service.submit",
		trace.WithAttributes(attribute.Int("pr_number", prNumber)))
	defer span.End()

	request, err := review.NewReviewRequest(repoURL, prNumber, githubToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid review request")
		return nil, err
	}

	task := review.NewTask(uuid.New(), request)
	if err := s.store.CreateTask(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist task")
		return nil, fmt.Errorf("creating task: %w", err)
	}
	span.SetAttributes(attribute.String("task_id", task.ID().String()))

	if s.cache != nil {
		if done, ok := s.completeFromCache(ctx, task, request); ok {
			span.AddEvent("answered_from_cache")
			return done, nil
		}
	}

	if err := s.enqueuer.EnqueueTask(ctx, task.ID()); err != nil {
		return nil, s.failEnqueue(ctx, span, task, err)
	}

	span.AddEvent("task_enqueued")
	slug, _ := request.RepoSlug()
	s.logger.Info(ctx, "task submitted",
		"task_id", task.ID().String(), "repository", slug, "pr_number", prNumber)
	return task, nil
}

// Status returns a task's current state.
func (s *TaskService) Status(ctx context.Context, taskID uuid.UUID) (*review.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// Results returns a terminal task. The caller reads the result or error
// payload off the task. A non-terminal task yields a TaskInvalidStateError:
// polling status never blocks, and results exist only once work stopped.
func (s *TaskService) Results(ctx context.Context, taskID uuid.UUID) (*review.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status().IsTerminal() {
		return nil, review.NewTaskInvalidStateError(taskID, task.Status(), "results are not available until the task finishes")
	}
	return task, nil
}

// Retrigger clones a failed or cancelled task into a fresh pending task and
// enqueues it. The original is left untouched as history.
func (s *TaskService) Retrigger(ctx context.Context, taskID uuid.UUID) (*review.Task, error) {
	ctx, span := s.tracer.Start(ctx, "task_service.retrigger",
		trace.WithAttributes(attribute.String("origin_task_id", taskID.String())))
	defer span.End()

	origin, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if origin.Status() != review.TaskStatusFailed && origin.Status() != review.TaskStatusCancelled {
		err := review.NewTaskInvalidStateError(taskID, origin.Status(), "only failed or cancelled tasks can be retriggered")
		span.RecordError(err)
		span.SetStatus(codes.Error, "task not retriggerable")
		return nil, err
	}

	originID := origin.ID()
	clone := review.NewTask(uuid.New(), origin.Request(), review.WithOriginTask(originID))
	if err := s.store.CreateTask(ctx, clone); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist clone")
		return nil, fmt.Errorf("creating retriggered task: %w", err)
	}
	span.SetAttributes(attribute.String("task_id", clone.ID().String()))

	if err := s.enqueuer.EnqueueTask(ctx, clone.ID()); err != nil {
		return nil, s.failEnqueue(ctx, span, clone, err)
	}

	s.logger.Info(ctx, "task retriggered",
		"task_id", clone.ID().String(), "origin_task_id", originID.String())
	return clone, nil
}

// Cancel requests cooperative cancellation. A pending task is cancelled
// immediately when no worker has claimed it; a processing task keeps running
// until its worker observes the flag at the next checkpoint. Cancelling a
// terminal task reports ErrTaskAlreadyTerminal.
func (s *TaskService) Cancel(ctx context.Context, taskID uuid.UUID) (*review.Task, error) {
	ctx, span := s.tracer.Start(ctx, "task_service.cancel",
		trace.WithAttributes(attribute.String("task_id", taskID.String())))
	defer span.End()

	task, err := s.store.RequestTaskCancel(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.AddEvent("cancel_requested")

	if task.Status() == review.TaskStatusPending {
		outcome := review.TaskOutcome{Message: "Task cancelled by user request"}
		cancelled, err := s.store.TransitionTask(ctx, taskID, review.TaskStatusPending, review.TaskStatusCancelled, outcome)
		if err == nil {
			span.AddEvent("cancelled_before_claim")
			s.logger.Info(ctx, "pending task cancelled", "task_id", taskID.String())
			return cancelled, nil
		}
		if !review.IsConflict(err) {
			span.RecordError(err)
			return nil, fmt.Errorf("cancelling pending task %s: %w", taskID, err)
		}
		// A worker claimed it between the flag write and the swap; the flag
		// stays set and the worker will observe it.
		span.AddEvent("claimed_during_cancel")
	}

	s.logger.Info(ctx, "cancellation flagged", "task_id", taskID.String(), "status", task.Status().String())
	return task, nil
}

// List returns tasks matching the filter plus a status histogram.
func (s *TaskService) List(ctx context.Context, filter review.TaskFilter) (TaskListing, error) {
	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return TaskListing{}, fmt.Errorf("listing tasks: %w", err)
	}
	counts, err := s.store.CountTasksByStatus(ctx)
	if err != nil {
		return TaskListing{}, fmt.Errorf("counting tasks: %w", err)
	}
	return TaskListing{Tasks: tasks, StatusCount: counts}, nil
}

// Cleanup runs an on-demand stale-task sweep with the given age threshold.
func (s *TaskService) Cleanup(ctx context.Context, maxAge time.Duration) (CleanupReport, error) {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return s.reaper.Sweep(ctx, maxAge)
}

// completeFromCache finishes a freshly created task with a cached result.
// The task passes through processing so the terminal transition follows the
// same edges as real work.
func (s *TaskService) completeFromCache(ctx context.Context, task *review.Task, request review.ReviewRequest) (*review.Task, bool) {
	cached, err := s.cache.CachedResult(ctx, request.RepoURL(), request.PRNumber())
	if err != nil {
		s.logger.Warn(ctx, "result cache lookup failed", "task_id", task.ID().String(), "error", err)
		return nil, false
	}
	if cached == nil || cached.Incomplete {
		return nil, false
	}

	claimed, err := s.store.TransitionTask(ctx, task.ID(), review.TaskStatusPending, review.TaskStatusProcessing, review.TaskOutcome{})
	if err != nil {
		return nil, false
	}
	done, err := s.store.TransitionTask(ctx, claimed.ID(), review.TaskStatusProcessing, review.TaskStatusCompleted, review.TaskOutcome{Result: cached})
	if err != nil {
		return nil, false
	}

	slug, _ := request.RepoSlug()
	s.logger.Info(ctx, "task answered from result cache",
		"task_id", task.ID().String(), "repository", slug, "pr_number", request.PRNumber())
	return done, true
}

// failEnqueue marks a task that could not be handed to the dispatcher as
// failed so it does not linger pending forever.
func (s *TaskService) failEnqueue(ctx context.Context, span trace.Span, task *review.Task, enqueueErr error) error {
	span.RecordError(enqueueErr)
	span.SetStatus(codes.Error, "failed to enqueue task")

	taskErr := review.NewTaskError(review.ErrorKindInternal, fmt.Sprintf("task could not be dispatched: %v", enqueueErr))
	if _, err := s.store.TransitionTask(ctx, task.ID(), review.TaskStatusPending, review.TaskStatusFailed, review.TaskOutcome{Error: taskErr}); err != nil && !review.IsConflict(err) {
		s.logger.Error(ctx, "failed to mark undispatched task failed", "task_id", task.ID().String(), "error", err)
	}

	return fmt.Errorf("dispatching task %s: %w", task.ID(), enqueueErr)
}
