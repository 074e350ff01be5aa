package review

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/reviewhound/reviewhound/internal/domain/review"
	"github.com/reviewhound/reviewhound/internal/infra/storage/task/memory"
	"github.com/reviewhound/reviewhound/pkg/common/logger"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestReaper_Sweep_ForcesStaleProcessingToFailed(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()

	stuck := createPendingTask(t, store)
	_, err := store.TransitionTask(context.Background(), stuck.ID(), review.TaskStatusPending, review.TaskStatusProcessing, review.TaskOutcome{})
	require.NoError(t, err)

	// A pending task is not swept by default.
	queued := createPendingTask(t, store)

	// The claim above stamped updated_at with the real clock, so sweep from
	// a clock far in the future to make the task stale.
	clock := fixedClock{now: time.Now().UTC().Add(24 * time.Hour)}
	reaper := NewReaper(ReaperConfig{}, store, logger.Noop(), noop.NewTracerProvider().Tracer("test"),
		WithReaperTimeProvider(clock))

	report, err := reaper.Sweep(context.Background(), 30*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 1, report.CheckedCount)
	assert.Equal(t, 1, report.CleanedCount)
	assert.Equal(t, "30m0s", report.MaxAge)
	assert.Equal(t, clock.now.Add(-30*time.Minute), report.CutoffTime)
	require.Len(t, report.StuckTasks, 1)
	assert.Equal(t, stuck.ID(), report.StuckTasks[0])

	got, err := store.GetTask(context.Background(), stuck.ID())
	require.NoError(t, err)
	assert.Equal(t, review.TaskStatusFailed, got.Status())
	require.NotNil(t, got.TaskError())
	assert.Equal(t, review.ErrorKindStaleTask, got.TaskError().Kind)
	assert.Contains(t, got.TaskError().Message, "30m0s")

	stillQueued, err := store.GetTask(context.Background(), queued.ID())
	require.NoError(t, err)
	assert.Equal(t, review.TaskStatusPending, stillQueued.Status())
}

func TestReaper_Sweep_IncludePending(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	queued := createPendingTask(t, store)

	clock := fixedClock{now: time.Now().UTC().Add(24 * time.Hour)}
	reaper := NewReaper(ReaperConfig{IncludePending: true}, store, logger.Noop(), noop.NewTracerProvider().Tracer("test"),
		WithReaperTimeProvider(clock))

	report, err := reaper.Sweep(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CleanedCount)

	got, err := store.GetTask(context.Background(), queued.ID())
	require.NoError(t, err)
	assert.Equal(t, review.TaskStatusFailed, got.Status())
}

func TestReaper_Sweep_FreshTasksUntouched(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	task := createPendingTask(t, store)
	_, err := store.TransitionTask(context.Background(), task.ID(), review.TaskStatusPending, review.TaskStatusProcessing, review.TaskOutcome{})
	require.NoError(t, err)

	reaper := NewReaper(ReaperConfig{}, store, logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	report, err := reaper.Sweep(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, report.CheckedCount)
	assert.Zero(t, report.CleanedCount)
	assert.Empty(t, report.StuckTasks)

	got, err := store.GetTask(context.Background(), task.ID())
	require.NoError(t, err)
	assert.Equal(t, review.TaskStatusProcessing, got.Status())
}

// conflictOnTransitionStore simulates a worker finishing between the stale
// scan and the reaper's transition.
type conflictOnTransitionStore struct {
	review.TaskRepository
}

func (s *conflictOnTransitionStore) TransitionTask(
	ctx context.Context,
	taskID uuid.UUID,
	expected, next review.TaskStatus,
	outcome review.TaskOutcome,
) (*review.Task, error) {
	if next == review.TaskStatusFailed {
		return nil, &review.ConflictError{TaskID: taskID, Expected: expected, Actual: review.TaskStatusCompleted}
	}
	return s.TaskRepository.TransitionTask(ctx, taskID, expected, next, outcome)
}

func TestReaper_Sweep_LostRaceIsSkipped(t *testing.T) {
	t.Parallel()

	inner := memory.NewTaskStore()
	task := createPendingTask(t, inner)
	_, err := inner.TransitionTask(context.Background(), task.ID(), review.TaskStatusPending, review.TaskStatusProcessing, review.TaskOutcome{})
	require.NoError(t, err)

	store := &conflictOnTransitionStore{TaskRepository: inner}
	clock := fixedClock{now: time.Now().UTC().Add(24 * time.Hour)}
	reaper := NewReaper(ReaperConfig{}, store, logger.Noop(), noop.NewTracerProvider().Tracer("test"),
		WithReaperTimeProvider(clock))

	report, err := reaper.Sweep(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CheckedCount)
	assert.Zero(t, report.CleanedCount, "a lost compare-and-swap is not counted as cleaned")
}
