package review

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTimeProvider implements TimeProvider for testing.
type mockTimeProvider struct{ currentTime time.Time }

func (m *mockTimeProvider) Now() time.Time { return m.currentTime }

func mustRequest(t *testing.T) ReviewRequest {
	t.Helper()
	req, err := NewReviewRequest("https://github.com/octocat/hello-world", 42, "")
	require.NoError(t, err)
	return req
}

func TestNewTask(t *testing.T) {
	t.Parallel()

	taskID := uuid.New()
	mockTime := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	task := NewTask(taskID, mustRequest(t), WithTimeProvider(&mockTimeProvider{currentTime: mockTime}))

	require.NotNil(t, task)
	assert.Equal(t, taskID, task.ID())
	assert.Equal(t, TaskStatusPending, task.Status())
	assert.Equal(t, float64(0), task.Progress())
	assert.False(t, task.CancelRequested())
	assert.Nil(t, task.OriginTaskID())
	assert.Nil(t, task.Result())
	assert.Nil(t, task.TaskError())
	assert.Equal(t, mockTime, task.CreatedAt())
	assert.Equal(t, mockTime, task.UpdatedAt())
	assert.True(t, task.StartedAt().IsZero())
	assert.True(t, task.CompletedAt().IsZero())
}

func TestNewTask_WithOriginTask(t *testing.T) {
	t.Parallel()

	originID := uuid.New()
	task := NewTask(uuid.New(), mustRequest(t), WithOriginTask(originID))

	require.NotNil(t, task.OriginTaskID())
	assert.Equal(t, originID, *task.OriginTaskID())
	assert.Equal(t, TaskStatusPending, task.Status())
}

func TestTask_Start(t *testing.T) {
	t.Parallel()

	task := NewTask(uuid.New(), mustRequest(t))

	require.NoError(t, task.Start())
	assert.Equal(t, TaskStatusProcessing, task.Status())
	assert.False(t, task.StartedAt().IsZero())

	// A second claim against an already-processing task must not succeed.
	assert.Error(t, task.Start())
}

func TestTask_ApplyProgress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		setupTask func(t *testing.T) *Task
		progress  float64
		message   string
		wantErr   bool
		verify    func(*testing.T, *Task)
	}{
		{
			name: "basic progress update",
			setupTask: func(t *testing.T) *Task {
				task := NewTask(uuid.New(), mustRequest(t))
				require.NoError(t, task.Start())
				return task
			},
			progress: 33.3,
			message:  "Analyzed 1/3 files",
			verify: func(t *testing.T, task *Task) {
				assert.Equal(t, 33.3, task.Progress())
				assert.Equal(t, "Analyzed 1/3 files", task.Message())
			},
		},
		{
			name: "progress never regresses",
			setupTask: func(t *testing.T) *Task {
				task := NewTask(uuid.New(), mustRequest(t))
				require.NoError(t, task.Start())
				require.NoError(t, task.ApplyProgress(66.6, "Analyzed 2/3 files"))
				return task
			},
			progress: 33.3,
			wantErr:  true,
			verify: func(t *testing.T, task *Task) {
				assert.Equal(t, 66.6, task.Progress())
			},
		},
		{
			name: "progress clamped to 100",
			setupTask: func(t *testing.T) *Task {
				task := NewTask(uuid.New(), mustRequest(t))
				require.NoError(t, task.Start())
				return task
			},
			progress: 120,
			verify: func(t *testing.T, task *Task) {
				assert.Equal(t, float64(100), task.Progress())
			},
		},
		{
			name: "rejected while pending",
			setupTask: func(t *testing.T) *Task {
				return NewTask(uuid.New(), mustRequest(t))
			},
			progress: 10,
			wantErr:  true,
		},
		{
			name: "rejected after completion",
			setupTask: func(t *testing.T) *Task {
				task := NewTask(uuid.New(), mustRequest(t))
				require.NoError(t, task.Start())
				require.NoError(t, task.Complete(&AnalysisResults{Summary: AnalysisSummary{}}))
				return task
			},
			progress: 50,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			task := tt.setupTask(t)
			err := task.ApplyProgress(tt.progress, tt.message)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			if tt.verify != nil {
				tt.verify(t, task)
			}
		})
	}
}

func TestTask_Complete(t *testing.T) {
	t.Parallel()

	task := NewTask(uuid.New(), mustRequest(t))
	require.NoError(t, task.Start())

	result := &AnalysisResults{
		Files:   []FileAnalysis{{Name: "main.go", Path: "cmd/main.go", Issues: []Issue{}}},
		Summary: BuildSummary(nil),
	}
	require.NoError(t, task.Complete(result))

	assert.Equal(t, TaskStatusCompleted, task.Status())
	assert.Equal(t, float64(100), task.Progress())
	assert.Equal(t, result, task.Result())
	assert.Nil(t, task.TaskError())
	assert.False(t, task.CompletedAt().IsZero())
}

func TestTask_Complete_RequiresResult(t *testing.T) {
	t.Parallel()

	task := NewTask(uuid.New(), mustRequest(t))
	require.NoError(t, task.Start())
	assert.Error(t, task.Complete(nil))
	assert.Equal(t, TaskStatusProcessing, task.Status())
}

func TestTask_Fail(t *testing.T) {
	t.Parallel()

	task := NewTask(uuid.New(), mustRequest(t))
	require.NoError(t, task.Start())
	require.NoError(t, task.Fail(NewTaskError(ErrorKindFetch, "pull request not found")))

	assert.Equal(t, TaskStatusFailed, task.Status())
	require.NotNil(t, task.TaskError())
	assert.Equal(t, ErrorKindFetch, task.TaskError().Kind)
	assert.Nil(t, task.Result())

	// No transition out of a terminal state.
	assert.Error(t, task.Fail(NewTaskError(ErrorKindInternal, "again")))
	assert.Error(t, task.UpdateStatus(TaskStatusProcessing))
}

func TestTask_Cancel_PreservesPartialResult(t *testing.T) {
	t.Parallel()

	task := NewTask(uuid.New(), mustRequest(t))
	require.NoError(t, task.Start())

	partial := &AnalysisResults{
		Files:   []FileAnalysis{{Name: "a.go", Path: "a.go"}, {Name: "b.go", Path: "b.go"}},
		Summary: AnalysisSummary{TotalFiles: 2},
	}
	require.NoError(t, task.Cancel(partial, "cancelled by user request"))

	assert.Equal(t, TaskStatusCancelled, task.Status())
	require.NotNil(t, task.Result())
	assert.True(t, task.Result().Incomplete)
	assert.Len(t, task.Result().Files, 2)
	assert.Equal(t, "cancelled by user request", task.Message())
}

func TestTask_RequestCancel(t *testing.T) {
	t.Parallel()

	task := NewTask(uuid.New(), mustRequest(t))

	require.NoError(t, task.RequestCancel())
	assert.True(t, task.CancelRequested())
	assert.Equal(t, TaskStatusPending, task.Status(), "the flag alone never changes status")

	// Idempotent while non-terminal.
	require.NoError(t, task.RequestCancel())

	require.NoError(t, task.Start())
	require.NoError(t, task.Cancel(nil, "cancelled by user request"))

	err := task.RequestCancel()
	assert.True(t, errors.Is(err, ErrTaskAlreadyTerminal))
}

func TestTask_UpdatedAtAdvancesOnMutation(t *testing.T) {
	t.Parallel()

	tp := &mockTimeProvider{currentTime: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	task := NewTask(uuid.New(), mustRequest(t), WithTimeProvider(tp))

	tp.currentTime = tp.currentTime.Add(time.Minute)
	require.NoError(t, task.Start())
	afterStart := task.UpdatedAt()

	tp.currentTime = tp.currentTime.Add(time.Minute)
	require.NoError(t, task.ApplyProgress(50, "halfway"))

	assert.True(t, task.UpdatedAt().After(afterStart))
}
