package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

type mockFetcher struct {
	fetchFn func(ctx context.Context, request review.ReviewRequest) ([]review.PullRequestFile, error)
}

func (m *mockFetcher) FetchFiles(ctx context.Context, request review.ReviewRequest) ([]review.PullRequestFile, error) {
	return m.fetchFn(ctx, request)
}

type mockAnalyzer struct {
	mu        sync.Mutex
	calls     int
	analyzeFn func(ctx context.Context, file review.PullRequestFile) ([]review.Issue, error)
}

func (m *mockAnalyzer) AnalyzeFile(ctx context.Context, file review.PullRequestFile) ([]review.Issue, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.analyzeFn(ctx, file)
}

func (m *mockAnalyzer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type recordingReporter struct {
	mu      sync.Mutex
	updates []float64
}

func (r *recordingReporter) ReportProgress(ctx context.Context, taskID uuid.UUID, progress float64, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, progress)
	return nil
}

func (r *recordingReporter) recorded() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.updates...)
}

func testExecutor(store review.TaskRepository, fetcher review.PullRequestFetcher, analyzer review.FileAnalyzer, reporter ProgressReporter) *Executor {
	return NewExecutor(
		ExecutorConfig{MaxFileRetries: 2, RetryInitialInterval: time.Millisecond},
		store, fetcher, analyzer, reporter, nil,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"),
	)
}

func createPendingTask(t *testing.T, store review.TaskRepository) *review.Task {
	t.Helper()
	req, err := review.NewReviewRequest("https://github.com/octocat/hello-world", 7, "")
	require.NoError(t, err)
	task := review.NewTask(uuid.New(), req)
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task
}

func TestExecutor_ExecuteTask_Success(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	task := createPendingTask(t, store)

	files := []review.PullRequestFile{
		{Name: "a.py", Path: "src/a.py", Status: review.FileStatusModified, Language: "python"},
		{Name: "gone.py", Path: "src/gone.py", Status: review.FileStatusRemoved, Language: "python"},
		{Name: "data.bin", Path: "data.bin", Status: review.FileStatusAdded},
		{Name: "b.go", Path: "b.go", Status: review.FileStatusAdded, Language: "go"},
	}
	fetcher := &mockFetcher{fetchFn: func(context.Context, review.ReviewRequest) ([]review.PullRequestFile, error) {
		return files, nil
	}}
	analyzer := &mockAnalyzer{analyzeFn: func(_ context.Context, file review.PullRequestFile) ([]review.Issue, error) {
		if file.Path == "src/a.py" {
			return []review.Issue{
				{Type: review.IssueTypeBug, Line: 4, Description: "off by one", Severity: review.SeverityCritical},
			}, nil
		}
		return nil, nil
	}}
	reporter := &recordingReporter{}

	require.NoError(t, testExecutor(store, fetcher, analyzer, reporter).ExecuteTask(context.Background(), task.ID()))

	got, err := store.GetTask(context.Background(), task.ID())
	require.NoError(t, err)
	assert.Equal(t, review.TaskStatusCompleted, got.Status())
	assert.Equal(t, float64(100), got.Progress())

	require.NotNil(t, got.Result())
	require.Len(t, got.Result().Files, 4)
	assert.Equal(t, "src/a.py", got.Result().Files[0].Path, "fetch order is preserved")
	assert.Equal(t, "b.go", got.Result().Files[3].Path)
	assert.Equal(t, 2, analyzer.callCount(), "removed and language-less files never reach the analyzer")

	summary := got.Result().Summary
	assert.Equal(t, 4, summary.TotalFiles)
	assert.Equal(t, 1, summary.TotalIssues)
	assert.Equal(t, 1, summary.CriticalIssues)
	assert.Equal(t, 1, summary.FilesWithIssues)

	updates := reporter.recorded()
	require.NotEmpty(t, updates)
	for i := 1; i < len(updates); i++ {
		assert.GreaterOrEqual(t, updates[i], updates[i-1], "progress is monotonic")
	}
	assert.Equal(t, float64(100), updates[len(updates)-1])
}

type failingReadStore struct {
	review.TaskRepository
}

func (s *failingReadStore) GetTask(context.Context, uuid.UUID) (*review.Task, error) {
	return nil, errors.New("store unavailable")
}

func TestExecutor_ExecuteTask_CheckpointReadFailureDoesNotStall(t *testing.T) {
	t.Parallel()

	inner := memory.NewTaskStore()
	task := createPendingTask(t, inner)
	store := &failingReadStore{TaskRepository: inner}

	fetcher := &mockFetcher{fetchFn: func(context.Context, review.ReviewRequest) ([]review.PullRequestFile, error) {
		return []review.PullRequestFile{
			{Name: "a.go", Path: "a.go", Status: review.FileStatusModified, Language: "go"},
			{Name: "b.go", Path: "b.go", Status: review.FileStatusModified, Language: "go"},
		}, nil
	}}
	analyzer := &mockAnalyzer{analyzeFn: func(context.Context, review.PullRequestFile) ([]review.Issue, error) {
		return nil, nil
	}}

	require.NoError(t, testExecutor(store, fetcher, analyzer, &recordingReporter{}).ExecuteTask(context.Background(), task.ID()))

	got, err := inner.GetTask(context.Background(), task.ID())
	require.NoError(t, err)
	assert.Equal(t, review.TaskStatusCompleted, got.Status())
	assert.Equal(t, 2, analyzer.callCount())
}

func TestExecutor_ExecuteTask_EmptyFileSet(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	task := createPendingTask(t, store)

	fetcher := &mockFetcher{fetchFn: func(context.Context, review.ReviewRequest) ([]review.PullRequestFile, error) {
		return nil, nil
	}}
	analyzer := &mockAnalyzer{analyzeFn: func(context.Context, review.PullRequestFile) ([]review.Issue, error) {
		return nil, nil
	}}

	require.NoError(t, testExecutor(store, fetcher, analyzer, &recordingReporter{}).ExecuteTask(context.Background(), task.ID()))

	got, err := store.GetTask(context.Background(), task.ID())
	require.NoError(t, err)
	assert.Equal(t, review.TaskStatusCompleted, got.Status())
	require.NotNil(t, got.Result())
	assert.Zero(t, got.Result().Summary.TotalFiles)
	assert.Zero(t, analyzer.callCount())
}

func TestExecutor_ExecuteTask_FetchFailure(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	task := createPendingTask(t, store)

	fetcher := &mockFetcher{fetchFn: func(context.Context, review.ReviewRequest) ([]review.PullRequestFile, error) {
		return nil, &review.FetchError{Kind: review.FetchErrorKindNotFound, Err: errors.New("pull request not found")}
	}}
	analyzer := &mockAnalyzer{analyzeFn: func(context.Context, review.PullRequestFile) ([]review.Issue, error) {
		return nil, nil
	}}

	require.NoError(t, testExecutor(store, fetcher, analyzer, &recordingReporter{}).ExecuteTask(context.Background(), task.ID()))

	got, err := store.GetTask(context.Background(), task.ID())
	require.NoError(t, err)
	assert.Equal(t, review.TaskStatusFailed, got.Status())
	require.NotNil(t, got.TaskError())
	assert.Equal(t, review.ErrorKindFetch, got.TaskError().Kind)
	assert.Nil(t, got.Result())
}

func TestExecutor_ExecuteTask_TransientRetry(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	task := createPendingTask(t, store)

	fetcher := &mockFetcher{fetchFn: func(context.Context, review.ReviewRequest) ([]review.PullRequestFile, error) {
		return []review.PullRequestFile{{Name: "a.go", Path: "a.go", Status: review.FileStatusModified, Language: "go"}}, nil
	}}

	attempts := 0
	analyzer := &mockAnalyzer{analyzeFn: func(context.Context, review.PullRequestFile) ([]review.Issue, error) {
		attempts++
		if attempts < 3 {
			return nil, &review.AnalyzeError{Transient: true, Err: errors.New("upstream flaked")}
		}
		return []review.Issue{{Type: review.IssueTypeStyle, Line: 1, Description: "nit"}}, nil
	}}

	require.NoError(t, testExecutor(store, fetcher, analyzer, &recordingReporter{}).ExecuteTask(context.Background(), task.ID()))

	got, err := store.GetTask(context.Background(), task.ID())
	require.NoError(t, err)
	assert.Equal(t, review.TaskStatusCompleted, got.Status())
	assert.Equal(t, 3, attempts)
	assert.Empty(t, got.Result().Files[0].Error)
	assert.Len(t, got.Result().Files[0].Issues, 1)
}

func TestExecutor_ExecuteTask_PersistentFailureIsIsolated(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	task := createPendingTask(t, store)

	fetcher := &mockFetcher{fetchFn: func(context.Context, review.ReviewRequest) ([]review.PullRequestFile, error) {
		return []review.PullRequestFile{
			{Name: "bad.go", Path: "bad.go", Status: review.FileStatusModified, Language: "go"},
			{Name: "good.go", Path: "good.go", Status: review.FileStatusModified, Language: "go"},
		}, nil
	}}
	analyzer := &mockAnalyzer{analyzeFn: func(_ context.Context, file review.PullRequestFile) ([]review.Issue, error) {
		if file.Path == "bad.go" {
			return nil, &review.AnalyzeError{Transient: false, Err: errors.New("unparseable reply")}
		}
		return []review.Issue{{Type: review.IssueTypeBug, Line: 2, Description: "bug"}}, nil
	}}

	require.NoError(t, testExecutor(store, fetcher, analyzer, &recordingReporter{}).ExecuteTask(context.Background(), task.ID()))

	got, err := store.GetTask(context.Background(), task.ID())
	require.NoError(t, err)
	assert.Equal(t, review.TaskStatusCompleted, got.Status(), "one bad file never aborts the task")

	files := got.Result().Files
	require.Len(t, files, 2)
	assert.NotEmpty(t, files[0].Error)
	assert.Empty(t, files[0].Issues)
	assert.Empty(t, files[1].Error)
	assert.Len(t, files[1].Issues, 1)
	assert.Equal(t, 2, analyzer.callCount(), "persistent failures are not retried")
}

func TestExecutor_ExecuteTask_CancellationCheckpoint(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	task := createPendingTask(t, store)

	fetcher := &mockFetcher{fetchFn: func(context.Context, review.ReviewRequest) ([]review.PullRequestFile, error) {
		files := make([]review.PullRequestFile, 3)
		for i := range files {
			files[i] = review.PullRequestFile{
				Name: fmt.Sprintf("f%d.go", i), Path: fmt.Sprintf("f%d.go", i),
				Status: review.FileStatusModified, Language: "go",
			}
		}
		return files, nil
	}}

	// The cancel request lands after the first file's analysis.
	analyzer := &mockAnalyzer{}
	analyzer.analyzeFn = func(ctx context.Context, file review.PullRequestFile) ([]review.Issue, error) {
		if analyzer.callCount() == 1 {
			_, err := store.RequestTaskCancel(ctx, task.ID())
			require.NoError(t, err)
		}
		return []review.Issue{{Type: review.IssueTypeStyle, Line: 1, Description: "nit"}}, nil
	}

	require.NoError(t, testExecutor(store, fetcher, analyzer, &recordingReporter{}).ExecuteTask(context.Background(), task.ID()))

	got, err := store.GetTask(context.Background(), task.ID())
	require.NoError(t, err)
	assert.Equal(t, review.TaskStatusCancelled, got.Status())
	assert.Equal(t, 1, analyzer.callCount(), "iteration stops at the next checkpoint")

	require.NotNil(t, got.Result(), "partial results are preserved")
	assert.True(t, got.Result().Incomplete)
	assert.Len(t, got.Result().Files, 1)
}

func TestExecutor_ExecuteTask_CancelBeforeStart(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	task := createPendingTask(t, store)
	_, err := store.RequestTaskCancel(context.Background(), task.ID())
	require.NoError(t, err)

	fetched := false
	fetcher := &mockFetcher{fetchFn: func(context.Context, review.ReviewRequest) ([]review.PullRequestFile, error) {
		fetched = true
		return nil, nil
	}}
	analyzer := &mockAnalyzer{analyzeFn: func(context.Context, review.PullRequestFile) ([]review.Issue, error) {
		return nil, nil
	}}

	require.NoError(t, testExecutor(store, fetcher, analyzer, &recordingReporter{}).ExecuteTask(context.Background(), task.ID()))

	got, err := store.GetTask(context.Background(), task.ID())
	require.NoError(t, err)
	assert.Equal(t, review.TaskStatusCancelled, got.Status())
	assert.Nil(t, got.Result())
	assert.False(t, fetched, "no work starts for a task cancelled in the queue")
}

func TestExecutor_ExecuteTask_ClaimConflictSkips(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	task := createPendingTask(t, store)

	// Another worker already claimed the task.
	_, err := store.TransitionTask(context.Background(), task.ID(), review.TaskStatusPending, review.TaskStatusProcessing, review.TaskOutcome{})
	require.NoError(t, err)

	fetched := false
	fetcher := &mockFetcher{fetchFn: func(context.Context, review.ReviewRequest) ([]review.PullRequestFile, error) {
		fetched = true
		return nil, nil
	}}
	analyzer := &mockAnalyzer{analyzeFn: func(context.Context, review.PullRequestFile) ([]review.Issue, error) {
		return nil, nil
	}}

	require.NoError(t, testExecutor(store, fetcher, analyzer, &recordingReporter{}).ExecuteTask(context.Background(), task.ID()))
	assert.False(t, fetched, "a lost claim is skipped silently")
}

func TestExecutor_ExecuteTask_CompletionLosesRace(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	task := createPendingTask(t, store)

	fetcher := &mockFetcher{fetchFn: func(context.Context, review.ReviewRequest) ([]review.PullRequestFile, error) {
		return []review.PullRequestFile{{Name: "a.go", Path: "a.go", Status: review.FileStatusModified, Language: "go"}}, nil
	}}

	// The reaper forces the task to failed while the worker is mid-file.
	analyzer := &mockAnalyzer{analyzeFn: func(ctx context.Context, file review.PullRequestFile) ([]review.Issue, error) {
		taskErr := review.NewTaskError(review.ErrorKindStaleTask, "no progress for more than 30m0s")
		_, err := store.TransitionTask(ctx, task.ID(), review.TaskStatusProcessing, review.TaskStatusFailed, review.TaskOutcome{Error: taskErr})
		require.NoError(t, err)
		return nil, nil
	}}

	require.NoError(t, testExecutor(store, fetcher, analyzer, &recordingReporter{}).ExecuteTask(context.Background(), task.ID()))

	got, err := store.GetTask(context.Background(), task.ID())
	require.NoError(t, err)
	assert.Equal(t, review.TaskStatusFailed, got.Status(), "the racing transition stands")
	require.NotNil(t, got.TaskError())
	assert.Equal(t, review.ErrorKindStaleTask, got.TaskError().Kind)
}
