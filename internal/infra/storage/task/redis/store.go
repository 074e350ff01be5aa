// Package redis provides a Redis-backed TaskRepository. Task records live at
// "task:<id>" as JSON with a rolling TTL, alongside per-status index sets and
// a creation-time sorted set used for listings. Status changes go through a
// Lua compare-and-swap so concurrent claimants resolve to exactly one winner.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reviewhound/reviewhound/internal/domain/review"
	"github.com/reviewhound/reviewhound/internal/infra/storage"
)

const (
	taskKeyPrefix     = "task:"
	statusIndexPrefix = "tasks:status:"
	createdIndexKey   = "tasks:created"
	resultCachePrefix = "results:"

	// DefaultTTL matches the retention window of the cleanup sweep: records
	// that outlive it are expired by Redis rather than reaped.
	DefaultTTL = 24 * time.Hour

	// casRetries bounds the optimistic read-modify-write loop. Contention on
	// a single task is rare; a handful of retries is plenty.
	casRetries = 5
)

// casScript swaps a task record for a new serialized state only if the stored
// status and update timestamp still match what the caller read. It returns
// "ok" on success, "stale" when the record changed under the caller without a
// status change, or the current status on a status mismatch.
//
// KEYS[1] task record, KEYS[2] old status index, KEYS[3] new status index.
// ARGV[1] expected status, ARGV[2] expected updated_at, ARGV[3] new record,
// ARGV[4] task id, ARGV[5] TTL in seconds.
var casScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 'missing'
end
local record = cjson.decode(raw)
if record['status'] ~= ARGV[1] then
  return record['status']
end
if record['updated_at'] ~= ARGV[2] then
  return 'stale'
end
redis.call('SET', KEYS[1], ARGV[3], 'EX', ARGV[5])
if KEYS[2] ~= KEYS[3] then
  redis.call('SREM', KEYS[2], ARGV[4])
  redis.call('SADD', KEYS[3], ARGV[4])
end
return 'ok'
`)

// errStaleRead signals the optimistic loop to re-read and retry.
var errStaleRead = errors.New("task record changed during update")

var _ review.TaskRepository = (*TaskStore)(nil)
var _ review.ResultCache = (*TaskStore)(nil)

// TaskStore implements review.TaskRepository on a Redis client.
type TaskStore struct {
	client *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
}

// NewTaskStore creates a TaskStore. A non-positive ttl falls back to
// DefaultTTL.
func NewTaskStore(client *redis.Client, ttl time.Duration, tracer trace.Tracer) *TaskStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if tracer == nil {
		tracer = storage.NoOpTracer()
	}
	return &TaskStore{client: client, ttl: ttl, tracer: tracer}
}

func taskAttrs(taskID uuid.UUID) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("db.system", "redis"),
		attribute.String("task_id", taskID.String()),
	}
}

// taskRecord is the JSON shape persisted at task:<id>.
type taskRecord struct {
	ID              string                  `json:"id"`
	RepoURL         string                  `json:"repo_url"`
	PRNumber        int                     `json:"pr_number"`
	GithubToken     string                  `json:"github_token,omitempty"`
	Status          string                  `json:"status"`
	Progress        float64                 `json:"progress"`
	Message         string                  `json:"message"`
	CancelRequested bool                    `json:"cancel_requested"`
	OriginTaskID    string                  `json:"origin_task_id,omitempty"`
	Result          *review.AnalysisResults `json:"result,omitempty"`
	Error           *review.TaskError       `json:"error,omitempty"`
	CreatedAt       string                  `json:"created_at"`
	StartedAt       string                  `json:"started_at,omitempty"`
	CompletedAt     string                  `json:"completed_at,omitempty"`
	UpdatedAt       string                  `json:"updated_at"`
}

// CreateTask persists a new task's initial state.
func (s *TaskStore) CreateTask(ctx context.Context, task *review.Task) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "redis.create_task", taskAttrs(task.ID()), func(ctx context.Context) error {
		payload, err := json.Marshal(recordFromTask(task))
		if err != nil {
			return fmt.Errorf("marshaling task %s: %w", task.ID(), err)
		}

		created, err := s.client.SetNX(ctx, taskKey(task.ID()), payload, s.ttl).Result()
		if err != nil {
			return fmt.Errorf("storing task %s: %w", task.ID(), err)
		}
		if !created {
			return fmt.Errorf("task %s already exists", task.ID())
		}

		pipe := s.client.Pipeline()
		pipe.SAdd(ctx, statusIndexKey(task.Status()), task.ID().String())
		pipe.ZAdd(ctx, createdIndexKey, redis.Z{
			Score:  float64(task.CreatedAt().UnixMilli()),
			Member: task.ID().String(),
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("indexing task %s: %w", task.ID(), err)
		}
		return nil
	})
}

// GetTask retrieves a task's current state.
func (s *TaskStore) GetTask(ctx context.Context, taskID uuid.UUID) (*review.Task, error) {
	var task *review.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "redis.get_task", taskAttrs(taskID), func(ctx context.Context) error {
		raw, err := s.client.Get(ctx, taskKey(taskID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return review.ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("fetching task %s: %w", taskID, err)
		}
		task, err = taskFromRaw(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, most-recent-first. Index
// members whose records have expired are pruned as they are encountered.
func (s *TaskStore) ListTasks(ctx context.Context, filter review.TaskFilter) ([]*review.Task, error) {
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "redis"),
		attribute.String("status_filter", filter.Status.String()),
	}
	var tasks []*review.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "redis.list_tasks", attrs, func(ctx context.Context) error {
		limit := filter.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}

		var ids []string
		var err error
		if filter.Status != "" {
			ids, err = s.client.SMembers(ctx, statusIndexKey(filter.Status)).Result()
		} else {
			ids, err = s.client.ZRevRange(ctx, createdIndexKey, 0, -1).Result()
		}
		if err != nil {
			return fmt.Errorf("listing task ids: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		tasks, err = s.fetchTasks(ctx, ids)
		if err != nil {
			return err
		}

		sort.Slice(tasks, func(i, j int) bool {
			return tasks[i].CreatedAt().After(tasks[j].CreatedAt())
		})
		if len(tasks) > limit {
			tasks = tasks[:limit]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// TransitionTask atomically moves a task from expected to next, applying the
// outcome payload. A status mismatch yields a *review.ConflictError; a record
// that changes under the caller without a status change is retried.
func (s *TaskStore) TransitionTask(
	ctx context.Context,
	taskID uuid.UUID,
	expected, next review.TaskStatus,
	outcome review.TaskOutcome,
) (*review.Task, error) {
	attrs := append(taskAttrs(taskID),
		attribute.String("expected_status", expected.String()),
		attribute.String("next_status", next.String()),
	)
	var result *review.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "redis.transition_task", attrs, func(ctx context.Context) error {
		for attempt := 0; attempt < casRetries; attempt++ {
			task, token, err := s.readForUpdate(ctx, taskID)
			if err != nil {
				return err
			}
			if task.Status() != expected {
				return &review.ConflictError{TaskID: taskID, Expected: expected, Actual: task.Status()}
			}

			if err := applyTransition(task, next, outcome); err != nil {
				return err
			}

			err = s.swap(ctx, task, expected, token)
			if errors.Is(err, errStaleRead) {
				continue
			}
			if err != nil {
				return err
			}
			result = task
			return nil
		}
		return fmt.Errorf("transitioning task %s: %w", taskID, errStaleRead)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateTaskProgress records a progress/message update for a processing task.
// Updates against a task in any other state, or that would rewind progress,
// are discarded without error.
func (s *TaskStore) UpdateTaskProgress(
	ctx context.Context,
	taskID uuid.UUID,
	progress float64,
	message string,
) (*review.Task, error) {
	var result *review.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "redis.update_task_progress", taskAttrs(taskID), func(ctx context.Context) error {
		for attempt := 0; attempt < casRetries; attempt++ {
			task, token, err := s.readForUpdate(ctx, taskID)
			if err != nil {
				return err
			}

			status := task.Status()
			if err := task.ApplyProgress(progress, message); err != nil {
				// Stale or regressing updates are dropped, not surfaced.
				result = task
				return nil
			}

			err = s.swap(ctx, task, status, token)
			if errors.Is(err, errStaleRead) {
				continue
			}
			if err != nil {
				return err
			}
			result = task
			return nil
		}
		return fmt.Errorf("updating progress for task %s: %w", taskID, errStaleRead)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RequestTaskCancel sets the cancellation flag on a pending or processing task.
func (s *TaskStore) RequestTaskCancel(ctx context.Context, taskID uuid.UUID) (*review.Task, error) {
	var result *review.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "redis.request_task_cancel", taskAttrs(taskID), func(ctx context.Context) error {
		for attempt := 0; attempt < casRetries; attempt++ {
			task, token, err := s.readForUpdate(ctx, taskID)
			if err != nil {
				return err
			}

			status := task.Status()
			if err := task.RequestCancel(); err != nil {
				return err
			}

			err = s.swap(ctx, task, status, token)
			if errors.Is(err, errStaleRead) {
				continue
			}
			if err != nil {
				return err
			}
			result = task
			return nil
		}
		return fmt.Errorf("requesting cancel for task %s: %w", taskID, errStaleRead)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FindStaleTasks returns tasks in the given statuses whose last update is
// older than cutoff, oldest first.
func (s *TaskStore) FindStaleTasks(
	ctx context.Context,
	statuses []review.TaskStatus,
	cutoff time.Time,
) ([]*review.Task, error) {
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "redis"),
		attribute.String("cutoff", cutoff.Format(time.RFC3339)),
	}
	var stale []*review.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "redis.find_stale_tasks", attrs, func(ctx context.Context) error {
		for _, status := range statuses {
			ids, err := s.client.SMembers(ctx, statusIndexKey(status)).Result()
			if err != nil {
				return fmt.Errorf("listing %s tasks: %w", status, err)
			}
			tasks, err := s.fetchTasks(ctx, ids)
			if err != nil {
				return err
			}
			for _, task := range tasks {
				if task.UpdatedAt().Before(cutoff) {
					stale = append(stale, task)
				}
			}
		}

		sort.Slice(stale, func(i, j int) bool {
			return stale[i].UpdatedAt().Before(stale[j].UpdatedAt())
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

// CountTasksByStatus returns a histogram of stored tasks by status. Counts
// come from the index sets, so members whose records expired but have not yet
// been pruned are included.
func (s *TaskStore) CountTasksByStatus(ctx context.Context) (map[review.TaskStatus]int, error) {
	attrs := []attribute.KeyValue{attribute.String("db.system", "redis")}
	var counts map[review.TaskStatus]int
	err := storage.ExecuteAndTrace(ctx, s.tracer, "redis.count_tasks_by_status", attrs, func(ctx context.Context) error {
		statuses := []review.TaskStatus{
			review.TaskStatusPending,
			review.TaskStatusProcessing,
			review.TaskStatusCompleted,
			review.TaskStatusFailed,
			review.TaskStatusCancelled,
		}

		pipe := s.client.Pipeline()
		cmds := make([]*redis.IntCmd, len(statuses))
		for i, status := range statuses {
			cmds[i] = pipe.SCard(ctx, statusIndexKey(status))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("counting tasks: %w", err)
		}

		counts = make(map[review.TaskStatus]int, len(statuses))
		for i, status := range statuses {
			if n := cmds[i].Val(); n > 0 {
				counts[status] = int(n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// CachedResult looks up a completed analysis for the given pull request.
// A miss returns (nil, nil).
func (s *TaskStore) CachedResult(ctx context.Context, repoURL string, prNumber int) (*review.AnalysisResults, error) {
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "redis"),
		attribute.String("repo_url", repoURL),
		attribute.Int("pr_number", prNumber),
	}
	var results *review.AnalysisResults
	err := storage.ExecuteAndTrace(ctx, s.tracer, "redis.cached_result", attrs, func(ctx context.Context) error {
		raw, err := s.client.Get(ctx, resultCacheKey(repoURL, prNumber)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetching cached result: %w", err)
		}

		var decoded review.AnalysisResults
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("unmarshaling cached result: %w", err)
		}
		results = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// CacheResult stores a completed analysis for reuse by later submissions of
// the same pull request.
func (s *TaskStore) CacheResult(ctx context.Context, repoURL string, prNumber int, results *review.AnalysisResults) error {
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "redis"),
		attribute.String("repo_url", repoURL),
		attribute.Int("pr_number", prNumber),
	}
	return storage.ExecuteAndTrace(ctx, s.tracer, "redis.cache_result", attrs, func(ctx context.Context) error {
		payload, err := json.Marshal(results)
		if err != nil {
			return fmt.Errorf("marshaling result: %w", err)
		}
		if err := s.client.Set(ctx, resultCacheKey(repoURL, prNumber), payload, s.ttl).Err(); err != nil {
			return fmt.Errorf("caching result: %w", err)
		}
		return nil
	})
}

// readForUpdate loads a task and the update token the CAS script will check.
func (s *TaskStore) readForUpdate(ctx context.Context, taskID uuid.UUID) (*review.Task, string, error) {
	raw, err := s.client.Get(ctx, taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, "", review.ErrTaskNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("fetching task %s: %w", taskID, err)
	}

	var record taskRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, "", fmt.Errorf("unmarshaling task %s: %w", taskID, err)
	}
	task, err := record.toTask()
	if err != nil {
		return nil, "", err
	}
	return task, record.UpdatedAt, nil
}

// swap writes a mutated task back, guarded by the status and update token
// read beforehand.
func (s *TaskStore) swap(ctx context.Context, task *review.Task, fromStatus review.TaskStatus, token string) error {
	payload, err := json.Marshal(recordFromTask(task))
	if err != nil {
		return fmt.Errorf("marshaling task %s: %w", task.ID(), err)
	}

	keys := []string{
		taskKey(task.ID()),
		statusIndexKey(fromStatus),
		statusIndexKey(task.Status()),
	}
	args := []any{
		fromStatus.String(),
		token,
		string(payload),
		task.ID().String(),
		int(s.ttl.Seconds()),
	}

	result, err := casScript.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return fmt.Errorf("swapping task %s: %w", task.ID(), err)
	}
	switch result {
	case "ok":
		return nil
	case "missing":
		return review.ErrTaskNotFound
	case "stale":
		return errStaleRead
	default:
		actual := review.ParseTaskStatus(result)
		if actual == review.TaskStatusUnspecified {
			return fmt.Errorf("swapping task %s: unexpected script result %q", task.ID(), result)
		}
		return &review.ConflictError{TaskID: task.ID(), Expected: fromStatus, Actual: actual}
	}
}

// fetchTasks bulk-loads task records, pruning index members whose records
// have expired.
func (s *TaskStore) fetchTasks(ctx context.Context, ids []string) ([]*review.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKeyPrefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("bulk fetching tasks: %w", err)
	}

	tasks := make([]*review.Task, 0, len(values))
	var expired []string
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		task, err := taskFromRaw([]byte(raw))
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	if len(expired) > 0 {
		s.pruneExpired(ctx, expired)
	}
	return tasks, nil
}

// pruneExpired drops index entries for records Redis has expired. Best
// effort: the next listing retries whatever this one missed.
func (s *TaskStore) pruneExpired(ctx context.Context, ids []string) {
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}

	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, createdIndexKey, members...)
	for _, status := range []review.TaskStatus{
		review.TaskStatusPending,
		review.TaskStatusProcessing,
		review.TaskStatusCompleted,
		review.TaskStatusFailed,
		review.TaskStatusCancelled,
	} {
		pipe.SRem(ctx, statusIndexKey(status), members...)
	}
	_, _ = pipe.Exec(ctx)
}

const defaultListLimit = 20

func taskKey(id uuid.UUID) string { return taskKeyPrefix + id.String() }

func statusIndexKey(status review.TaskStatus) string {
	return statusIndexPrefix + status.String()
}

func resultCacheKey(repoURL string, prNumber int) string {
	return fmt.Sprintf("%s%s:%d", resultCachePrefix, repoURL, prNumber)
}

func recordFromTask(task *review.Task) taskRecord {
	record := taskRecord{
		ID:              task.ID().String(),
		RepoURL:         task.Request().RepoURL(),
		PRNumber:        task.Request().PRNumber(),
		GithubToken:     task.Request().GithubToken(),
		Status:          task.Status().String(),
		Progress:        task.Progress(),
		Message:         task.Message(),
		CancelRequested: task.CancelRequested(),
		Result:          task.Result(),
		Error:           task.TaskError(),
		CreatedAt:       formatTime(task.CreatedAt()),
		StartedAt:       formatTime(task.StartedAt()),
		CompletedAt:     formatTime(task.CompletedAt()),
		UpdatedAt:       formatTime(task.UpdatedAt()),
	}
	if origin := task.OriginTaskID(); origin != nil {
		record.OriginTaskID = origin.String()
	}
	return record
}

func taskFromRaw(raw []byte) (*review.Task, error) {
	var record taskRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("unmarshaling task record: %w", err)
	}
	return record.toTask()
}

func (r taskRecord) toTask() (*review.Task, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing task id %q: %w", r.ID, err)
	}
	status := review.ParseTaskStatus(r.Status)
	if status == review.TaskStatusUnspecified {
		return nil, fmt.Errorf("task %s: unknown status %q", r.ID, r.Status)
	}

	var origin *uuid.UUID
	if r.OriginTaskID != "" {
		originID, err := uuid.Parse(r.OriginTaskID)
		if err != nil {
			return nil, fmt.Errorf("parsing origin task id %q: %w", r.OriginTaskID, err)
		}
		origin = &originID
	}

	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("task %s created_at: %w", r.ID, err)
	}
	startedAt, err := parseTime(r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("task %s started_at: %w", r.ID, err)
	}
	completedAt, err := parseTime(r.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("task %s completed_at: %w", r.ID, err)
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("task %s updated_at: %w", r.ID, err)
	}

	return review.ReconstructTask(
		id,
		review.ReconstructReviewRequest(r.RepoURL, r.PRNumber, r.GithubToken),
		status,
		r.Progress,
		r.Message,
		r.CancelRequested,
		origin,
		r.Result,
		r.Error,
		review.ReconstructTimeline(createdAt, startedAt, completedAt, updatedAt),
	), nil
}

// applyTransition routes a compare-and-swap transition through the aggregate
// so the state machine rules stay in one place.
func applyTransition(task *review.Task, next review.TaskStatus, outcome review.TaskOutcome) error {
	switch next {
	case review.TaskStatusProcessing:
		return task.Start()
	case review.TaskStatusCompleted:
		return task.Complete(outcome.Result)
	case review.TaskStatusFailed:
		return task.Fail(outcome.Error)
	case review.TaskStatusCancelled:
		message := outcome.Message
		if message == "" {
			message = review.DefaultStatusMessage(review.TaskStatusCancelled)
		}
		return task.Cancel(outcome.Result, message)
	default:
		return fmt.Errorf("unsupported transition target %s", next)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
