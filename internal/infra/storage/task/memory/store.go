// Package memory provides an in-memory implementation of the task repository
// for testing, development, and single-process deployments. All mutation runs
// under one mutex, which makes the compare-and-swap transition trivially
// atomic; callers still only ever observe snapshots.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reviewhound/reviewhound/internal/domain/review"
)

// defaultListLimit caps listings when the caller does not provide one.
const defaultListLimit = 20

var _ review.TaskRepository = (*TaskStore)(nil)

// TaskStore is an in-memory review.TaskRepository. It keeps one canonical
// record per task plus a status index, mirroring the layout a shared
// key-value store would use.
type TaskStore struct {
	mu      sync.Mutex
	tasks   map[uuid.UUID]*review.Task
	byState map[review.TaskStatus]map[uuid.UUID]struct{}
}

// NewTaskStore creates an empty in-memory task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:   make(map[uuid.UUID]*review.Task),
		byState: make(map[review.TaskStatus]map[uuid.UUID]struct{}),
	}
}

// CreateTask persists a new task's initial state.
func (s *TaskStore) CreateTask(ctx context.Context, task *review.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID()]; exists {
		return fmt.Errorf("task %s already exists", task.ID())
	}

	stored := copyTask(task)
	s.tasks[task.ID()] = stored
	s.index(stored.ID(), stored.Status())
	return nil
}

// GetTask retrieves a task's current state.
func (s *TaskStore) GetTask(ctx context.Context, taskID uuid.UUID) (*review.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, review.ErrTaskNotFound
	}
	return copyTask(task), nil
}

// ListTasks returns tasks matching the filter, most-recent-first.
func (s *TaskStore) ListTasks(ctx context.Context, filter review.TaskFilter) ([]*review.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	tasks := make([]*review.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.Status != "" && task.Status() != filter.Status {
			continue
		}
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt().After(tasks[j].CreatedAt())
	})
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}

	out := make([]*review.Task, len(tasks))
	for i, task := range tasks {
		out[i] = copyTask(task)
	}
	return out, nil
}

// TransitionTask atomically moves a task from expected to next, applying the
// outcome payload. A status mismatch yields a *review.ConflictError and
// leaves the record untouched.
func (s *TaskStore) TransitionTask(
	ctx context.Context,
	taskID uuid.UUID,
	expected, next review.TaskStatus,
	outcome review.TaskOutcome,
) (*review.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, review.ErrTaskNotFound
	}
	if task.Status() != expected {
		return nil, &review.ConflictError{TaskID: taskID, Expected: expected, Actual: task.Status()}
	}

	// Apply against a copy so a rejected transition leaves the stored record
	// untouched.
	updated := copyTask(task)
	if err := applyTransition(updated, next, outcome); err != nil {
		return nil, err
	}

	s.unindex(taskID, task.Status())
	s.tasks[taskID] = updated
	s.index(taskID, updated.Status())
	return copyTask(updated), nil
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
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, review.ErrTaskNotFound
	}

	if err := task.ApplyProgress(progress, message); err != nil {
		// Stale or regressing updates are dropped, not surfaced.
		return copyTask(task), nil
	}
	return copyTask(task), nil
}

// RequestTaskCancel sets the cancellation flag on a pending or processing task.
func (s *TaskStore) RequestTaskCancel(ctx context.Context, taskID uuid.UUID) (*review.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, review.ErrTaskNotFound
	}

	if err := task.RequestCancel(); err != nil {
		return nil, err
	}
	return copyTask(task), nil
}

// FindStaleTasks returns tasks in the given statuses whose last update is
// older than cutoff.
func (s *TaskStore) FindStaleTasks(
	ctx context.Context,
	statuses []review.TaskStatus,
	cutoff time.Time,
) ([]*review.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*review.Task
	for _, status := range statuses {
		for id := range s.byState[status] {
			task := s.tasks[id]
			if task.UpdatedAt().Before(cutoff) {
				stale = append(stale, copyTask(task))
			}
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt().Before(stale[j].UpdatedAt())
	})
	return stale, nil
}

// CountTasksByStatus returns a histogram of all stored tasks.
func (s *TaskStore) CountTasksByStatus(ctx context.Context) (map[review.TaskStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[review.TaskStatus]int, len(s.byState))
	for status, ids := range s.byState {
		if len(ids) > 0 {
			counts[status] = len(ids)
		}
	}
	return counts, nil
}

func (s *TaskStore) index(id uuid.UUID, status review.TaskStatus) {
	ids, ok := s.byState[status]
	if !ok {
		ids = make(map[uuid.UUID]struct{})
		s.byState[status] = ids
	}
	ids[id] = struct{}{}
}

func (s *TaskStore) unindex(id uuid.UUID, status review.TaskStatus) {
	if ids, ok := s.byState[status]; ok {
		delete(ids, id)
	}
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

// copyTask deep-copies a task so callers never share mutable state with the
// store's canonical record.
func copyTask(t *review.Task) *review.Task {
	var origin *uuid.UUID
	if o := t.OriginTaskID(); o != nil {
		id := *o
		origin = &id
	}

	var taskErr *review.TaskError
	if e := t.TaskError(); e != nil {
		cp := *e
		taskErr = &cp
	}

	return review.ReconstructTask(
		t.ID(),
		t.Request(),
		t.Status(),
		t.Progress(),
		t.Message(),
		t.CancelRequested(),
		origin,
		copyResults(t.Result()),
		taskErr,
		review.ReconstructTimeline(t.CreatedAt(), t.StartedAt(), t.CompletedAt(), t.UpdatedAt()),
	)
}

func copyResults(r *review.AnalysisResults) *review.AnalysisResults {
	if r == nil {
		return nil
	}

	cp := *r
	cp.Files = make([]review.FileAnalysis, len(r.Files))
	for i, f := range r.Files {
		fc := f
		fc.Issues = append([]review.Issue(nil), f.Issues...)
		cp.Files[i] = fc
	}
	cp.Summary.LanguagesDetected = append([]string(nil), r.Summary.LanguagesDetected...)
	if r.Metadata != nil {
		meta := *r.Metadata
		cp.Metadata = &meta
	}
	return &cp
}
