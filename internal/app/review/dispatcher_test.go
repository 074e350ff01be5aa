package review

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/reviewhound/reviewhound/pkg/common/logger"
)

type mockExecutor struct {
	mu        sync.Mutex
	executed  []uuid.UUID
	executeFn func(ctx context.Context, taskID uuid.UUID) error
}

func (m *mockExecutor) ExecuteTask(ctx context.Context, taskID uuid.UUID) error {
	m.mu.Lock()
	m.executed = append(m.executed, taskID)
	m.mu.Unlock()
	if m.executeFn != nil {
		return m.executeFn(ctx, taskID)
	}
	return nil
}

func (m *mockExecutor) executedIDs() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.executed...)
}

func newTestDispatcher(cfg DispatcherConfig, executor TaskExecutor) *Dispatcher {
	return NewDispatcher(cfg, executor, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
}

func TestDispatcher_EnqueueTask_QueueFull(t *testing.T) {
	t.Parallel()

	// No workers are running, so the queue only drains on Run.
	d := newTestDispatcher(DispatcherConfig{Workers: 1, QueueSize: 2}, &mockExecutor{})

	require.NoError(t, d.EnqueueTask(context.Background(), uuid.New()))
	require.NoError(t, d.EnqueueTask(context.Background(), uuid.New()))

	err := d.EnqueueTask(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestDispatcher_Run_DrainsQueue(t *testing.T) {
	t.Parallel()

	done := make(chan uuid.UUID, 3)
	executor := &mockExecutor{executeFn: func(_ context.Context, taskID uuid.UUID) error {
		done <- taskID
		return nil
	}}
	d := newTestDispatcher(DispatcherConfig{Workers: 2, QueueSize: 10}, executor)

	want := make(map[uuid.UUID]bool)
	for i := 0; i < 3; i++ {
		id := uuid.New()
		want[id] = true
		require.NoError(t, d.EnqueueTask(context.Background(), id))
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()

	for i := 0; i < 3; i++ {
		select {
		case id := <-done:
			assert.True(t, want[id], "unexpected task %s", id)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for tasks to be processed")
		}
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for workers to stop")
	}

	assert.Len(t, executor.executedIDs(), 3)
}

func TestDispatcher_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(DispatcherConfig{Workers: 4, QueueSize: 4}, &mockExecutor{})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatcher to stop")
	}
}

func TestNewDispatcher_Defaults(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(DispatcherConfig{}, &mockExecutor{})
	assert.Equal(t, 4, d.cfg.Workers)
	assert.Equal(t, 100, d.cfg.QueueSize)
}
