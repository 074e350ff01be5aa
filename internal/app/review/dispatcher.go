package review

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reviewhound/reviewhound/internal/domain/review"
	"github.com/reviewhound/reviewhound/pkg/common/logger"
)

// ErrQueueFull signals that the dispatch queue rejected a task because it is
// at capacity. The caller decides whether to surface backpressure or retry.
var ErrQueueFull = errors.New("dispatch queue is full")

// TaskExecutor drives one claimed task to a terminal state.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, taskID uuid.UUID) error
}

// DispatcherConfig bounds the dispatcher's concurrency.
type DispatcherConfig struct {
	// Workers is the number of tasks processed concurrently.
	Workers int

	// QueueSize caps tasks waiting for a worker; enqueues beyond it are
	// rejected with ErrQueueFull.
	QueueSize int
}

var _ review.TaskEnqueuer = (*Dispatcher)(nil)

// Dispatcher feeds queued task IDs to a bounded pool of workers. Each task
// is processed end to end by a single worker.
type Dispatcher struct {
	cfg      DispatcherConfig
	executor TaskExecutor
	queue    chan uuid.UUID

	logger *logger.Logger
	tracer trace.Tracer
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig, executor TaskExecutor, log *logger.Logger, tracer trace.Tracer) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	return &Dispatcher{
		cfg:      cfg,
		executor: executor,
		queue:    make(chan uuid.UUID, cfg.QueueSize),
		logger:   log.With("component", "dispatcher"),
		tracer:   tracer,
	}
}

// EnqueueTask hands a task to the worker pool. It never blocks: a full
// queue is reported as ErrQueueFull.
func (d *Dispatcher) EnqueueTask(ctx context.Context, taskID uuid.UUID) error {
	_, span := d.tracer.Start(ctx, "dispatcher.enqueue_task",
		trace.WithAttributes(attribute.String("task_id", taskID.String())))
	defer span.End()

	select {
	case d.queue <- taskID:
		span.AddEvent("task_enqueued")
		return nil
	default:
		span.AddEvent("queue_full")
		return ErrQueueFull
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// in-flight tasks have finished.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info(ctx, "dispatcher started", "workers", d.cfg.Workers, "queue_size", d.cfg.QueueSize)

	wg := conc.NewWaitGroup()
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Go(func() { d.worker(ctx) })
	}
	wg.Wait()

	d.logger.Info(ctx, "dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-d.queue:
			if err := d.executor.ExecuteTask(ctx, taskID); err != nil {
				d.logger.Error(ctx, "task execution failed", "task_id", taskID.String(), "error", err)
			}
		}
	}
}
