package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reviewhound/reviewhound/internal/domain/review"
	"github.com/reviewhound/reviewhound/pkg/common/logger"
)

// ExecutorConfig tunes the execution pipeline's retry behavior.
type ExecutorConfig struct {
	// MaxFileRetries bounds how many times a transient analyzer failure is
	// retried for a single file before it is recorded as a file-level error.
	MaxFileRetries uint64

	// RetryInitialInterval seeds the exponential backoff between retries.
	RetryInitialInterval time.Duration
}

// Executor runs the fetch, per-file analyze, aggregate pipeline for one
// claimed task at a time. Cancellation is cooperative: the flag is re-read
// from the store before each file.
type Executor struct {
	cfg      ExecutorConfig
	store    review.TaskRepository
	fetcher  review.PullRequestFetcher
	analyzer review.FileAnalyzer
	reporter ProgressReporter
	cache    review.ResultCache // optional

	logger *logger.Logger
	tracer trace.Tracer
}

// NewExecutor creates an Executor. cache may be nil when result caching is
// disabled.
func NewExecutor(
	cfg ExecutorConfig,
	store review.TaskRepository,
	fetcher review.PullRequestFetcher,
	analyzer review.FileAnalyzer,
	reporter ProgressReporter,
	cache review.ResultCache,
	log *logger.Logger,
	tracer trace.Tracer,
) *Executor {
	if cfg.MaxFileRetries == 0 {
		cfg.MaxFileRetries = 3
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 500 * time.Millisecond
	}
	return &Executor{
		cfg:      cfg,
		store:    store,
		fetcher:  fetcher,
		analyzer: analyzer,
		reporter: reporter,
		cache:    cache,
		logger:   log.With("component", "executor"),
		tracer:   tracer,
	}
}

// ExecuteTask claims a pending task and drives it to a terminal state. A
// task that cannot be claimed (already claimed, cancelled, or reaped) is
// skipped without error.
func (e *Executor) ExecuteTask(ctx context.Context, taskID uuid.UUID) error {
	log := logger.NewLoggerContext(e.logger.With("operation", "execute_task", "task_id", taskID.String()))
	ctx, span := e.tracer.Start(ctx, "executor.execute_task",
		trace.WithAttributes(attribute.String("task_id", taskID.String())))
	defer span.End()

	task, err := e.store.TransitionTask(ctx, taskID, review.TaskStatusPending, review.TaskStatusProcessing, review.TaskOutcome{})
	if err != nil {
		if review.IsConflict(err) {
			span.AddEvent("claim_lost")
			log.Debug(ctx, "task already claimed or terminal, skipping")
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to claim task")
		return fmt.Errorf("claiming task %s: %w", taskID, err)
	}
	span.AddEvent("task_claimed")

	// A cancel requested while the task sat in the queue is honored before
	// any work starts.
	if task.CancelRequested() {
		return e.cancel(ctx, span, task, nil)
	}

	request := task.Request()
	slug, _ := request.RepoSlug()
	log.Add("repository", slug, "pr_number", request.PRNumber())

	_ = e.reporter.ReportProgress(ctx, taskID, 0, "Fetching pull request files")

	files, err := e.fetcher.FetchFiles(ctx, request)
	if err != nil {
		return e.failFetch(ctx, span, log, task, err)
	}
	span.SetAttributes(attribute.Int("file_count", len(files)))
	log.Add("file_count", len(files))
	log.Info(ctx, "pull request files fetched")

	analyses := make([]review.FileAnalysis, 0, len(files))
	for i, file := range files {
		// Cancellation checkpoint: re-read the record so a flag set by the
		// API while this worker runs is observed.
		current, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			log.Debug(ctx, "cancellation checkpoint read failed", "error", err)
		} else if current.CancelRequested() {
			log.Info(ctx, "cancellation observed, stopping", "files_analyzed", len(analyses))
			return e.cancel(ctx, span, task, partialResults(request, analyses))
		}

		analyses = append(analyses, e.analyzeFile(ctx, file))

		progress := 100 * float64(i+1) / float64(len(files))
		message := fmt.Sprintf("Analyzed %d/%d files", i+1, len(files))
		_ = e.reporter.ReportProgress(ctx, taskID, progress, message)
	}

	results := &review.AnalysisResults{
		Files:   analyses,
		Summary: review.BuildSummary(analyses),
		Metadata: &review.AnalysisMetadata{
			AnalyzedAt: time.Now().UTC(),
			Repository: slug,
			PRNumber:   request.PRNumber(),
		},
	}

	if _, err := e.store.TransitionTask(ctx, taskID, review.TaskStatusProcessing, review.TaskStatusCompleted, review.TaskOutcome{Result: results}); err != nil {
		if review.IsConflict(err) {
			// The reaper or a cancel won the race; its transition stands.
			span.AddEvent("completion_lost_race")
			log.Warn(ctx, "completion discarded, task no longer processing")
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to complete task")
		return fmt.Errorf("completing task %s: %w", taskID, err)
	}

	if e.cache != nil {
		if err := e.cache.CacheResult(ctx, request.RepoURL(), request.PRNumber(), results); err != nil {
			log.Warn(ctx, "failed to cache result", "error", err)
		}
	}

	span.SetStatus(codes.Ok, "task completed")
	log.Info(ctx, "task completed",
		"total_issues", results.Summary.TotalIssues,
		"critical_issues", results.Summary.CriticalIssues)
	return nil
}

// analyzeFile runs the analyzer for one file with bounded retry. Removed
// files and files with no detected language are recorded without invoking
// the analyzer. A file that fails persistently carries its error in the
// analysis entry; it never fails the task.
func (e *Executor) analyzeFile(ctx context.Context, file review.PullRequestFile) review.FileAnalysis {
	analysis := review.FileAnalysis{
		Name:     file.Name,
		Path:     file.Path,
		Language: file.Language,
		Issues:   []review.Issue{},
	}

	if file.Status == review.FileStatusRemoved || file.Language == "" {
		return analysis
	}

	var issues []review.Issue
	operation := func() error {
		var err error
		issues, err = e.analyzer.AnalyzeFile(ctx, file)
		if err != nil {
			var analyzeErr *review.AnalyzeError
			if errors.As(err, &analyzeErr) && !analyzeErr.Transient {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = e.cfg.RetryInitialInterval

	policy := backoff.WithMaxRetries(backoff.WithContext(expBackoff, ctx), e.cfg.MaxFileRetries)
	if err := backoff.Retry(operation, policy); err != nil {
		e.logger.Warn(ctx, "file analysis failed", "file_path", file.Path, "error", err)
		analysis.Error = err.Error()
		return analysis
	}

	if issues != nil {
		analysis.Issues = issues
	}
	return analysis
}

// failFetch transitions a task to failed with a fetch error kind.
func (e *Executor) failFetch(ctx context.Context, span trace.Span, log *logger.LoggerContext, task *review.Task, fetchErr error) error {
	span.RecordError(fetchErr)
	span.SetStatus(codes.Error, "fetch failed")
	log.Error(ctx, "failed to fetch pull request files", "error", fetchErr)

	taskErr := review.NewTaskError(review.ErrorKindFetch, fetchErr.Error())
	_, err := e.store.TransitionTask(ctx, task.ID(), review.TaskStatusProcessing, review.TaskStatusFailed, review.TaskOutcome{Error: taskErr})
	if err != nil && !review.IsConflict(err) {
		return fmt.Errorf("failing task %s: %w", task.ID(), err)
	}
	return nil
}

// cancel transitions a processing task to cancelled, preserving any partial
// results gathered so far.
func (e *Executor) cancel(ctx context.Context, span trace.Span, task *review.Task, partial *review.AnalysisResults) error {
	span.AddEvent("task_cancelled")

	outcome := review.TaskOutcome{Result: partial, Message: "Task cancelled by user request"}
	_, err := e.store.TransitionTask(ctx, task.ID(), review.TaskStatusProcessing, review.TaskStatusCancelled, outcome)
	if err != nil && !review.IsConflict(err) {
		span.RecordError(err)
		return fmt.Errorf("cancelling task %s: %w", task.ID(), err)
	}
	return nil
}

// partialResults assembles the best-effort result for a cancelled task. The
// store marks it incomplete during the terminal transition.
func partialResults(request review.ReviewRequest, analyses []review.FileAnalysis) *review.AnalysisResults {
	if len(analyses) == 0 {
		return nil
	}
	slug, _ := request.RepoSlug()
	return &review.AnalysisResults{
		Files:   analyses,
		Summary: review.BuildSummary(analyses),
		Metadata: &review.AnalysisMetadata{
			AnalyzedAt: time.Now().UTC(),
			Repository: slug,
			PRNumber:   request.PRNumber(),
		},
	}
}
