package api

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "review_api"

// Metrics defines the counters the API layer records.
type Metrics interface {
	IncRequestsTotal(ctx context.Context, method, path string, status int)
	ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration)
	IncSubmissionsTotal(ctx context.Context)
	IncSubmissionErrors(ctx context.Context, reason string)
}

type apiMetrics struct {
	requestsTotal    metric.Int64Counter
	requestDuration  metric.Float64Histogram
	submissionsTotal metric.Int64Counter
	submissionErrors metric.Int64Counter
}

// NewMetrics builds the API metric instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(apiMetrics)
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	); err != nil {
		return nil, err
	}

	if m.submissionsTotal, err = meter.Int64Counter(
		"task_submissions_total",
		metric.WithDescription("Total number of accepted review submissions"),
	); err != nil {
		return nil, err
	}

	if m.submissionErrors, err = meter.Int64Counter(
		"task_submission_errors_total",
		metric.WithDescription("Total number of rejected review submissions"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *apiMetrics) IncRequestsTotal(ctx context.Context, method, path string, status int) {
	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	))
}

func (m *apiMetrics) ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration) {
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))
}

func (m *apiMetrics) IncSubmissionsTotal(ctx context.Context) {
	m.submissionsTotal.Add(ctx, 1)
}

func (m *apiMetrics) IncSubmissionErrors(ctx context.Context, reason string) {
	m.submissionErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}
