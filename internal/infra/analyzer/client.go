// Package analyzer provides the LLM-backed per-file analyzer client. It
// speaks an OpenAI-style chat completions API and parses the model's reply
// into structured issues.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reviewhound/reviewhound/internal/domain/review"
	"github.com/reviewhound/reviewhound/pkg/common/logger"
)

const defaultModel = "gpt-4o-mini"

var _ review.FileAnalyzer = (*Client)(nil)

// Config holds the analyzer endpoint settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Client invokes the chat completions endpoint once per file and parses the
// reply into issues. Failures carry a *review.AnalyzeError whose Transient
// flag drives the caller's retry policy.
type Client struct {
	cfg        Config
	httpClient *http.Client

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient creates an analyzer client.
func NewClient(cfg Config, httpClient *http.Client, log *logger.Logger, tracer trace.Tracer) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     log.With("component", "analyzer_client"),
		tracer:     tracer,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// AnalyzeFile submits one file's diff for review.
func (c *Client) AnalyzeFile(ctx context.Context, file review.PullRequestFile) ([]review.Issue, error) {
	ctx, span := c.tracer.Start(ctx, "analyzer_client.analyze_file",
		trace.WithAttributes(
			attribute.String("file_path", file.Path),
			attribute.String("language", file.Language),
		))
	defer span.End()

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(file)},
		},
	})
	if err != nil {
		span.RecordError(err)
		return nil, &review.AnalyzeError{Transient: false, Err: fmt.Errorf("marshaling request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return nil, &review.AnalyzeError{Transient: false, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analyzer request failed")
		return nil, &review.AnalyzeError{Transient: true, Err: err}
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		analyzeErr := classifyStatus(resp.StatusCode, data)
		span.RecordError(analyzeErr)
		span.SetStatus(codes.Error, "analyzer returned non-200")
		return nil, analyzeErr
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		span.RecordError(err)
		return nil, &review.AnalyzeError{Transient: false, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if chat.Error != nil {
		return nil, &review.AnalyzeError{Transient: false, Err: fmt.Errorf("analyzer error: %s", chat.Error.Message)}
	}
	if len(chat.Choices) == 0 {
		return nil, &review.AnalyzeError{Transient: false, Err: fmt.Errorf("analyzer returned no choices")}
	}

	issues, err := parseIssues(chat.Choices[0].Message.Content)
	if err != nil {
		span.RecordError(err)
		return nil, &review.AnalyzeError{Transient: false, Err: err}
	}

	span.SetAttributes(attribute.Int("issue_count", len(issues)))
	span.SetStatus(codes.Ok, "file analyzed")
	c.logger.Debug(ctx, "analyzed file", "file_path", file.Path, "issue_count", len(issues))
	return issues, nil
}

// classifyStatus decides whether a non-200 response is worth retrying.
// Quota exhaustion and server-side failures are transient; anything the
// caller sent wrong is not.
func classifyStatus(status int, body []byte) *review.AnalyzeError {
	err := fmt.Errorf("analyzer responded %d: %s", status, string(body))
	transient := status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
	return &review.AnalyzeError{Transient: transient, Err: err}
}
