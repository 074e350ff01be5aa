// Package github provides the pull request file fetcher backed by the
// GitHub REST API.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reviewhound/reviewhound/internal/domain/review"
	"github.com/reviewhound/reviewhound/pkg/common"
	"github.com/reviewhound/reviewhound/pkg/common/logger"
)

const (
	defaultBaseURL = "https://api.github.com"
	filesPerPage   = 100

	// maxPages caps pagination at GitHub's own 3000-file limit for the
	// pull request files endpoint.
	maxPages = 30
)

var _ review.PullRequestFetcher = (*Client)(nil)

// Client fetches the changed files of a pull request with rate limiting and
// tracing.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

// ClientOption configures optional Client behavior.
type ClientOption func(*Client)

// WithBaseURL points the client at a different API host, e.g. a GitHub
// Enterprise instance or a test server.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = baseURL }
}

// NewClient creates a pull request file client.
func NewClient(httpClient *http.Client, log *logger.Logger, tracer trace.Tracer, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	// GitHub's default rate limit is 5000 requests per hour.
	// Setting initial rate to 4500/hour (1.25/second) to be conservative.
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  httpClient,
		rateLimiter: common.NewRateLimiter(1.25, 5),
		logger:      log.With("component", "github_client"),
		tracer:      tracer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// prFile is the wire shape of one entry from the pull request files endpoint.
type prFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Patch     string `json:"patch"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// FetchFiles retrieves the changed files of a pull request in API order.
// Failures are classified into *review.FetchError kinds so the caller can
// map them onto task failure reasons.
func (c *Client) FetchFiles(ctx context.Context, request review.ReviewRequest) ([]review.PullRequestFile, error) {
	slug, slugErr := request.RepoSlug()

	ctx, span := c.tracer.Start(ctx, "github_client.fetch_files",
		trace.WithAttributes(
			attribute.String("repository", slug),
			attribute.Int("pr_number", request.PRNumber()),
		))
	defer span.End()

	if slugErr != nil {
		err := &review.FetchError{Kind: review.FetchErrorKindNotFound, Err: slugErr}
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid repository URL")
		return nil, err
	}

	var files []review.PullRequestFile
	for page := 1; page <= maxPages; page++ {
		batch, err := c.fetchPage(ctx, slug, request.PRNumber(), request.GithubToken(), page)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to fetch pull request files")
			return nil, err
		}

		for _, f := range batch {
			files = append(files, review.PullRequestFile{
				Name:      path.Base(f.Filename),
				Path:      f.Filename,
				Status:    review.FileStatus(f.Status),
				Patch:     f.Patch,
				Language:  LanguageForPath(f.Filename),
				Additions: f.Additions,
				Deletions: f.Deletions,
			})
		}

		if len(batch) < filesPerPage {
			break
		}
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	span.SetStatus(codes.Ok, "pull request files fetched")
	c.logger.Debug(ctx, "fetched pull request files",
		"repository", slug, "pr_number", request.PRNumber(), "file_count", len(files))
	return files, nil
}

func (c *Client) fetchPage(ctx context.Context, slug string, prNumber int, token string, page int) ([]prFile, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, &review.FetchError{Kind: review.FetchErrorKindNetwork, Err: fmt.Errorf("rate limiter wait failed: %w", err)}
	}

	apiURL := fmt.Sprintf("%s/repos/%s/pulls/%d/files?per_page=%d&page=%d",
		c.baseURL, slug, prNumber, filesPerPage, page)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, &review.FetchError{Kind: review.FetchErrorKindNetwork, Err: fmt.Errorf("creating request: %w", err)}
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &review.FetchError{Kind: review.FetchErrorKindNetwork, Err: err}
	}
	defer resp.Body.Close()

	c.updateRateLimits(ctx, resp.Header)

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus(resp.StatusCode, resp.Header, data)
	}

	var batch []prFile
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, &review.FetchError{Kind: review.FetchErrorKindNetwork, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return batch, nil
}

// classifyStatus maps a non-200 response onto a fetch error kind. A 403 with
// an exhausted quota header is a rate limit, not an auth failure.
func classifyStatus(status int, headers http.Header, body []byte) *review.FetchError {
	err := fmt.Errorf("github responded %d: %s", status, string(body))

	switch status {
	case http.StatusUnauthorized:
		return &review.FetchError{Kind: review.FetchErrorKindAuth, Err: err}
	case http.StatusForbidden:
		if headers.Get("X-RateLimit-Remaining") == "0" {
			return &review.FetchError{Kind: review.FetchErrorKindRateLimit, Err: err}
		}
		return &review.FetchError{Kind: review.FetchErrorKindAuth, Err: err}
	case http.StatusNotFound:
		return &review.FetchError{Kind: review.FetchErrorKindNotFound, Err: err}
	case http.StatusTooManyRequests:
		return &review.FetchError{Kind: review.FetchErrorKindRateLimit, Err: err}
	default:
		return &review.FetchError{Kind: review.FetchErrorKindNetwork, Err: err}
	}
}

// updateRateLimits retunes the limiter from GitHub's quota headers.
func (c *Client) updateRateLimits(ctx context.Context, headers http.Header) {
	remaining := headers.Get("X-RateLimit-Remaining")
	reset := headers.Get("X-RateLimit-Reset")
	limit := headers.Get("X-RateLimit-Limit")

	remainingVal, _ := strconv.ParseInt(remaining, 10, 64)
	resetVal, _ := strconv.ParseInt(reset, 10, 64)
	limitVal, _ := strconv.ParseInt(limit, 10, 64)

	if remainingVal > 0 && resetVal > 0 && limitVal > 0 {
		resetTime := time.Unix(resetVal, 0)
		duration := time.Until(resetTime)
		if duration > 0 {
			// Spend the remaining quota evenly until the window resets,
			// keeping 10% in reserve.
			rps := float64(remainingVal) / duration.Seconds()
			c.rateLimiter.UpdateLimits(rps*0.9, int(remainingVal/10))
			c.logger.Debug(ctx, "rate limiter retuned",
				"requests_per_second", c.rateLimiter.Limit(),
				"remaining", remainingVal)
		}
	}
}
