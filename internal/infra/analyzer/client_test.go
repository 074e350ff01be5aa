package analyzer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/reviewhound/reviewhound/internal/domain/review"
	"github.com/reviewhound/reviewhound/pkg/common/logger"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(
		Config{BaseURL: srv.URL, APIKey: "sk-test"},
		srv.Client(),
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
	)
}

func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	reply := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	require.NoError(t, json.NewEncoder(w).Encode(reply))
}

func testFile() review.PullRequestFile {
	return review.PullRequestFile{
		Name:     "models.py",
		Path:     "app/models.py",
		Status:   review.FileStatusModified,
		Patch:    "@@ -1,2 +1,3 @@",
		Language: "python",
	}
}

func TestClient_AnalyzeFile(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		chatReply(t, w, `[{"type":"bug","line":3,"description":"possible nil deref","suggestion":"guard it","severity":"high"}]`)
	}))

	issues, err := client.AnalyzeFile(context.Background(), testFile())
	require.NoError(t, err)

	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	require.Len(t, issues, 1)
	assert.Equal(t, review.IssueTypeBug, issues[0].Type)
	assert.Equal(t, 3, issues[0].Line)
	assert.Equal(t, review.SeverityHigh, issues[0].Severity)
}

func TestClient_AnalyzeFile_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, wantTransient: true},
		{name: "server error", status: http.StatusInternalServerError, wantTransient: true},
		{name: "bad gateway", status: http.StatusBadGateway, wantTransient: true},
		{name: "bad request", status: http.StatusBadRequest, wantTransient: false},
		{name: "unauthorized", status: http.StatusUnauthorized, wantTransient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			_, err := client.AnalyzeFile(context.Background(), testFile())
			var analyzeErr *review.AnalyzeError
			require.ErrorAs(t, err, &analyzeErr)
			assert.Equal(t, tt.wantTransient, analyzeErr.Transient)
		})
	}
}

func TestClient_AnalyzeFile_MalformedReply(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, "I could not review this file.")
	}))

	_, err := client.AnalyzeFile(context.Background(), testFile())
	var analyzeErr *review.AnalyzeError
	require.ErrorAs(t, err, &analyzeErr)
	assert.False(t, analyzeErr.Transient, "an unparseable reply is not worth retrying")
}

func TestParseIssues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{name: "bare array", content: `[{"type":"style","line":1,"description":"d","suggestion":"s"}]`, want: 1},
		{name: "empty array", content: `[]`, want: 0},
		{
			name:    "fenced json",
			content: "```json\n[{\"type\":\"bug\",\"line\":2,\"description\":\"d\",\"suggestion\":\"s\"}]\n```",
			want:    1,
		},
		{
			name:    "prose around the array",
			content: `Here are the findings: [{"type":"security","line":9,"description":"d","suggestion":"s","severity":"critical"}] Let me know!`,
			want:    1,
		},
		{name: "no array at all", content: "nothing to see", wantErr: true},
		{name: "broken json", content: `[{"type":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			issues, err := parseIssues(tt.content)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, issues, tt.want)
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	prompt := buildPrompt(testFile())
	assert.Contains(t, prompt, "File: app/models.py")
	assert.Contains(t, prompt, "Language: python")
	assert.Contains(t, prompt, "@@ -1,2 +1,3 @@")
	assert.NotContains(t, prompt, "Full content", "content block is omitted when empty")
}
