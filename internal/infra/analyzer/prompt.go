package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/reviewhound/reviewhound/internal/domain/review"
)

const systemPrompt = `You are an expert code reviewer. Review the given diff and report issues as a JSON array. Each issue has the fields: "type" (one of "style", "bug", "performance", "security", "best_practice"), "line" (the line number in the new file), "description", "suggestion", and "severity" (one of "low", "medium", "high", "critical"). Respond with the JSON array only. Respond with [] when there is nothing to report.`

// buildPrompt renders the per-file user message. The diff is the primary
// signal; full file content is included when the fetcher provided it.
func buildPrompt(file review.PullRequestFile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n", file.Path)
	if file.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", file.Language)
	}
	fmt.Fprintf(&b, "\nDiff:\n%s\n", file.Patch)
	if file.Content != "" {
		fmt.Fprintf(&b, "\nFull content:\n%s\n", file.Content)
	}
	return b.String()
}

// parseIssues extracts the issue array from a model reply. Models often wrap
// JSON in a markdown code fence, so the fence is stripped before decoding.
func parseIssues(content string) ([]review.Issue, error) {
	trimmed := strings.TrimSpace(content)
	if after, ok := strings.CutPrefix(trimmed, "```json"); ok {
		trimmed = after
	} else if after, ok := strings.CutPrefix(trimmed, "```"); ok {
		trimmed = after
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	trimmed = strings.TrimSpace(trimmed)

	// Some models preface the array with prose. Recover by slicing from the
	// first bracket to the last.
	if !strings.HasPrefix(trimmed, "[") {
		start := strings.Index(trimmed, "[")
		end := strings.LastIndex(trimmed, "]")
		if start == -1 || end == -1 || end < start {
			return nil, fmt.Errorf("analyzer reply contains no issue array")
		}
		trimmed = trimmed[start : end+1]
	}

	var issues []review.Issue
	if err := json.Unmarshal([]byte(trimmed), &issues); err != nil {
		return nil, fmt.Errorf("parsing analyzer reply: %w", err)
	}
	return issues, nil
}
