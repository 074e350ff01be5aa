package review

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSummary(t *testing.T) {
	t.Parallel()

	files := []FileAnalysis{
		{
			Name: "auth.go", Path: "internal/auth.go", Language: "Go",
			Issues: []Issue{
				{Type: IssueTypeSecurity, Line: 10, Severity: SeverityCritical},
				{Type: IssueTypeStyle, Line: 22, Severity: SeverityLow},
			},
		},
		{Name: "util.py", Path: "scripts/util.py", Language: "Python", Issues: []Issue{
			{Type: IssueTypeBug, Line: 3, Severity: SeverityHigh},
		}},
		{Name: "readme.md", Path: "readme.md"},
		{Name: "main.go", Path: "cmd/main.go", Language: "Go"},
	}

	summary := BuildSummary(files)

	assert.Equal(t, 4, summary.TotalFiles)
	assert.Equal(t, 3, summary.TotalIssues)
	assert.Equal(t, 1, summary.CriticalIssues)
	assert.Equal(t, 2, summary.FilesWithIssues)
	assert.Equal(t, []string{"Go", "Python"}, summary.LanguagesDetected,
		"languages unique, in order of first appearance")
}

func TestBuildSummary_Empty(t *testing.T) {
	t.Parallel()

	summary := BuildSummary(nil)
	assert.Equal(t, 0, summary.TotalFiles)
	assert.Equal(t, 0, summary.TotalIssues)
	assert.NotNil(t, summary.LanguagesDetected)
	assert.Empty(t, summary.LanguagesDetected)
}
