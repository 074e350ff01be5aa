package review

import "time"

// IssueType categorizes a single finding reported by the analyzer.
type IssueType string

const (
	IssueTypeStyle        IssueType = "style"
	IssueTypeBug          IssueType = "bug"
	IssueTypePerformance  IssueType = "performance"
	IssueTypeSecurity     IssueType = "security"
	IssueTypeBestPractice IssueType = "best_practice"
)

// Severity grades how urgent a finding is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Issue is a single finding in a file, as produced by the per-file analyzer.
// These are plain payload values; the lifecycle manager carries them opaquely.
type Issue struct {
	Type        IssueType `json:"type"`
	Line        int       `json:"line"`
	Description string    `json:"description"`
	Suggestion  string    `json:"suggestion"`
	Severity    Severity  `json:"severity,omitempty"`
}

// FileAnalysis holds the outcome of analyzing one file. A file that failed
// analysis persistently carries its error here instead of failing the task;
// one bad file never aborts the whole review.
type FileAnalysis struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	Language string  `json:"language,omitempty"`
	Issues   []Issue `json:"issues"`
	Error    string  `json:"error,omitempty"`
}

// AnalysisSummary aggregates per-file findings into headline counts.
type AnalysisSummary struct {
	TotalFiles        int      `json:"total_files"`
	TotalIssues       int      `json:"total_issues"`
	CriticalIssues    int      `json:"critical_issues"`
	FilesWithIssues   int      `json:"files_with_issues"`
	LanguagesDetected []string `json:"languages_detected"`
}

// AnalysisMetadata records context about the analysis run itself.
type AnalysisMetadata struct {
	AnalyzedAt time.Time `json:"analyzed_at"`
	Repository string    `json:"repository"`
	PRNumber   int       `json:"pr_number"`
}

// AnalysisResults is the structured output of a completed task. File order
// matches the order the files were fetched in. Incomplete marks a best-effort
// partial result preserved when the task was cancelled mid-pipeline.
type AnalysisResults struct {
	Files      []FileAnalysis    `json:"files"`
	Summary    AnalysisSummary   `json:"summary"`
	Metadata   *AnalysisMetadata `json:"metadata,omitempty"`
	Incomplete bool              `json:"incomplete,omitempty"`
}

// BuildSummary computes the aggregate counts for a set of file analyses.
// Languages are reported uniquely, in order of first appearance.
func BuildSummary(files []FileAnalysis) AnalysisSummary {
	summary := AnalysisSummary{TotalFiles: len(files), LanguagesDetected: []string{}}

	seen := make(map[string]struct{})
	for _, f := range files {
		summary.TotalIssues += len(f.Issues)
		if len(f.Issues) > 0 {
			summary.FilesWithIssues++
		}
		for _, issue := range f.Issues {
			if issue.Severity == SeverityCritical {
				summary.CriticalIssues++
			}
		}
		if f.Language != "" {
			if _, ok := seen[f.Language]; !ok {
				seen[f.Language] = struct{}{}
				summary.LanguagesDetected = append(summary.LanguagesDetected, f.Language)
			}
		}
	}

	return summary
}
