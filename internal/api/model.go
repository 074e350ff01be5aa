package api

import (
	"time"

	"github.com/reviewhound/reviewhound/internal/domain/review"
)

// analyzeRequest is the payload for submitting a pull request review.
// The token is accepted here and never echoed back in any response.
type analyzeRequest struct {
	RepoURL     string `json:"repo_url" validate:"required,url"`
	PRNumber    int    `json:"pr_number" validate:"required,gt=0"`
	GithubToken string `json:"github_token,omitempty"`
}

// cleanupRequest tunes an on-demand stale-task sweep.
type cleanupRequest struct {
	MaxAge string `json:"max_age,omitempty"`
}

// taskResponse is the external shape of a task. The review request's
// credential is deliberately absent.
type taskResponse struct {
	TaskID          string     `json:"task_id"`
	RepoURL         string     `json:"repo_url"`
	PRNumber        int        `json:"pr_number"`
	Status          string     `json:"status"`
	Progress        float64    `json:"progress"`
	Message         string     `json:"message,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	OriginTaskID    string     `json:"origin_task_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// resultsResponse carries the terminal outcome of a task: the analysis for a
// completed or cancelled task, the error payload for a failed one.
type resultsResponse struct {
	TaskID  string                  `json:"task_id"`
	Status  string                  `json:"status"`
	Results *review.AnalysisResults `json:"results,omitempty"`
	Error   *review.TaskError       `json:"error,omitempty"`
}

// listResponse is the shape of a task listing. It echoes the applied filter
// so pollers can tell a narrowed listing from the full one.
type listResponse struct {
	Tasks        []taskResponse `json:"tasks"`
	Total        int            `json:"total"`
	StatusCounts map[string]int `json:"status_counts"`
	Filter       string         `json:"filter,omitempty"`
	Limit        int            `json:"limit,omitempty"`
}

func toTaskResponse(task *review.Task) taskResponse {
	message := task.Message()
	if message == "" {
		message = review.DefaultStatusMessage(task.Status())
	}
	resp := taskResponse{
		TaskID:          task.ID().String(),
		RepoURL:         task.Request().RepoURL(),
		PRNumber:        task.Request().PRNumber(),
		Status:          task.Status().String(),
		Progress:        task.Progress(),
		Message:         message,
		CancelRequested: task.CancelRequested(),
		CreatedAt:       task.CreatedAt(),
		StartedAt:       optionalTime(task.StartedAt()),
		CompletedAt:     optionalTime(task.CompletedAt()),
		UpdatedAt:       task.UpdatedAt(),
	}
	if origin := task.OriginTaskID(); origin != nil {
		resp.OriginTaskID = origin.String()
	}
	return resp
}

func toResultsResponse(task *review.Task) resultsResponse {
	return resultsResponse{
		TaskID:  task.ID().String(),
		Status:  task.Status().String(),
		Results: task.Result(),
		Error:   task.TaskError(),
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
