package review

import (
	"fmt"
	"net/url"
	"strings"
)

// ReviewRequest is the immutable input payload of a task: which pull request
// to analyze and, optionally, a credential to fetch it with. It is fixed at
// submission and never mutated afterwards; a retrigger clones it verbatim.
type ReviewRequest struct {
	repoURL     string
	prNumber    int
	githubToken string
}

// NewReviewRequest validates and constructs a ReviewRequest.
func NewReviewRequest(repoURL string, prNumber int, githubToken string) (ReviewRequest, error) {
	if _, err := url.ParseRequestURI(repoURL); err != nil {
		return ReviewRequest{}, fmt.Errorf("invalid repository URL %q: %w", repoURL, err)
	}
	if prNumber <= 0 {
		return ReviewRequest{}, fmt.Errorf("invalid pull request number %d", prNumber)
	}
	return ReviewRequest{repoURL: repoURL, prNumber: prNumber, githubToken: githubToken}, nil
}

// ReconstructReviewRequest creates a ReviewRequest from persisted data without
// re-validating. This should only be used by repositories.
func ReconstructReviewRequest(repoURL string, prNumber int, githubToken string) ReviewRequest {
	return ReviewRequest{repoURL: repoURL, prNumber: prNumber, githubToken: githubToken}
}

// RepoURL returns the repository URL the pull request belongs to.
func (r ReviewRequest) RepoURL() string { return r.repoURL }

// PRNumber returns the pull request number to analyze.
func (r ReviewRequest) PRNumber() int { return r.prNumber }

// GithubToken returns the optional credential for private repositories.
// It must never appear in API responses or log output.
func (r ReviewRequest) GithubToken() string { return r.githubToken }

// RepoSlug extracts the "owner/name" portion of the repository URL.
// It returns an error for URLs that do not look like a repository path.
func (r ReviewRequest) RepoSlug() (string, error) {
	u, err := url.Parse(r.repoURL)
	if err != nil {
		return "", fmt.Errorf("parsing repository URL: %w", err)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("repository URL %q has no owner/name path", r.repoURL)
	}

	name := strings.TrimSuffix(parts[1], ".git")
	return parts[0] + "/" + name, nil
}
