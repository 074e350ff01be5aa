package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apprev "github.com/reviewhound/reviewhound/internal/app/review"
	"github.com/reviewhound/reviewhound/internal/domain/review"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error(r.Context(), "failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var stateErr *review.TaskInvalidStateError

	switch {
	case errors.Is(err, review.ErrTaskNotFound):
		s.respond(w, r, http.StatusNotFound, errorResponse{Error: "task not found"})
	case errors.Is(err, review.ErrTaskAlreadyTerminal):
		s.respond(w, r, http.StatusConflict, errorResponse{Error: "task already in terminal state"})
	case errors.As(err, &stateErr):
		s.respond(w, r, http.StatusConflict, errorResponse{Error: stateErr.Error()})
	case errors.Is(err, apprev.ErrQueueFull):
		s.respond(w, r, http.StatusServiceUnavailable, errorResponse{Error: "task queue is full, try again later"})
	default:
		s.logger.Error(r.Context(), "request failed", "error", err)
		s.respond(w, r, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *Server) taskIDFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respond(w, r, http.StatusBadRequest, errorResponse{Error: "invalid task ID"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleAnalyzePR(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respond(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		if s.metrics != nil {
			s.metrics.IncSubmissionErrors(r.Context(), "validation")
		}
		s.respond(w, r, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	task, err := s.service.Submit(r.Context(), req.RepoURL, req.PRNumber, req.GithubToken)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncSubmissionErrors(r.Context(), "submit")
		}
		s.respondError(w, r, err)
		return
	}

	if s.metrics != nil {
		s.metrics.IncSubmissionsTotal(r.Context())
	}
	s.respond(w, r, http.StatusAccepted, toTaskResponse(task))
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskIDFromRequest(w, r)
	if !ok {
		return
	}

	task, err := s.service.Status(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, toTaskResponse(task))
}

func (s *Server) handleTaskResults(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskIDFromRequest(w, r)
	if !ok {
		return
	}

	task, err := s.service.Results(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, toResultsResponse(task))
}

func (s *Server) handleRetriggerTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskIDFromRequest(w, r)
	if !ok {
		return
	}

	clone, err := s.service.Retrigger(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusAccepted, toTaskResponse(clone))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskIDFromRequest(w, r)
	if !ok {
		return
	}

	task, err := s.service.Cancel(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusAccepted, toTaskResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter review.TaskFilter

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := review.ParseTaskStatus(raw)
		if status == review.TaskStatusUnspecified {
			s.respond(w, r, http.StatusBadRequest, errorResponse{Error: "invalid status filter"})
			return
		}
		filter.Status = status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.respond(w, r, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	listing, err := s.service.List(r.Context(), filter)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	resp := listResponse{
		Tasks:        make([]taskResponse, 0, len(listing.Tasks)),
		Total:        len(listing.Tasks),
		StatusCounts: make(map[string]int, len(listing.StatusCount)),
		Filter:       filter.Status.String(),
		Limit:        filter.Limit,
	}
	for _, task := range listing.Tasks {
		resp.Tasks = append(resp.Tasks, toTaskResponse(task))
	}
	for status, count := range listing.StatusCount {
		resp.StatusCounts[status.String()] = count
	}
	s.respond(w, r, http.StatusOK, resp)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var maxAge time.Duration
	if r.Body != nil && r.ContentLength != 0 {
		var req cleanupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respond(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
		if req.MaxAge != "" {
			parsed, err := time.ParseDuration(req.MaxAge)
			if err != nil || parsed <= 0 {
				s.respond(w, r, http.StatusBadRequest, errorResponse{Error: "invalid max_age"})
				return
			}
			maxAge = parsed
		}
	}

	report, err := s.service.Cleanup(r.Context(), maxAge)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, report)
}
