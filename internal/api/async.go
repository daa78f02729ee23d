package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/consuma/consuma/internal/callback"
	"github.com/consuma/consuma/internal/model"
	"github.com/consuma/consuma/internal/queue"
)

// asyncRequest is the JSON body for POST /async.
type asyncRequest struct {
	InputData   string `json:"input_data"`
	CallbackURL string `json:"callback_url"`
	Iterations  *int   `json:"iterations"`
}

// asyncResponse is returned on 202 acceptance.
type asyncResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// handleAsync validates, persists a pending record, and enqueues the task.
// The result is delivered to the callback URL when a worker finishes.
func (s *Server) handleAsync(w http.ResponseWriter, r *http.Request) {
	var req asyncRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDetail(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}

	if detail := validateCommon(req.InputData, req.Iterations); detail != "" {
		s.writeDetail(w, http.StatusUnprocessableEntity, detail)
		return
	}
	if len(req.CallbackURL) < 1 || len(req.CallbackURL) > model.MaxCallbackURLLen {
		s.writeDetail(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("callback_url must be 1..%d bytes", model.MaxCallbackURLLen))
		return
	}

	if err := s.validator.Validate(r.Context(), req.CallbackURL); err != nil {
		var ssrfErr *callback.SSRFError
		if errors.As(err, &ssrfErr) {
			s.writeDetail(w, http.StatusBadRequest, fmt.Sprintf("Invalid callback URL: %v", ssrfErr))
			return
		}
		s.logger.Error("validate callback URL", "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "failed to validate callback URL")
		return
	}

	if s.queue == nil {
		s.writeDetail(w, http.StatusServiceUnavailable, "Task queue not initialized")
		return
	}

	iterations := s.cfg.DefaultIterations
	if req.Iterations != nil {
		iterations = *req.Iterations
	}

	cbStatus := model.CallbackPending
	rec := &model.Request{
		ID:             model.NewID(),
		Mode:           model.ModeAsync,
		InputData:      req.InputData,
		Iterations:     iterations,
		Status:         model.StatusPending,
		CallbackURL:    &req.CallbackURL,
		CallbackStatus: &cbStatus,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.InsertRequest(r.Context(), rec); err != nil {
		s.logger.Error("insert async request", "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "failed to create request")
		return
	}

	accepted := s.queue.Enqueue(queue.Task{
		RequestID:   rec.ID,
		InputData:   req.InputData,
		Iterations:  iterations,
		CallbackURL: req.CallbackURL,
	})
	if !accepted {
		w.Header().Set("Retry-After", "5")
		s.writeDetail(w, http.StatusServiceUnavailable, "Server overloaded — queue is full")
		return
	}

	s.writeJSON(w, http.StatusAccepted, asyncResponse{
		RequestID: rec.ID,
		Status:    "accepted",
		Message:   "Request accepted. Result will be delivered to callback URL.",
	})
}
