package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/consuma/consuma/internal/model"
	"github.com/consuma/consuma/internal/work"
)

const maxBodySize = 1 << 20 // 1 MB

// syncRequest is the JSON body for POST /sync.
type syncRequest struct {
	InputData  string `json:"input_data"`
	Iterations *int   `json:"iterations"`
}

// syncResponse is returned when inline processing completes.
type syncResponse struct {
	RequestID  string  `json:"request_id"`
	Status     string  `json:"status"`
	Result     string  `json:"result"`
	Iterations int     `json:"iterations"`
	DurationMS float64 `json:"duration_ms"`
}

// validateCommon checks the fields shared by the sync and async bodies and
// returns a 422 detail message, or "" when valid.
func validateCommon(inputData string, iterations *int) string {
	if len(inputData) < 1 || len(inputData) > model.MaxInputBytes {
		return fmt.Sprintf("input_data must be 1..%d bytes", model.MaxInputBytes)
	}
	if iterations != nil && (*iterations < 1 || *iterations > model.MaxIterations) {
		return fmt.Sprintf("iterations must be 1..%d", model.MaxIterations)
	}
	return ""
}

// handleSync runs the workload inline on the request path. That blocking is
// deliberate: it is the baseline the async endpoint is compared against.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDetail(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}

	if detail := validateCommon(req.InputData, req.Iterations); detail != "" {
		s.writeDetail(w, http.StatusUnprocessableEntity, detail)
		return
	}

	iterations := s.cfg.DefaultIterations
	if req.Iterations != nil {
		iterations = *req.Iterations
	}

	rec := &model.Request{
		ID:         model.NewID(),
		Mode:       model.ModeSync,
		InputData:  req.InputData,
		Iterations: iterations,
		Status:     model.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.InsertRequest(r.Context(), rec); err != nil {
		s.logger.Error("insert sync request", "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "failed to create request")
		return
	}

	result := work.Compute(req.InputData, iterations)

	if err := s.store.UpdateRequestResult(r.Context(), rec.ID, model.StatusCompleted, result.Digest, result.DurationMS); err != nil {
		s.logger.Error("persist sync result", "request_id", rec.ID, "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "failed to persist result")
		return
	}

	s.writeJSON(w, http.StatusOK, syncResponse{
		RequestID:  rec.ID,
		Status:     model.StatusCompleted,
		Result:     result.Digest,
		Iterations: result.Iterations,
		DurationMS: result.DurationMS,
	})
}
