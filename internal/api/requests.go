package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/consuma/consuma/internal/model"
	"github.com/consuma/consuma/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// requestSummary is one element of the GET /requests listing.
type requestSummary struct {
	ID         string     `json:"id"`
	Mode       string     `json:"mode"`
	Status     string     `json:"status"`
	DurationMS *float64   `json:"duration_ms"`
	CreatedAt  *time.Time `json:"created_at"`
}

// attemptDetail is one element of a request's delivery trace.
type attemptDetail struct {
	AttemptNumber int        `json:"attempt_number"`
	StatusCode    *int       `json:"status_code"`
	Error         *string    `json:"error"`
	DurationMS    float64    `json:"duration_ms"`
	CreatedAt     *time.Time `json:"created_at"`
}

// requestDetail is the full GET /requests/{id} view, including the ordered
// callback delivery trace for async requests.
type requestDetail struct {
	model.Request
	DeliveryTrace []attemptDetail `json:"delivery_trace"`
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if mode != "" && mode != model.ModeSync && mode != model.ModeAsync {
		s.writeDetail(w, http.StatusUnprocessableEntity, "mode must be sync or async")
		return
	}

	limit, ok := parseIntQuery(r, "limit", defaultListLimit)
	if !ok || limit < 1 || limit > maxListLimit {
		s.writeDetail(w, http.StatusUnprocessableEntity, "limit must be 1..200")
		return
	}
	offset, ok := parseIntQuery(r, "offset", 0)
	if !ok || offset < 0 {
		s.writeDetail(w, http.StatusUnprocessableEntity, "offset must be >= 0")
		return
	}

	requests, err := s.store.ListRequests(r.Context(), mode, limit, offset)
	if err != nil {
		s.logger.Error("list requests", "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "failed to list requests")
		return
	}

	summaries := make([]requestSummary, 0, len(requests))
	for _, req := range requests {
		createdAt := req.CreatedAt
		summaries = append(summaries, requestSummary{
			ID:         req.ID,
			Mode:       req.Mode,
			Status:     req.Status,
			DurationMS: req.DurationMS,
			CreatedAt:  &createdAt,
		})
	}

	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, err := s.store.GetRequest(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeDetail(w, http.StatusNotFound, "Request not found")
		return
	}
	if err != nil {
		s.logger.Error("get request", "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "failed to get request")
		return
	}

	detail := requestDetail{Request: *req, DeliveryTrace: []attemptDetail{}}
	if req.Mode == model.ModeAsync {
		attempts, err := s.store.GetCallbackAttempts(r.Context(), id)
		if err != nil {
			s.logger.Error("get callback attempts", "request_id", id, "error", err)
			s.writeDetail(w, http.StatusInternalServerError, "failed to get delivery trace")
			return
		}
		for _, a := range attempts {
			createdAt := a.CreatedAt
			detail.DeliveryTrace = append(detail.DeliveryTrace, attemptDetail{
				AttemptNumber: a.AttemptNumber,
				StatusCode:    a.StatusCode,
				Error:         a.Error,
				DurationMS:    a.DurationMS,
				CreatedAt:     &createdAt,
			})
		}
	}

	s.writeJSON(w, http.StatusOK, detail)
}

// parseIntQuery parses an integer query parameter with a default value. The
// second return is false when the parameter is present but not an integer.
func parseIntQuery(r *http.Request, key string, defaultVal int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
