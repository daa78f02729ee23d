package api

import (
	"math"
	"net/http"
	"time"
)

type healthResponse struct {
	Status        string  `json:"status"`
	QueueDepth    int     `json:"queue_depth"`
	ActiveWorkers int     `json:"active_workers"`
	DBConnected   bool    `json:"db_connected"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbConnected := s.store.Ping(r.Context()) == nil

	status := "ok"
	if !dbConnected {
		status = "degraded"
	}

	resp := healthResponse{
		Status:        status,
		DBConnected:   dbConnected,
		UptimeSeconds: math.Round(time.Since(s.startTime).Seconds()*100) / 100,
	}
	if s.queue != nil {
		resp.QueueDepth = s.queue.Depth()
		resp.ActiveWorkers = s.queue.ActiveWorkers()
	}

	s.writeJSON(w, http.StatusOK, resp)
}
