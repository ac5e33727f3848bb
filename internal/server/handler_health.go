package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/gowas/pkg/model"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Scheduler string `json:"scheduler"`
	Store     string `json:"store"`
	Intake    string `json:"intake"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	resp := healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Scheduler: "disabled",
		Store:     s.storeDriver,
		Intake:    "disabled",
	}
	if resp.Store == "" {
		resp.Store = "configured"
	}
	if s.scheduler != nil {
		resp.Scheduler = "not_started"
		if s.schedulerRunning {
			resp.Scheduler = "running"
		}
	}
	if s.intake != nil {
		resp.Intake = "enabled"
	}

	// A one-row listing doubles as a store ping.
	if _, _, err := s.store.ListWorkflows(r.Context(), model.ListOptions{Limit: 1}); err != nil {
		s.logger.Error("health check: store unavailable", "error", err)
		resp.Status = "degraded"
		resp.Store = "unavailable"
	}
	respondOK(w, reqID, resp)
}
