package api

import (
	"context"
	"net/http"
	"time"

	"github.com/snarg/media-scribe/internal/jobs"
)

// Tool is an external binary the pipeline shells out to.
type Tool interface {
	Available() bool
}

type HealthResponse struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Checks        map[string]string  `json:"checks"`
	Queue         *jobs.QueueStats   `json:"queue,omitempty"`
	Watcher       *WatcherStatusData `json:"watcher,omitempty"`
}

type HealthHandler struct {
	jobs      JobQueue
	history   JobHistory
	mqtt      Connectivity
	watcher   WatcherSource
	tools     map[string]Tool
	version   string
	startTime time.Time
}

func NewHealthHandler(opts Options) *HealthHandler {
	return &HealthHandler{
		jobs:      opts.Jobs,
		history:   opts.History,
		mqtt:      opts.MQTT,
		watcher:   opts.Watcher,
		tools:     opts.Tools,
		version:   opts.Version,
		startTime: opts.StartTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK
	degrade := func() {
		if status == "healthy" {
			status = "degraded"
		}
	}

	// External tools are required for every job
	for name, tool := range h.tools {
		if tool.Available() {
			checks[name] = "ok"
		} else {
			checks[name] = "missing"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	// Database check
	if h.history != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		err := h.history.HealthCheck(ctx)
		cancel()
		if err != nil {
			checks["database"] = "error"
			degrade()
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not_configured"
	}

	// MQTT check
	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			degrade()
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}

	// File watcher check
	if h.watcher != nil {
		if ws := h.watcher.Status(); ws != nil {
			checks["file_watcher"] = ws.Status
			resp.Watcher = ws
		}
	} else {
		checks["file_watcher"] = "not_configured"
	}

	if h.jobs != nil {
		stats := h.jobs.Stats()
		resp.Queue = &stats
	}

	WriteJSON(w, httpStatus, resp)
}
