package handlers

import (
	"net/http"
	"time"

	"github.com/lanternpress/membersync/internal/httputil"
	"github.com/lanternpress/membersync/internal/metrics"
	"github.com/lanternpress/membersync/internal/queue"
)

// HealthHandler reports queue connectivity and depth, and serves the
// JSON service stats.
type HealthHandler struct {
	queue *queue.Queue
	stats *metrics.Stats
}

// NewHealthHandler builds the health and stats handler.
func NewHealthHandler(q *queue.Queue, stats *metrics.Stats) *HealthHandler {
	return &HealthHandler{queue: q, stats: stats}
}

type healthChecks struct {
	Redis string      `json:"redis"`
	Queue interface{} `json:"queue"`
}

type healthResponse struct {
	Status    string       `json:"status"`
	Timestamp string       `json:"timestamp"`
	Checks    healthChecks `json:"checks"`
}

// Health serves GET /healthz.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if err := h.queue.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Checks.Redis = "unhealthy: " + err.Error()
	} else {
		resp.Checks.Redis = "healthy"
	}

	if depth, err := h.queue.Depth(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Checks.Queue = "unhealthy: " + err.Error()
	} else {
		resp.Checks.Queue = map[string]interface{}{
			"status": "healthy",
			"depth":  depth,
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}

// Stats serves GET /stats: event counters, queue depth, uptime, and
// success rate as a single JSON document.
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	depth, err := h.queue.Depth(r.Context())
	if err != nil {
		depth = 0
	}
	httputil.WriteJSON(w, http.StatusOK, h.stats.Snapshot(depth))
}
