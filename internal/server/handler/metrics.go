package handler

import (
	"net/http"

	"github.com/alanyoungcy/hybridengine/internal/metrics"
)

// MetricsSource is the reporter's read side.
type MetricsSource interface {
	Snapshot() metrics.Metrics
}

// MetricsHandler serves the rolling-window snapshot.
type MetricsHandler struct {
	source MetricsSource
}

// NewMetricsHandler creates a MetricsHandler.
func NewMetricsHandler(source MetricsSource) *MetricsHandler {
	return &MetricsHandler{source: source}
}

// Snapshot returns TPS, per-component latency and error rates, queue depth
// and security incident counts.
// GET /metrics/snapshot
func (h *MetricsHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	m := h.source.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"windowSeconds": m.Window.Seconds(),
		"tps":           m.TPS,
		"components":    m.Components,
		"queueDepth":    m.QueueDepth,
		"incidents":     m.Incidents,
		"dropped":       m.Dropped,
		"at":            m.At,
	})
}
