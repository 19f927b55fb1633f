package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// probeTimeout bounds each dependency probe.
const probeTimeout = 2 * time.Second

// HealthStatus reports component liveness for the health endpoint.
type HealthStatus interface {
	Live() int
	Pairs() []string
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	status    HealthStatus
	paused    func(pair string) bool
	mode      string
	probes    map[string]func(context.Context) error
	startedAt time.Time
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler. paused may be nil.
func NewHealthHandler(status HealthStatus, paused func(string) bool, mode string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		status:    status,
		paused:    paused,
		mode:      mode,
		startedAt: time.Now(),
		logger:    logHandler(logger, "health"),
	}
}

// WithProbes adds named dependency checks run on every health request.
func (h *HealthHandler) WithProbes(probes map[string]func(context.Context) error) *HealthHandler {
	h.probes = probes
	return h
}

// HealthCheck reports ok, or degraded while any pair is paused or a
// dependency probe fails.
// GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	deps := make(map[string]string, len(h.probes))
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	down := false
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := h.probes[name](ctx)
		cancel()
		if err != nil {
			h.logger.Warn("dependency probe failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			deps[name] = "down"
			down = true
			continue
		}
		deps[name] = "up"
	}

	var paused []string
	if h.paused != nil {
		for _, p := range h.status.Pairs() {
			if h.paused(p) {
				paused = append(paused, p)
			}
		}
	}
	status := "ok"
	if len(paused) > 0 || down {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"mode":        h.mode,
		"liveOrders":  h.status.Live(),
		"pausedPairs": paused,
		"deps":        deps,
		"uptime":      time.Since(h.startedAt).Round(time.Second).String(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}
