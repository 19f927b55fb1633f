package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type liveStatus struct{}

func (liveStatus) Live() int       { return 3 }
func (liveStatus) Pairs() []string { return []string{"ETH-USDC", "BTC-USDC"} }

func health(t *testing.T, h *HealthHandler) map[string]any {
	t.Helper()
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthDegradedWhenPaused(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHealthHandler(liveStatus{}, func(p string) bool { return p == "BTC-USDC" }, "paper", logger)

	body := health(t, h)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, []any{"BTC-USDC"}, body["pausedPairs"])
	assert.Equal(t, float64(3), body["liveOrders"])
}

func TestHealthProbes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	redisUp := true
	h := NewHealthHandler(liveStatus{}, nil, "full", logger).WithProbes(map[string]func(context.Context) error{
		"postgres": func(context.Context) error { return nil },
		"redis": func(context.Context) error {
			if redisUp {
				return nil
			}
			return errors.New("connection refused")
		},
	})

	body := health(t, h)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"postgres": "up", "redis": "up"}, body["deps"])

	redisUp = false
	body = health(t, h)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "down", body["deps"].(map[string]any)["redis"])
}
