package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorBody is the JSON body of a failed request.
type errorBody struct {
	Error           string `json:"error"`
	Reason          string `json:"reason,omitempty"`
	OrderID         string `json:"orderId,omitempty"`
	Status          string `json:"status,omitempty"`
	RetryAfter      int    `json:"retryAfter,omitempty"`
	SecurityWarning bool   `json:"securityWarning,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConfirmationRequired):
		return http.StatusPreconditionRequired
	case errors.Is(err, domain.ErrBackpressure), errors.Is(err, domain.ErrPairPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrSecurityBlock):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrLiquidity):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// retrySeconds rounds a retry hint up to whole seconds.
func retrySeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// writeDomainError writes err with its mapped status. Internal errors are
// logged and hidden from the caller.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, body errorBody) {
	status := statusFor(err)
	if body.RetryAfter == 0 {
		var se *domain.SecurityError
		if errors.As(err, &se) {
			body.RetryAfter = retrySeconds(se.RetryAfter)
		}
	}
	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	if body.Reason == "" {
		body.Reason = domain.ReasonCode(err)
	}
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		body.Error = "internal server error"
	} else {
		body.Error = err.Error()
	}
	writeJSON(w, status, body)
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{Limit: limit, Offset: offset}
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
