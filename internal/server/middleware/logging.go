package middleware

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const requestKey ctxKey = iota + 1

// requestInfo is shared between Logging and the handlers below it so the
// access log can name the caller that Auth resolved.
type requestInfo struct {
	id   string
	user string
}

// RequestID returns the request ID assigned by Logging, or "".
func RequestID(ctx context.Context) string {
	if ri, ok := ctx.Value(requestKey).(*requestInfo); ok {
		return ri.id
	}
	return ""
}

func noteUser(ctx context.Context, user string) {
	if ri, ok := ctx.Value(requestKey).(*requestInfo); ok {
		ri.user = user
	}
}

// Logging writes one access-log line per request and echoes X-Request-ID,
// generating one when the client sent none. Probe and scrape endpoints log
// at debug so they do not drown order traffic.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ri := &requestInfo{id: r.Header.Get("X-Request-ID")}
			if ri.id == "" || len(ri.id) > 64 {
				ri.id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", ri.id)

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), requestKey, ri)))

			level := slog.LevelInfo
			switch {
			case sw.status >= http.StatusInternalServerError:
				level = slog.LevelError
			case r.URL.Path == "/health" || strings.HasPrefix(r.URL.Path, "/metrics"):
				level = slog.LevelDebug
			}
			attrs := []slog.Attr{
				slog.String("request_id", ri.id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Int("bytes", sw.bytes),
				slog.Duration("duration", time.Since(start)),
			}
			if ri.user != "" {
				attrs = append(attrs, slog.String("user_id", ri.user))
			}
			logger.LogAttrs(r.Context(), level, "http request", attrs...)
		})
	}
}

// statusWriter records the status and body size written by the handler.
type statusWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.status = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.written = true
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += n
	return n, err
}

// Hijack lets the WebSocket upgrade pass through.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("middleware: response writer cannot hijack")
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }
