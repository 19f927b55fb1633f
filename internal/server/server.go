// Package server exposes the engine over HTTP: order entry, order and
// settlement status, market data, metrics, operator endpoints and the
// WebSocket event stream.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/server/handler"
	"github.com/alanyoungcy/hybridengine/internal/server/middleware"
	"github.com/alanyoungcy/hybridengine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port         int
	CORSOrigins  []string
	IPRatePerSec float64 // zero disables the per-IP limiter
	IPBurst      int
	TrustProxy   bool
	AdminToken   string
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Orders  *handler.OrderHandler
	Markets *handler.MarketHandler
	Metrics *handler.MetricsHandler
	Admin   *handler.AdminHandler
	// Prometheus serves GET /metrics. Optional.
	Prometheus http.Handler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	limiter    *middleware.IPLimiter
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
func NewServer(cfg Config, handlers Handlers, identities *middleware.IdentityResolver, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.Health.HealthCheck)

	mux.HandleFunc("POST /orders", handlers.Orders.PlaceOrder)
	mux.HandleFunc("GET /orders", handlers.Orders.ListOrders)
	mux.HandleFunc("GET /orders/{id}", handlers.Orders.GetOrder)
	mux.HandleFunc("DELETE /orders/{id}", handlers.Orders.CancelOrder)
	mux.HandleFunc("GET /settlements/{orderId}", handlers.Orders.GetSettlement)

	mux.HandleFunc("GET /market", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /orderbook", handlers.Markets.GetOrderbook)

	mux.HandleFunc("GET /metrics/snapshot", handlers.Metrics.Snapshot)
	if handlers.Prometheus != nil {
		mux.Handle("GET /metrics", handlers.Prometheus)
	}

	admin := middleware.Admin(cfg.AdminToken)
	mux.Handle("POST /admin/pairs/{pair}/resume", admin(http.HandlerFunc(handlers.Admin.ResumePair)))

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(identities, cfg.TrustProxy, "/health", "/metrics", "/admin/pairs/")(h)

	var limiter *middleware.IPLimiter
	if cfg.IPRatePerSec > 0 {
		limiter = middleware.NewIPLimiter(cfg.IPRatePerSec, cfg.IPBurst, cfg.TrustProxy)
		h = limiter.Middleware(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		limiter: limiter,
		logger:  logger,
	}
}

// Handler returns the wrapped router, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// SweepLimiter forgets idle per-IP buckets.
func (s *Server) SweepLimiter() int {
	if s.limiter == nil {
		return 0
	}
	return s.limiter.Sweep()
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
