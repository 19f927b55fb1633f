package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/hybridengine/internal/amm"
	"github.com/alanyoungcy/hybridengine/internal/config"
	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/alanyoungcy/hybridengine/internal/matching"
	"github.com/alanyoungcy/hybridengine/internal/metrics"
	"github.com/alanyoungcy/hybridengine/internal/routing"
	"github.com/alanyoungcy/hybridengine/internal/security"
	"github.com/alanyoungcy/hybridengine/internal/server"
	"github.com/alanyoungcy/hybridengine/internal/server/handler"
	"github.com/alanyoungcy/hybridengine/internal/server/middleware"
	"github.com/alanyoungcy/hybridengine/internal/server/ws"
	"github.com/alanyoungcy/hybridengine/internal/service"
	"github.com/alanyoungcy/hybridengine/internal/settlement"
	"github.com/alanyoungcy/hybridengine/internal/validator"
	"github.com/shopspring/decimal"
)

// startupProbeTimeout bounds the dependency checks run before full mode
// accepts orders.
const startupProbeTimeout = 10 * time.Second

// engine holds the pipeline components that outlive a single request.
type engine struct {
	svc      *service.OrderService
	guard    *security.Guard
	router   *routing.Router
	matching *matching.Engine
	amm      *amm.Executor
	cache    *amm.ReserveCache
	queue    *settlement.Queue
	reporter *metrics.Reporter
}

// FullMode runs the engine against Postgres, Redis and a live chain. Every
// dependency must answer before orders are accepted.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	probeCtx, cancel := context.WithTimeout(ctx, startupProbeTimeout)
	defer cancel()
	for name, probe := range deps.Probes {
		if err := probe(probeCtx); err != nil {
			return fmt.Errorf("full mode: %s unavailable: %w", name, err)
		}
	}
	return a.serve(ctx, deps)
}

// PaperMode runs the engine against a simulated chain. Stores and the bus are
// in memory unless postgres or redis are enabled.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode",
		slog.Duration("confirm_in", a.cfg.Chain.PaperConfirmIn.Duration),
		slog.Int("pairs", len(a.cfg.Pairs)),
	)
	return a.serve(ctx, deps)
}

// build constructs the pipeline from the config and dependencies.
func (a *App) build(deps *Dependencies) *engine {
	cfg := a.cfg
	specs := pairSpecs(cfg.Pairs)
	e := &engine{}

	e.reporter = metrics.New(metricsConfig(cfg.Metrics), a.logger,
		metrics.WithAlertSink(deps.Notifier),
		metrics.WithQueueDepth(func() int { return e.queue.Depth() }),
	)

	var cacheOpts []amm.CacheOption
	if deps.PoolCache != nil {
		cacheOpts = append(cacheOpts, amm.WithMirror(deps.PoolCache))
	}
	e.cache = amm.NewReserveCache(deps.Chain, specs,
		cfg.AMM.RefreshInterval.Duration, cfg.Settlement.CallTimeout.Duration, a.logger, cacheOpts...)

	e.queue = settlement.New(queueConfig(cfg.Settlement), map[domain.Venue]settlement.Source{
		domain.VenueAMM:       amm.NewSwapSource(deps.Chain, specs, deps.Locks, cfg.AMM.SwapDeadline.Duration, e.cache, a.logger),
		domain.VenueOrderbook: settlement.NewLedgerSource(deps.Fills),
	}, a.logger, settlement.WithStore(deps.Settlements))

	e.matching = matching.New(symbols(specs), matchingConfig(cfg.Matching), a.logger,
		matching.WithPauseHandler(func(pair string, err error) { e.svc.PairPaused(pair, err) }),
	)

	var guardOpts []security.Option
	if cfg.Security.DistributedRateLimit {
		guardOpts = append(guardOpts, security.WithDistributedLimiter(deps.Limiter))
	}
	e.guard = security.New(guardConfig(cfg.Security), cfg.Security.Shards, a.logger, guardOpts...)
	e.router = routing.New(specs, routerConfig(cfg.Routing))
	e.amm = amm.NewExecutor(specs, e.cache, e.queue, execConfig(cfg.AMM), a.logger)

	publishers := []service.Publisher{deps.Bus}
	if deps.Broker != nil {
		publishers = append(publishers, deps.Broker)
	}
	e.svc = service.NewOrderService(service.Components{
		Validator: validator.New(specs, decimal.NewFromFloat(cfg.Validator.MaxNotional),
			validator.WithPriceReference(e.matching.LastPrice)),
		Guard:    e.guard,
		Router:   e.router,
		Matching: e.matching,
		AMM:      e.amm,
		Queue:    e.queue,
		Metrics:  e.reporter,
	}, a.logger,
		service.WithStores(deps.Orders, deps.Fills, deps.Settlements, deps.Audit),
		service.WithPublishers(publishers...),
		service.WithAlertSink(deps.Notifier),
		service.WithSettleFills(cfg.Matching.SettleFills),
	)
	return e
}

// apply pushes the hot-reloadable sections of cfg into the components.
func (e *engine) apply(cfg *config.Config) {
	e.guard.SetConfig(guardConfig(cfg.Security))
	e.router.SetConfig(routerConfig(cfg.Routing))
	e.matching.SetConfig(matchingConfig(cfg.Matching))
	e.amm.SetConfig(execConfig(cfg.AMM))
	e.queue.SetConfig(queueConfig(cfg.Settlement))
	e.reporter.SetConfig(metricsConfig(cfg.Metrics))
}

// serve restores state, then runs every long-lived goroutine until ctx is
// cancelled or one of them fails.
func (a *App) serve(ctx context.Context, deps *Dependencies) error {
	e := a.build(deps)

	n, err := e.queue.Restore(ctx)
	if err != nil {
		return fmt.Errorf("app: restore settlements: %w", err)
	}
	if n > 0 {
		a.logger.InfoContext(ctx, "settlements restored", slog.Int("count", n))
	}
	e.cache.Warm(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.cache.Run(ctx) })
	g.Go(func() error { return e.queue.Run(ctx) })
	g.Go(func() error { return e.svc.Run(ctx) })
	g.Go(func() error { return e.reporter.Run(ctx) })

	if a.configPath != "" {
		w := config.NewWatcher(a.configPath, a.cfg, a.logger)
		w.Subscribe(e.apply)
		g.Go(func() error { return w.Run(ctx) })
	}

	sweepers := []Sweeper{{Name: "guard", Sweep: e.guard.Sweep}}
	if a.cfg.Server.Enabled {
		srv := a.startHTTPServer(ctx, g, deps, e)
		sweepers = append(sweepers, Sweeper{Name: "ip_limiter", Sweep: srv.SweepLimiter})
	}

	var archiver domain.Archiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}
	janitor := NewJanitor(a.cfg.Retention.Window.Duration, a.cfg.Retention.SweepInterval.Duration,
		e.svc, archiver, a.logger, sweepers...)
	g.Go(func() error { return janitor.Run(ctx) })

	return g.Wait()
}

// startHTTPServer adds the HTTP server and WebSocket hub to g. The server is
// shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, e *engine) *server.Server {
	hub := ws.NewHub(deps.Bus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		Pairs:     e.svc.Pairs(),
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		IPRatePerSec: a.cfg.Server.IPRatePerSec,
		IPBurst:      a.cfg.Server.IPBurst,
		TrustProxy:   a.cfg.Server.TrustProxyHdrs,
		AdminToken:   a.cfg.Auth.AdminToken,
	}, server.Handlers{
		Health:     handler.NewHealthHandler(e.svc, e.matching.Paused, a.cfg.Mode, a.logger).WithProbes(deps.Probes),
		Orders:     handler.NewOrderHandler(e.svc, a.logger),
		Markets:    handler.NewMarketHandler(e.svc, a.logger),
		Metrics:    handler.NewMetricsHandler(e.reporter),
		Admin:      handler.NewAdminHandler(e.svc, a.logger),
		Prometheus: e.reporter.Handler(),
	}, middleware.NewIdentityResolver(a.cfg.Auth.JWTSecret, a.cfg.Auth.Tokens), hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return srv
}
