// Package app provides the top-level application lifecycle for the hybrid
// routing engine. It wires the stores, caches, chain access and event outputs,
// then runs the order pipeline, settlement workers, HTTP server and retention
// janitor for the configured mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/hybridengine/internal/config"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	closers    []func()
}

// New creates a new App. configPath is watched for hot reloads; pass an empty
// path to disable reloading.
func New(cfg *config.Config, configPath string, logger *slog.Logger) *App {
	return &App{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger.With(slog.String("component", "app")),
	}
}

// Run wires the dependencies for the configured mode and blocks until ctx is
// cancelled or a long-lived component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting engine",
		slog.String("mode", a.cfg.Mode),
		slog.Int("pairs", len(a.cfg.Pairs)),
		slog.Bool("postgres", a.cfg.Postgres.Enabled),
		slog.Bool("redis", a.cfg.Redis.Enabled),
		slog.Bool("server", a.cfg.Server.Enabled),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "full":
		return a.FullMode(ctx, deps)
	case "paper":
		return a.PaperMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close releases wired resources, last opened first. Later calls do nothing.
func (a *App) Close() {
	if len(a.closers) == 0 {
		return
	}
	a.logger.Info("releasing resources", slog.Int("count", len(a.closers)))
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
