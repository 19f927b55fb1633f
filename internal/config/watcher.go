package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce absorbs the burst of events editors produce on save.
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the config file when it changes and pushes the new value
// to subscribers. Only tunables take effect at runtime; changes to pairs,
// mode or infrastructure sections are reported and wait for a restart.
type Watcher struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]

	mu   sync.Mutex
	subs []func(*Config)
}

// NewWatcher creates a Watcher seeded with the already-loaded config.
func NewWatcher(path string, initial *Config, logger *slog.Logger) *Watcher {
	w := &Watcher{
		path:   path,
		logger: logger.With(slog.String("component", "config_watcher")),
	}
	w.current.Store(initial)
	return w
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Subscribe registers fn to be called with every accepted reload.
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	w.subs = append(w.subs, fn)
	w.mu.Unlock()
}

// Reload re-reads the file, validates it and publishes it. An invalid file
// leaves the current config in place.
func (w *Watcher) Reload() error {
	next, err := Load(w.path)
	if err != nil {
		return fmt.Errorf("config: reload: %w", err)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("config: reload: %w", err)
	}

	prev := w.current.Load()
	if prev != nil {
		for _, section := range restartOnly(prev, next) {
			w.logger.Warn("config section changed; restart required to apply",
				slog.String("section", section),
			)
		}
	}
	w.current.Store(next)

	w.mu.Lock()
	subs := slices.Clone(w.subs)
	w.mu.Unlock()
	for _, fn := range subs {
		fn(next)
	}
	w.logger.Info("config reloaded", slog.String("path", w.path))
	return nil
}

// Run watches the config file's directory until ctx is cancelled. The
// directory is watched rather than the file so atomic rename-on-save works.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}
	target := filepath.Clean(w.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				w.logger.Error("config reload rejected", slog.String("error", err.Error()))
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

// restartOnly lists sections that differ but cannot be applied live.
func restartOnly(prev, next *Config) []string {
	var out []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	check("mode", prev.Mode, next.Mode)
	check("pairs", prev.Pairs, next.Pairs)
	check("chain", prev.Chain, next.Chain)
	check("postgres", prev.Postgres, next.Postgres)
	check("redis", prev.Redis, next.Redis)
	check("s3", prev.S3, next.S3)
	check("rabbit", prev.Rabbit, next.Rabbit)
	check("server", prev.Server, next.Server)
	check("auth", prev.Auth, next.Auth)
	return out
}
