package amm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Chain is the on-chain side of a pool: reserve reads, swap submission and
// receipt lookup.
type Chain interface {
	Reserves(ctx context.Context, spec domain.PairSpec) (domain.PoolReserves, error)
	SubmitSwap(ctx context.Context, spec domain.PairSpec, swap domain.SwapInstruction) (txHash string, err error)
	Receipt(ctx context.Context, txHash string) (domain.Confirmation, error)
}

type poolEntry struct {
	spec domain.PairSpec
	cur  atomic.Pointer[domain.PoolReserves]
	// gen is bumped on every invalidation. A refresh that started under an
	// older generation must not clear the stale flag.
	gen atomic.Uint64
}

// ReserveCache holds the latest reserves per pool. Refreshes are the only
// writers; readers load an immutable snapshot without locking.
type ReserveCache struct {
	chain    Chain
	mirror   domain.PoolCache
	pools    map[string]*poolEntry
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	group    singleflight.Group
	trigger  chan string
	logger   *slog.Logger
}

// CacheOption configures a ReserveCache.
type CacheOption func(*ReserveCache)

// WithMirror copies every refreshed snapshot into a shared pool cache and
// warm-starts from it.
func WithMirror(pc domain.PoolCache) CacheOption {
	return func(c *ReserveCache) { c.mirror = pc }
}

// WithCacheClock overrides time.Now.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *ReserveCache) { c.now = now }
}

// NewReserveCache creates a cache for the given pools. interval is the
// periodic refresh; timeout bounds each chain read.
func NewReserveCache(chain Chain, specs []domain.PairSpec, interval, timeout time.Duration, logger *slog.Logger, opts ...CacheOption) *ReserveCache {
	c := &ReserveCache{
		chain:    chain,
		pools:    make(map[string]*poolEntry, len(specs)),
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		trigger:  make(chan string, len(specs)*4+1),
		logger:   logger.With(slog.String("component", "amm_reserves")),
	}
	for _, s := range specs {
		c.pools[s.Symbol] = &poolEntry{spec: s}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns a copy of the current snapshot for pair. ok is false when the
// pool has never been synced.
func (c *ReserveCache) Get(pair string) (domain.PoolReserves, bool) {
	e, ok := c.pools[pair]
	if !ok {
		return domain.PoolReserves{}, false
	}
	cur := e.cur.Load()
	if cur == nil {
		return domain.PoolReserves{}, false
	}
	return cur.Clone(), true
}

// Usable returns the snapshot only if it is synced and not stale.
func (c *ReserveCache) Usable(pair string) (domain.PoolReserves, bool) {
	r, ok := c.Get(pair)
	if !ok || r.Stale || r.Empty() {
		return domain.PoolReserves{}, false
	}
	return r, true
}

// Invalidate marks pair stale and schedules a refresh.
func (c *ReserveCache) Invalidate(pair string) {
	e, ok := c.pools[pair]
	if !ok {
		return
	}
	e.gen.Add(1)
	if cur := e.cur.Load(); cur != nil && !cur.Stale {
		stale := cur.Clone()
		stale.Stale = true
		e.cur.CompareAndSwap(cur, &stale)
	}
	select {
	case c.trigger <- pair:
	default:
		// A refresh is already queued for some pair; the ticker catches up.
	}
}

// Refresh reads pair from chain. Concurrent refreshes of one pair share a
// single chain call.
func (c *ReserveCache) Refresh(ctx context.Context, pair string) (domain.PoolReserves, error) {
	e, ok := c.pools[pair]
	if !ok {
		return domain.PoolReserves{}, fmt.Errorf("amm: refresh %s: %w", pair, domain.ErrUnsupportedPair)
	}
	v, err, _ := c.group.Do(pair, func() (any, error) {
		gen := e.gen.Load()
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		r, err := c.chain.Reserves(cctx, e.spec)
		if err != nil {
			return nil, err
		}
		r.Pair = pair
		if r.FeeBps == 0 {
			r.FeeBps = e.spec.FeeBps
		}
		r.LastSyncedAt = c.now()
		r.Stale = e.gen.Load() != gen
		e.cur.Store(&r)
		if r.Stale {
			select {
			case c.trigger <- pair:
			default:
			}
		}
		if c.mirror != nil && !r.Stale {
			if err := c.mirror.SetReserves(cctx, r); err != nil {
				c.logger.Warn("mirror reserves failed",
					slog.String("pair", pair),
					slog.String("error", err.Error()),
				)
			}
		}
		return r, nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", domain.ErrRPCDeadline, err)
		}
		return domain.PoolReserves{}, fmt.Errorf("amm: refresh %s: %w", pair, err)
	}
	return v.(domain.PoolReserves).Clone(), nil
}

// Warm loads mirrored snapshots. Entries older than two refresh intervals
// are loaded as stale.
func (c *ReserveCache) Warm(ctx context.Context) {
	if c.mirror == nil {
		return
	}
	for pair, e := range c.pools {
		r, err := c.mirror.GetReserves(ctx, pair)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				c.logger.Warn("warm start failed",
					slog.String("pair", pair),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		if c.now().Sub(r.LastSyncedAt) > 2*c.interval {
			r.Stale = true
		}
		e.cur.CompareAndSwap(nil, &r)
	}
}

// Run refreshes every pool on the interval and on demand after
// invalidation, until ctx is canceled.
func (c *ReserveCache) Run(ctx context.Context) error {
	c.Warm(ctx)
	c.refreshAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.refreshAll(ctx)
		case pair := <-c.trigger:
			c.refreshOne(ctx, pair)
		}
	}
}

func (c *ReserveCache) refreshAll(ctx context.Context) {
	for pair := range c.pools {
		c.refreshOne(ctx, pair)
	}
}

func (c *ReserveCache) refreshOne(ctx context.Context, pair string) {
	if _, err := c.Refresh(ctx, pair); err != nil && ctx.Err() == nil {
		c.logger.Warn("reserve refresh failed",
			slog.String("pair", pair),
			slog.String("error", err.Error()),
		)
	}
}
