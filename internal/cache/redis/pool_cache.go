package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/holiman/uint256"
)

// poolTTL bounds how long a mirrored snapshot may be used to warm-start.
const poolTTL = 10 * time.Minute

// PoolCache implements domain.PoolCache using Redis hashes. Each pool is
// stored at "<namespace>:pool:<pair>" with fields base, quote, fee_bps and
// ts (Unix nanoseconds of the chain read).
type PoolCache struct {
	c *Client
}

// NewPoolCache creates a PoolCache backed by the given Client.
func NewPoolCache(c *Client) *PoolCache {
	return &PoolCache{c: c}
}

// SetReserves stores the snapshot and refreshes its TTL.
func (pc *PoolCache) SetReserves(ctx context.Context, r domain.PoolReserves) error {
	if r.Empty() {
		return fmt.Errorf("redis: set reserves %s: empty pool", r.Pair)
	}
	key := pc.c.Key("pool", r.Pair)
	fields := map[string]any{
		"base":    r.Base.Dec(),
		"quote":   r.Quote.Dec(),
		"fee_bps": strconv.FormatUint(r.FeeBps, 10),
		"ts":      strconv.FormatInt(r.LastSyncedAt.UnixNano(), 10),
	}
	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, poolTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set reserves %s: %w", r.Pair, err)
	}
	return nil
}

// GetReserves loads a snapshot. It returns domain.ErrNotFound when the key
// does not exist.
func (pc *PoolCache) GetReserves(ctx context.Context, pair string) (domain.PoolReserves, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.c.Key("pool", pair)).Result()
	if err != nil {
		return domain.PoolReserves{}, fmt.Errorf("redis: get reserves %s: %w", pair, err)
	}
	if len(vals) == 0 {
		return domain.PoolReserves{}, domain.ErrNotFound
	}

	base, err := uint256.FromDecimal(vals["base"])
	if err != nil {
		return domain.PoolReserves{}, fmt.Errorf("redis: parse base reserve %s: %w", pair, err)
	}
	quote, err := uint256.FromDecimal(vals["quote"])
	if err != nil {
		return domain.PoolReserves{}, fmt.Errorf("redis: parse quote reserve %s: %w", pair, err)
	}
	fee, err := strconv.ParseUint(vals["fee_bps"], 10, 64)
	if err != nil {
		return domain.PoolReserves{}, fmt.Errorf("redis: parse fee %s: %w", pair, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.PoolReserves{}, fmt.Errorf("redis: parse ts %s: %w", pair, err)
	}

	return domain.PoolReserves{
		Pair:         pair,
		Base:         base,
		Quote:        quote,
		FeeBps:       fee,
		LastSyncedAt: time.Unix(0, tsNano),
	}, nil
}

// Compile-time interface check.
var _ domain.PoolCache = (*PoolCache)(nil)
