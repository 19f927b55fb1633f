package domain

import (
	"context"
	"time"
)

// PoolCache mirrors pool reserve snapshots outside the process so a restart
// can warm up before the first chain read.
type PoolCache interface {
	SetReserves(ctx context.Context, r PoolReserves) error
	GetReserves(ctx context.Context, pair string) (PoolReserves, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub fan-out of engine events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Bus channels.
const (
	ChannelTrades      = "trades"
	ChannelSettlements = "settlements"
	ChannelOrders      = "orders"
	ChannelAlerts      = "alerts"
)
