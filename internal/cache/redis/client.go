// Package redis implements the engine's shared-state interfaces (distributed
// rate limiter, submit lock, signal bus, pool reserve mirror) on go-redis/v9.
// Every key and pub/sub channel lives under the client's namespace so several
// engines can share one Redis.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// Namespace prefixes every key and channel. Empty means "hybrid".
	Namespace string
}

// Client wraps a go-redis Client with the engine's key namespace.
type Client struct {
	rdb *redis.Client
	ns  string
}

// New connects and pings. It returns an error if the server is unreachable.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return newClient(rdb, cfg.Namespace), nil
}

func newClient(rdb *redis.Client, ns string) *Client {
	if ns == "" {
		ns = "hybrid"
	}
	return &Client{rdb: rdb, ns: strings.TrimSuffix(ns, ":")}
}

// Key joins parts under the namespace, e.g. Key("pool", "ETH-USDC") is
// "hybrid:pool:ETH-USDC".
func (c *Client) Key(parts ...string) string {
	return c.ns + ":" + strings.Join(parts, ":")
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
