// Package redis backs the cross-process pieces of the engine with go-redis:
// per-pair locks, the event bus and the shared RPC request budget.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace prefixes every key and channel when none is configured.
const DefaultNamespace = "perparb"

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool

	// Namespace separates engines that share one Redis. Processes that
	// should coordinate (same wallet) must use the same value.
	Namespace string
}

// Client is a go-redis client plus the key namespace all users share.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// New connects and pings.
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

	ns := strings.Trim(cfg.Namespace, ":")
	if ns == "" {
		ns = DefaultNamespace
	}
	return &Client{rdb: rdb, namespace: ns}, nil
}

// Key joins parts under the client namespace, e.g. "perparb:lock:pair:sol-basis".
func (c *Client) Key(parts ...string) string {
	return c.namespace + ":" + strings.Join(parts, ":")
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
