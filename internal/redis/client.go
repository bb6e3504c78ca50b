// Package redis provides the Redis-backed token store plus the rate limiter
// and idempotency service used by the HTTP surface.
package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/classpush/internal/metrics"
)

// Config holds Redis connection settings.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	// PoolSize defaults to 10. Fan-out prunes and HTTP traffic share it.
	PoolSize int
}

// Addr returns host:port.
func (cfg Config) Addr() string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

// Client wraps the go-redis client with logging and pool reporting.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects and pings. A failed ping closes the pool before returning.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s failed: %w", cfg.Addr(), err)
	}

	logger.Info("redis connection established",
		zap.String("addr", cfg.Addr()),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", poolSize),
	)

	return &Client{rdb: rdb, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping backs the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// ReportPoolStats publishes the number of busy connections to the metrics gauge.
func (c *Client) ReportPoolStats() {
	stats := c.rdb.PoolStats()
	metrics.SetRedisConnections(int(stats.TotalConns - stats.IdleConns))
}
