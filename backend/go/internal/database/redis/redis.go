package redis

import (
	"context"
	"fmt"
	"time"

	"mcp_gateway/backend/go/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	dialTimeout = 3 * time.Second
	pingTimeout = 2 * time.Second
)

// Client is a connected Redis client. Close is inherited.
type Client struct {
	*redis.Client
	addr string
}

// Connect opens a client for cfg and verifies it with PING before returning.
func Connect(ctx context.Context, cfg *config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("无法连接到 Redis %s: %w", cfg.Address, err)
	}

	logrus.WithField("address", cfg.Address).Info("connected to redis")
	return &Client{Client: rdb, addr: cfg.Address}, nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", c.addr, err)
	}
	return nil
}
