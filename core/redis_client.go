package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClientOptions configures the shared Redis connection.
type RedisClientOptions struct {
	RedisURL string

	// DialTimeout bounds the initial connectivity check. Default 5s.
	DialTimeout time.Duration

	// PingRetries is the number of connectivity attempts. Default 3.
	PingRetries int

	Logger Logger
}

// NewRedisClient parses the URL, connects and verifies connectivity with a
// bounded ping-retry loop. The returned client is shared across engine
// components; callers own its lifecycle.
func NewRedisClient(opts RedisClientOptions) (*redis.Client, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrMissingConfiguration)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.PingRetries <= 0 {
		opts.PingRetries = 3
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	client := redis.NewClient(redisOpt)

	var lastErr error
	for attempt := 1; attempt <= opts.PingRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
		lastErr = client.Ping(ctx).Err()
		cancel()
		if lastErr == nil {
			if opts.Logger != nil {
				opts.Logger.Info("Redis connection established", map[string]interface{}{
					"attempt": attempt,
				})
			}
			return client, nil
		}
		if opts.Logger != nil {
			opts.Logger.Warn("Redis ping failed", map[string]interface{}{
				"attempt": attempt,
				"error":   lastErr.Error(),
			})
		}
		time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
	}

	_ = client.Close()
	return nil, fmt.Errorf("redis unreachable after %d attempts: %w", opts.PingRetries, lastErr)
}
