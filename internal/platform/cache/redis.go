package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pingAttempts = 3
	pingTimeout  = 2 * time.Second
	pingBackoff  = 250 * time.Millisecond
)

// Option tunes the Redis client.
type Option func(*redis.Options)

// WithPoolSize caps the number of pooled connections.
func WithPoolSize(n int) Option {
	return func(o *redis.Options) {
		if n > 0 {
			o.PoolSize = n
		}
	}
}

// New connects to Redis and waits for it to answer a ping. The cache, the
// order locks and the event bus all depend on it, so an unreachable server
// is an error.
func New(ctx context.Context, addr string, opts ...Option) (*redis.Client, error) {
	options := &redis.Options{Addr: addr}
	for _, opt := range opts {
		opt(options)
	}
	client := redis.NewClient(options)

	var err error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return client, nil
		}
		if attempt == pingAttempts {
			break
		}
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, fmt.Errorf("platform/cache: ping %s: %w", addr, ctx.Err())
		case <-time.After(time.Duration(attempt) * pingBackoff):
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("platform/cache: ping %s: %w", addr, err)
}
