package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// New creates a new Redis client.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping: %w", err)
	}

	return client, nil
}

// Pinger adapts a redis client to readiness probes.
type Pinger struct {
	Client *redis.Client
}

// Ping reports whether redis answers.
func (p Pinger) Ping(ctx context.Context) error {
	if p.Client == nil {
		return fmt.Errorf("platform/cache: client not configured")
	}
	return p.Client.Ping(ctx).Err()
}
