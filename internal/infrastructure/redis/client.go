package redis

import (
	"context"
	"fmt"

	"go-taskmgr/internal/domain"

	"github.com/redis/go-redis/v9"
)

func NewRedisClient(ctx context.Context, address string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address, // e.g., "localhost:6379"
		PoolSize: 100,     // Maximum number of socket connections
	})

	// Ping to test connection on startup
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: cannot connect to redis %q: %w", domain.ErrBrokerUnavailable, address, err)
	}

	return client, nil
}
