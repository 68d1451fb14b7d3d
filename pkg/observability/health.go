package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ReadyCheck reports whether one dependency can serve traffic.
type ReadyCheck func(context.Context) error

const readyCheckTimeout = 3 * time.Second

// DBReadyCheck pings the database.
func DBReadyCheck(db *sql.DB) ReadyCheck {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, readyCheckTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("database not ready: %w", err)
		}
		return nil
	}
}

// RedisReadyCheck pings redis.
func RedisReadyCheck(client *redis.Client) ReadyCheck {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, readyCheckTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis not ready: %w", err)
		}
		return nil
	}
}

// HealthChecked is implemented by stores that can verify their backend.
type HealthChecked interface {
	HealthCheck(ctx context.Context) error
}

// StoreReadyCheck verifies a named backing store.
func StoreReadyCheck(name string, store HealthChecked) ReadyCheck {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, readyCheckTimeout)
		defer cancel()
		if err := store.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s not ready: %w", name, err)
		}
		return nil
	}
}
