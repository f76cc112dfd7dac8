package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/routellm/gateway/internal/adapter/httpserver"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the two readiness checks: Postgres and Redis.
func BuildReadinessChecks(pool Pinger, rdb *redis.Client) (httpserver.PingFunc, httpserver.PingFunc) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	return dbCheck, redisCheck
}
