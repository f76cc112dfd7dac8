// Package redisstore holds the Redis-backed shared state: the per-provider
// round-robin cursor and the per-key token usage time series.
package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const cursorKeyPrefix = "round_robin_index:"

// CursorStore persists the per-provider rotation cursor so selection keeps
// rotating across restarts and across server/worker processes.
type CursorStore struct {
	rdb *redis.Client
}

func NewCursorStore(rdb *redis.Client) *CursorStore {
	return &CursorStore{rdb: rdb}
}

// NextIndex reads the current cursor (missing key reads as zero) and persists
// cursor+1. GET and SET are not atomic; concurrent callers may skip an index,
// which only perturbs rotation fairness.
func (s *CursorStore) NextIndex(ctx context.Context, provider string) (int64, error) {
	key := cursorKeyPrefix + provider

	var current int64
	val, err := s.rdb.Get(ctx, key).Int64()
	switch {
	case err == redis.Nil:
		current = 0
	case err != nil:
		return 0, fmt.Errorf("op=redisstore.NextIndex get: %w", err)
	default:
		current = val
	}

	if err := s.rdb.Set(ctx, key, current+1, 0).Err(); err != nil {
		return 0, fmt.Errorf("op=redisstore.NextIndex set: %w", err)
	}
	return current, nil
}
