package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/routellm/gateway/internal/domain"
)

const (
	sampleKeyPrefix = "key_tokens:"
	// Samples older than this are evicted.
	maxSampleWindow = 24 * time.Hour
	// Key TTL leaves an hour of slack over the retention window.
	sampleKeyTTL = maxSampleWindow + time.Hour
)

// tokenSample is the wire form of one usage sample in the Redis list.
type tokenSample struct {
	Timestamp float64 `json:"timestamp"`
	Tokens    int     `json:"tokens"`
}

// TokenTimeSeries stores per-key token usage as an append-only Redis list with
// 24h retention and serves bucketised queries over it.
type TokenTimeSeries struct {
	rdb *redis.Client
	// now is swappable in tests.
	now func() time.Time
}

func NewTokenTimeSeries(rdb *redis.Client) *TokenTimeSeries {
	return &TokenTimeSeries{rdb: rdb, now: time.Now}
}

func sampleKey(keyID string) string { return sampleKeyPrefix + keyID }

// Record appends one sample for the key and opportunistically evicts samples
// older than the retention window. Non-positive token counts are ignored.
func (t *TokenTimeSeries) Record(ctx context.Context, keyID string, tokens int) error {
	if tokens <= 0 {
		return nil
	}

	now := float64(t.now().UnixNano()) / float64(time.Second)
	payload, err := json.Marshal(tokenSample{Timestamp: now, Tokens: tokens})
	if err != nil {
		return fmt.Errorf("op=redisstore.Record marshal: %w", err)
	}

	rkey := sampleKey(keyID)
	if err := t.rdb.LPush(ctx, rkey, payload).Err(); err != nil {
		return fmt.Errorf("op=redisstore.Record lpush: %w", err)
	}
	if err := t.rdb.Expire(ctx, rkey, sampleKeyTTL).Err(); err != nil {
		return fmt.Errorf("op=redisstore.Record expire: %w", err)
	}

	// Prune anything past the window. Rewrites the list only when something
	// actually aged out.
	cutoff := now - maxSampleWindow.Seconds()
	raw, err := t.rdb.LRange(ctx, rkey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("op=redisstore.Record lrange: %w", err)
	}
	valid := make([]interface{}, 0, len(raw))
	evicted := 0
	for _, item := range raw {
		var s tokenSample
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			evicted++
			continue
		}
		if s.Timestamp >= cutoff {
			valid = append(valid, item)
		} else {
			evicted++
		}
	}
	if evicted > 0 {
		if err := t.rdb.Del(ctx, rkey).Err(); err != nil {
			return fmt.Errorf("op=redisstore.Record del: %w", err)
		}
		if len(valid) > 0 {
			if err := t.rdb.RPush(ctx, rkey, valid...).Err(); err != nil {
				return fmt.Errorf("op=redisstore.Record rpush: %w", err)
			}
			if err := t.rdb.Expire(ctx, rkey, sampleKeyTTL).Err(); err != nil {
				return fmt.Errorf("op=redisstore.Record expire: %w", err)
			}
		}
	}

	slog.Debug("token sample recorded",
		slog.String("key_id", keyID),
		slog.Int("tokens", tokens),
		slog.Int("samples", len(valid)),
		slog.Int("evicted", evicted))
	return nil
}

// Query aggregates the key's samples into fixed step buckets covering the
// trailing window. The bucket grid is aligned so the final bucket contains
// "now": its end is now rounded up to the next step boundary. Samples newer
// than the grid clamp into the last bucket. An empty series yields no points.
func (t *TokenTimeSeries) Query(ctx context.Context, keyID string, windowMinutes, stepSeconds int) ([]domain.TimePoint, error) {
	if windowMinutes <= 0 || stepSeconds <= 0 {
		return nil, fmt.Errorf("window and step must be positive: %w", domain.ErrInvalidArgument)
	}

	raw, err := t.rdb.LRange(ctx, sampleKey(keyID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.Query lrange: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	now := float64(t.now().UnixNano()) / float64(time.Second)
	windowSeconds := float64(windowMinutes * 60)
	start := now - windowSeconds

	var samples []tokenSample
	for _, item := range raw {
		var s tokenSample
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			continue
		}
		if s.Timestamp >= start {
			samples = append(samples, s)
		}
	}
	if len(samples) == 0 {
		return nil, nil
	}

	step := int64(stepSeconds)
	bucketCount := int(windowSeconds) / stepSeconds
	if bucketCount < 1 {
		bucketCount = 1
	}

	// End of the grid: now rounded up to the next step boundary.
	endTime := ((int64(now) + step - 1) / step) * step
	startTime := endTime - int64(bucketCount)*step

	buckets := make([]int64, bucketCount)
	for _, s := range samples {
		if s.Timestamp < float64(startTime) {
			continue
		}
		idx := int((int64(s.Timestamp) - startTime) / step)
		if idx >= bucketCount {
			idx = bucketCount - 1
		}
		buckets[idx] += int64(s.Tokens)
	}

	points := make([]domain.TimePoint, bucketCount)
	for i, tokens := range buckets {
		ts := time.Unix(startTime+int64(i)*step, 0).UTC()
		points[i] = domain.TimePoint{
			TS:     ts.Format("2006-01-02T15:04:05") + "Z",
			Tokens: tokens,
		}
	}
	return points, nil
}

// KeysWithData lists the provider key ids that currently have samples.
func (t *TokenTimeSeries) KeysWithData(ctx context.Context) ([]string, error) {
	keys, err := t.rdb.Keys(ctx, sampleKeyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.KeysWithData: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, sampleKeyPrefix))
	}
	return ids, nil
}

// SampleCount returns the raw number of stored samples for a key.
func (t *TokenTimeSeries) SampleCount(ctx context.Context, keyID string) (int64, error) {
	n, err := t.rdb.LLen(ctx, sampleKey(keyID)).Result()
	if err != nil {
		return 0, fmt.Errorf("op=redisstore.SampleCount: %w", err)
	}
	return n, nil
}
