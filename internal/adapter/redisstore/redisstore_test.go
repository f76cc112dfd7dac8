package redisstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestCursorStore_NextIndexAdvances(t *testing.T) {
	rdb := newTestRedis(t)
	store := NewCursorStore(rdb)
	ctx := context.Background()

	for want := int64(0); want < 3; want++ {
		got, err := store.NextIndex(ctx, "openai")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Cursors are independent per provider.
	got, err := store.NextIndex(ctx, "anthropic")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestTokenTimeSeries_RecordAndSampleCount(t *testing.T) {
	rdb := newTestRedis(t)
	ts := NewTokenTimeSeries(rdb)
	ctx := context.Background()

	require.NoError(t, ts.Record(ctx, "k1", 100))
	require.NoError(t, ts.Record(ctx, "k1", 50))
	require.NoError(t, ts.Record(ctx, "k1", 0)) // ignored

	n, err := ts.SampleCount(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ttl := rdb.TTL(ctx, sampleKey("k1")).Val()
	assert.Greater(t, ttl, 24*time.Hour)
}

func TestTokenTimeSeries_RecordEvictsOldSamples(t *testing.T) {
	rdb := newTestRedis(t)
	ts := NewTokenTimeSeries(rdb)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	// Seed a sample 25 hours in the past directly.
	old, _ := json.Marshal(tokenSample{
		Timestamp: float64(base.Add(-25*time.Hour).Unix()),
		Tokens:    999,
	})
	require.NoError(t, rdb.LPush(ctx, sampleKey("k1"), old).Err())

	ts.now = func() time.Time { return base }
	require.NoError(t, ts.Record(ctx, "k1", 10))

	n, err := ts.SampleCount(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTokenTimeSeries_QueryEmptySeries(t *testing.T) {
	rdb := newTestRedis(t)
	ts := NewTokenTimeSeries(rdb)

	points, err := ts.Query(context.Background(), "nope", 60, 300)
	require.NoError(t, err)
	assert.Nil(t, points)
}

func TestTokenTimeSeries_QueryBuckets(t *testing.T) {
	rdb := newTestRedis(t)
	ts := NewTokenTimeSeries(rdb)
	ctx := context.Background()

	// Fixed clock on a step boundary keeps the grid predictable.
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	ts.now = func() time.Time { return base.Add(-9 * time.Minute) }
	require.NoError(t, ts.Record(ctx, "k1", 100))
	ts.now = func() time.Time { return base.Add(-4 * time.Minute) }
	require.NoError(t, ts.Record(ctx, "k1", 30))
	require.NoError(t, ts.Record(ctx, "k1", 20))

	ts.now = func() time.Time { return base }
	points, err := ts.Query(ctx, "k1", 10, 300)
	require.NoError(t, err)
	require.Len(t, points, 2)

	// Grid: [11:50, 11:55) and [11:55, 12:00).
	assert.Equal(t, "2026-02-01T11:50:00Z", points[0].TS)
	assert.Equal(t, int64(100), points[0].Tokens)
	assert.Equal(t, "2026-02-01T11:55:00Z", points[1].TS)
	assert.Equal(t, int64(50), points[1].Tokens)
}

func TestTokenTimeSeries_QueryExcludesSamplesOutsideWindow(t *testing.T) {
	rdb := newTestRedis(t)
	ts := NewTokenTimeSeries(rdb)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	ts.now = func() time.Time { return base.Add(-2 * time.Hour) }
	require.NoError(t, ts.Record(ctx, "k1", 500))

	ts.now = func() time.Time { return base }
	points, err := ts.Query(ctx, "k1", 60, 300)
	require.NoError(t, err)
	// Samples exist but none inside the window.
	assert.Nil(t, points)
}

func TestTokenTimeSeries_QueryValidatesArgs(t *testing.T) {
	rdb := newTestRedis(t)
	ts := NewTokenTimeSeries(rdb)

	_, err := ts.Query(context.Background(), "k1", 0, 300)
	assert.Error(t, err)
	_, err = ts.Query(context.Background(), "k1", 60, -1)
	assert.Error(t, err)
}

func TestTokenTimeSeries_KeysWithData(t *testing.T) {
	rdb := newTestRedis(t)
	ts := NewTokenTimeSeries(rdb)
	ctx := context.Background()

	require.NoError(t, ts.Record(ctx, "k1", 10))
	require.NoError(t, ts.Record(ctx, "k2", 10))

	ids, err := ts.KeysWithData(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k1", "k2"}, ids)
}
