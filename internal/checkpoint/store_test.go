package checkpoint

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store   Store
	advance func(time.Duration)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newRedisHarness(t *testing.T) harness {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore("redis://"+mr.Addr(), "ETL")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return harness{store: s, advance: mr.FastForward}
}

func newSQLiteHarness(t *testing.T) harness {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"), "ETL")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.Now
	return harness{store: s, advance: clock.Add}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, h harness)) {
	backends := []struct {
		name string
		new  func(t *testing.T) harness
	}{
		{"redis", newRedisHarness},
		{"sqlite", newSQLiteHarness},
	}
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.new(t))
		})
	}
}

func TestWatermarkAbsentIsZero(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ts, err := h.store.Watermark(context.Background(), "filmwork")
		require.NoError(t, err)
		assert.True(t, ts.IsZero())
	})
}

func TestWatermarkOverwrite(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		t1 := time.Date(2021, 6, 16, 20, 14, 9, 221958000, time.UTC)
		t0 := t1.Add(-time.Hour)

		require.NoError(t, h.store.SetWatermark(ctx, "person", t1))
		got, err := h.store.Watermark(ctx, "person")
		require.NoError(t, err)
		assert.True(t, got.Equal(t1), "got %v", got)

		// no ordering check: an older value replaces a newer one
		require.NoError(t, h.store.SetWatermark(ctx, "person", t0))
		got, err = h.store.Watermark(ctx, "person")
		require.NoError(t, err)
		assert.True(t, got.Equal(t0), "got %v", got)

		// idempotent
		require.NoError(t, h.store.SetWatermark(ctx, "person", t0))
		got, err = h.store.Watermark(ctx, "person")
		require.NoError(t, err)
		assert.True(t, got.Equal(t0))
	})
}

func TestWatermarksAndReset(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		require.NoError(t, h.store.SetWatermark(ctx, "filmwork", ts))
		require.NoError(t, h.store.SetWatermark(ctx, "genre", ts.Add(time.Minute)))
		_, err := h.store.TryAcquireLock(ctx, "owner", time.Minute)
		require.NoError(t, err)

		all, err := h.store.Watermarks(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.True(t, all["filmwork"].Equal(ts))

		require.NoError(t, h.store.ResetWatermark(ctx, "filmwork"))
		got, err := h.store.Watermark(ctx, "filmwork")
		require.NoError(t, err)
		assert.True(t, got.IsZero())

		// resetting an absent table is not an error
		require.NoError(t, h.store.ResetWatermark(ctx, "filmwork"))
	})
}

func TestLockMutualExclusion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		ttl := 10 * time.Second

		ok, err := h.store.TryAcquireLock(ctx, "a", ttl)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = h.store.TryAcquireLock(ctx, "b", ttl)
		require.NoError(t, err)
		assert.False(t, ok, "second owner must not acquire a live lock")

		// re-acquire by the same owner succeeds
		ok, err = h.store.TryAcquireLock(ctx, "a", ttl)
		require.NoError(t, err)
		assert.True(t, ok)

		holder, err := h.store.LockHolder(ctx)
		require.NoError(t, err)
		require.NotNil(t, holder)
		assert.Equal(t, "a", holder.Owner)
	})
}

func TestLockExpiryAllowsTakeover(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		ttl := 10 * time.Second

		ok, err := h.store.TryAcquireLock(ctx, "a", ttl)
		require.NoError(t, err)
		require.True(t, ok)

		h.advance(ttl + time.Second)

		holder, err := h.store.LockHolder(ctx)
		require.NoError(t, err)
		assert.Nil(t, holder)

		ok, err = h.store.TryAcquireLock(ctx, "b", ttl)
		require.NoError(t, err)
		assert.True(t, ok)

		// the previous owner can no longer renew
		ok, err = h.store.RenewLock(ctx, "a", ttl)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRenewExtendsExpiry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		ttl := 10 * time.Second

		ok, err := h.store.TryAcquireLock(ctx, "a", ttl)
		require.NoError(t, err)
		require.True(t, ok)

		for i := 0; i < 3; i++ {
			h.advance(6 * time.Second)
			ok, err = h.store.RenewLock(ctx, "a", ttl)
			require.NoError(t, err)
			require.True(t, ok, "renew %d", i)
		}

		ok, err = h.store.TryAcquireLock(ctx, "b", ttl)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestReleaseOnlyByOwner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		ttl := 10 * time.Second

		ok, err := h.store.TryAcquireLock(ctx, "a", ttl)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, h.store.ReleaseLock(ctx, "b"))
		holder, err := h.store.LockHolder(ctx)
		require.NoError(t, err)
		require.NotNil(t, holder)
		assert.Equal(t, "a", holder.Owner)

		require.NoError(t, h.store.ReleaseLock(ctx, "a"))
		holder, err = h.store.LockHolder(ctx)
		require.NoError(t, err)
		assert.Nil(t, holder)

		ok, err = h.store.TryAcquireLock(ctx, "b", ttl)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestRenewWithoutLock(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ok, err := h.store.RenewLock(context.Background(), "a", time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestPing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		assert.NoError(t, h.store.Ping(context.Background()))
	})
}

func TestKeys(t *testing.T) {
	k := Keys{}
	assert.Equal(t, "ETL:LOCK", k.Lock())
	assert.Equal(t, "ETL:MODIFY:filmwork", k.Watermark("filmwork"))

	k = Keys{Prefix: "staging"}
	table, ok := k.TableFromKey("staging:MODIFY:genre")
	assert.True(t, ok)
	assert.Equal(t, "genre", table)

	_, ok = k.TableFromKey("ETL:MODIFY:genre")
	assert.False(t, ok)
	_, ok = k.TableFromKey("staging:MODIFY:")
	assert.False(t, ok)
}

func TestParseWatermark(t *testing.T) {
	want := time.Date(2021, 6, 16, 20, 14, 9, 221958000, time.UTC)
	tests := []struct {
		name  string
		input string
	}{
		{"rfc3339", "2021-06-16T20:14:09.221958Z"},
		{"rfc3339 offset", "2021-06-16T23:14:09.221958+03:00"},
		{"space separated", "2021-06-16 20:14:09.221958+00:00"},
		{"naive", "2021-06-16T20:14:09.221958"},
		{"naive space", "2021-06-16 20:14:09.221958"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWatermark(tt.input)
			require.NoError(t, err)
			assert.True(t, got.Equal(want), "got %v", got)
		})
	}

	_, err := ParseWatermark("yesterday")
	assert.Error(t, err)
}

func TestFormatWatermarkRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.FixedZone("MSK", 3*3600))
	got, err := ParseWatermark(FormatWatermark(ts))
	require.NoError(t, err)
	assert.True(t, got.Equal(ts))
}

func TestOpen(t *testing.T) {
	_, err := Open(Options{Backend: "redis"})
	assert.Error(t, err)

	_, err = Open(Options{Backend: "etcd"})
	assert.Error(t, err)

	s, err := Open(Options{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "s.db")})
	require.NoError(t, err)
	assert.NoError(t, s.Close())

	mr := miniredis.RunT(t)
	s, err = Open(Options{Backend: "REDIS", RedisDSN: "redis://" + mr.Addr()})
	require.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())
}
