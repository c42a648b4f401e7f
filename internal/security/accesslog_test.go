package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLogStore_SinceAndOrdering(t *testing.T) {
	clock := newTestClock()
	st := NewMemoryLogStore(testRetention(), 0, clock.Now)
	defer st.Close()
	ctx := context.Background()
	now := clock.Now()

	require.NoError(t, st.Append(ctx, "482913", AccessLogEntry{ID: "b", Timestamp: now.Add(-10 * time.Second)}))
	require.NoError(t, st.Append(ctx, "482913", AccessLogEntry{ID: "a", Timestamp: now.Add(-20 * time.Second)}))
	require.NoError(t, st.Append(ctx, "482913", AccessLogEntry{ID: "c", Timestamp: now}))

	all, err := st.Since(ctx, "482913", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].ID, all[1].ID, all[2].ID})

	recent, err := st.Since(ctx, "482913", now.Add(-10*time.Second))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "c", recent[0].ID)
}

func TestMemoryLogStore_SweepIdle(t *testing.T) {
	clock := newTestClock()
	st := NewMemoryLogStore(testRetention(), 0, clock.Now)
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.Append(ctx, "111111", AccessLogEntry{Timestamp: clock.Now()}))
	clock.Advance(20 * time.Minute)
	require.NoError(t, st.Append(ctx, "222222", AccessLogEntry{Timestamp: clock.Now()}))
	clock.Advance(15 * time.Minute)

	assert.Equal(t, 1, st.Sweep())
	_, total, err := st.Recent(ctx, "111111", 50)
	require.NoError(t, err)
	assert.Zero(t, total)
	_, total, err = st.Recent(ctx, "222222", 50)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	require.NoError(t, st.Delete(ctx, "222222"))
	_, total, _ = st.Recent(ctx, "222222", 50)
	assert.Zero(t, total)
}

func TestRedisLogStore_KeyTTL(t *testing.T) {
	clock := newTestClock()
	st := redisFactory(t, clock).(*RedisLogStore)
	ctx := context.Background()

	require.NoError(t, st.Append(ctx, "482913", AccessLogEntry{ID: "x", Timestamp: clock.Now()}))
	ttl, err := st.client.PTTL(ctx, logKey("482913")).Result()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, ttl)

	require.NoError(t, st.Delete(ctx, "482913"))
	_, total, err := st.Recent(ctx, "482913", 50)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestLogStore_RecentLimit(t *testing.T) {
	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			clock := newTestClock()
			st := factory(t, clock)
			ctx := context.Background()

			for _, id := range []string{"a", "b", "c"} {
				clock.Advance(time.Second)
				require.NoError(t, st.Append(ctx, "482913", AccessLogEntry{ID: id, Timestamp: clock.Now()}))
			}

			entries, total, err := st.Recent(ctx, "482913", 2)
			require.NoError(t, err)
			assert.Equal(t, 3, total)
			require.Len(t, entries, 2)
			assert.Equal(t, "b", entries[0].ID)
			assert.Equal(t, "c", entries[1].ID)

			for _, n := range []int{0, -1} {
				entries, total, err = st.Recent(ctx, "482913", n)
				require.NoError(t, err)
				assert.Empty(t, entries)
				assert.Equal(t, 3, total)
			}
		})
	}
}
