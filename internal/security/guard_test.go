package security

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairdesk/internal/config"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func testRetention() Retention {
	return Retention{Window: time.Minute, Keep: 50, Idle: 30 * time.Minute}
}

type storeFactory func(t *testing.T, clock *testClock) AccessLogStore

func memoryFactory(t *testing.T, clock *testClock) AccessLogStore {
	st := NewMemoryLogStore(testRetention(), 0, clock.Now)
	t.Cleanup(func() { st.Close() })
	return st
}

func redisFactory(t *testing.T, clock *testClock) AccessLogStore {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedisLogStore(client, testRetention(), clock.Now)
}

var stores = map[string]storeFactory{
	"memory": memoryFactory,
	"redis":  redisFactory,
}

func newTestGuard(t *testing.T, clock *testClock, factory storeFactory) *Guard {
	conf := config.Default().Security
	conf.TokenSecret = "test-secret"
	g, err := NewGuard(conf, factory(t, clock), WithGuardClock(clock.Now))
	require.NoError(t, err)
	return g
}

func entries(now time.Time, n int, ips ...string) []AccessLogEntry {
	out := make([]AccessLogEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, AccessLogEntry{
			IP:        ips[i%len(ips)],
			Action:    ActionValidateToken,
			Timestamp: now.Add(-time.Duration(n-i) * time.Second),
		})
	}
	return out
}

func TestIsAnomalous(t *testing.T) {
	clock := newTestClock()
	g := newTestGuard(t, clock, memoryFactory)
	now := clock.Now()

	assert.True(t, g.IsAnomalous(entries(now, 11, "10.0.0.1"), now), "11 attempts from one IP")
	assert.False(t, g.IsAnomalous(entries(now, 5, "10.0.0.1"), now), "5 attempts from one IP")
	assert.False(t, g.IsAnomalous(entries(now, 10, "10.0.0.1"), now), "exactly at the limit")

	assert.True(t, g.IsAnomalous(entries(now, 4, "1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4"), now), "4 distinct IPs")
	assert.False(t, g.IsAnomalous(entries(now, 9, "1.1.1.1", "2.2.2.2", "3.3.3.3"), now), "3 distinct IPs")

	old := entries(now.Add(-2*time.Minute), 30, "10.0.0.1")
	assert.False(t, g.IsAnomalous(old, now), "entries outside the window are ignored")
}

func TestGuard_MissingCode(t *testing.T) {
	g := newTestGuard(t, newTestClock(), memoryFactory)
	ctx := context.Background()

	_, err := g.IssueToken("")
	assert.ErrorIs(t, err, ErrMissingCode)
	_, err = g.ValidateToken(ctx, "", "1.1.1.1", "x")
	assert.ErrorIs(t, err, ErrMissingCode)
	assert.ErrorIs(t, g.LogAccess(ctx, "", "1.1.1.1", "", true, nil), ErrMissingCode)
	_, _, err = g.GetLog(ctx, "")
	assert.ErrorIs(t, err, ErrMissingCode)
}

func TestGuard_EmptySecretFallsBackToRandom(t *testing.T) {
	conf := config.Default().Security
	conf.TokenSecret = ""
	clock := newTestClock()

	a, err := NewGuard(conf, memoryFactory(t, clock), WithGuardClock(clock.Now))
	require.NoError(t, err)
	b, err := NewGuard(conf, memoryFactory(t, clock), WithGuardClock(clock.Now))
	require.NoError(t, err)

	tok, err := a.IssueToken("482913")
	require.NoError(t, err)

	res, err := a.ValidateToken(context.Background(), "482913", "1.1.1.1", tok.Value)
	require.NoError(t, err)
	assert.True(t, res.OK)

	res, err = b.ValidateToken(context.Background(), "482913", "1.1.1.1", tok.Value)
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalid, res.Reason)
}

func TestGuard(t *testing.T) {
	for name, factory := range stores {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("binding", func(t *testing.T) { testBinding(t, factory) })
			t.Run("expiry", func(t *testing.T) { testExpiry(t, factory) })
			t.Run("repeat blocked", func(t *testing.T) { testRepeatBlocked(t, factory) })
			t.Run("distinct ips", func(t *testing.T) { testDistinctIPs(t, factory) })
			t.Run("log retention", func(t *testing.T) { testLogRetention(t, factory) })
		})
	}
}

func testBinding(t *testing.T, factory storeFactory) {
	clock := newTestClock()
	g := newTestGuard(t, clock, factory)
	ctx := context.Background()

	tok, err := g.IssueToken("111111")
	require.NoError(t, err)

	res, err := g.ValidateToken(ctx, "222222", "1.1.1.1", tok.Value)
	require.NoError(t, err)
	assert.Equal(t, ValidationResult{OK: false, Reason: ReasonInvalid}, res)

	res, err = g.ValidateToken(ctx, "111111", "1.1.1.1", tok.Value)
	require.NoError(t, err)
	assert.True(t, res.OK)

	res, err = g.ValidateToken(ctx, "111111", "1.1.1.1", "garbage")
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalid, res.Reason)
}

func testExpiry(t *testing.T, factory storeFactory) {
	clock := newTestClock()
	g := newTestGuard(t, clock, factory)
	ctx := context.Background()

	tok, err := g.IssueToken("482913")
	require.NoError(t, err)
	assert.True(t, tok.ExpiresAt.Equal(clock.Now().Add(30*time.Minute)))

	clock.Advance(30*time.Minute - time.Millisecond)
	res, err := g.ValidateToken(ctx, "482913", "1.1.1.1", tok.Value)
	require.NoError(t, err)
	assert.True(t, res.OK)

	clock.Advance(time.Millisecond)
	res, err = g.ValidateToken(ctx, "482913", "1.1.1.1", tok.Value)
	require.NoError(t, err)
	assert.Equal(t, ValidationResult{OK: false, Reason: ReasonExpired}, res)
}

func testRepeatBlocked(t *testing.T, factory storeFactory) {
	clock := newTestClock()
	g := newTestGuard(t, clock, factory)
	ctx := context.Background()

	tok, err := g.IssueToken("482913")
	require.NoError(t, err)

	res, err := g.ValidateToken(ctx, "482913", "10.0.0.1", tok.Value)
	require.NoError(t, err)
	require.True(t, res.OK)

	for i := 1; i <= 11; i++ {
		clock.Advance(50 * time.Millisecond)
		res, err = g.ValidateToken(ctx, "482913", "10.0.0.1", tok.Value)
		require.NoError(t, err)
		if i < 11 {
			assert.True(t, res.OK, "repeat %d", i)
		} else {
			assert.Equal(t, ValidationResult{OK: false, Reason: ReasonBlocked}, res, "repeat %d", i)
		}
	}

	blocked, err := g.Blocked(ctx, "482913")
	require.NoError(t, err)
	assert.True(t, blocked)

	// Another code is unaffected.
	other, err := g.IssueToken("111111")
	require.NoError(t, err)
	res, err = g.ValidateToken(ctx, "111111", "10.0.0.1", other.Value)
	require.NoError(t, err)
	assert.True(t, res.OK)

	// The block is a sliding window, not a ban.
	clock.Advance(61 * time.Second)
	res, err = g.ValidateToken(ctx, "482913", "10.0.0.1", tok.Value)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func testDistinctIPs(t *testing.T, factory storeFactory) {
	clock := newTestClock()
	g := newTestGuard(t, clock, factory)
	ctx := context.Background()

	tok, err := g.IssueToken("482913")
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		clock.Advance(time.Second)
		res, err := g.ValidateToken(ctx, "482913", fmt.Sprintf("10.0.0.%d", i), tok.Value)
		require.NoError(t, err)
		assert.True(t, res.OK, "ip %d", i)
	}

	clock.Advance(time.Second)
	res, err := g.ValidateToken(ctx, "482913", "10.0.0.1", tok.Value)
	require.NoError(t, err)
	assert.Equal(t, ReasonBlocked, res.Reason)
}

func testLogRetention(t *testing.T, factory storeFactory) {
	clock := newTestClock()
	g := newTestGuard(t, clock, factory)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		clock.Advance(100 * time.Millisecond)
		require.NoError(t, g.LogAccess(ctx, "482913", "10.0.0.1", "", i%2 == 0,
			map[string]string{"seq": fmt.Sprint(i)}))
	}

	logs, total, err := g.GetLog(ctx, "482913")
	require.NoError(t, err)
	assert.Equal(t, 60, total, "everything inside the window is retained")
	require.Len(t, logs, 50)
	assert.Equal(t, "10", logs[0].Metadata["seq"])
	assert.Equal(t, "59", logs[49].Metadata["seq"], "newest last")
	assert.Equal(t, ActionLogAccess, logs[0].Action)

	clock.Advance(2 * time.Minute)
	require.NoError(t, g.LogAccess(ctx, "482913", "10.0.0.1", "connect", true, nil))

	logs, total, err = g.GetLog(ctx, "482913")
	require.NoError(t, err)
	assert.Equal(t, 50, total, "old entries beyond the last 50 are trimmed")
	require.Len(t, logs, 50)
	assert.Equal(t, "connect", logs[49].Action)
	assert.Equal(t, "11", logs[0].Metadata["seq"])

	logs, total, err = g.GetLog(ctx, "999999")
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.Zero(t, total)
}
