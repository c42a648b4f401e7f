package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func sequence(codes ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		c := codes[i%len(codes)]
		i++
		return c, nil
	}
}

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 2000; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Regexp(t, `^[1-9]\d{5}$`, code)
		assert.NotEqual(t, byte('0'), code[0])
	}
}

func TestMemoryStore_Create(t *testing.T) {
	clock := newFakeClock()
	st := NewMemoryStore(WithClock(clock.Now), WithSweepInterval(0))
	defer st.Close()

	s, err := st.Create(nil)
	require.NoError(t, err)

	assert.Regexp(t, `^\d{6}$`, s.Code)
	assert.Equal(t, StatusPending, s.Status)
	assert.Equal(t, Permissions{}, s.Permissions)
	assert.Equal(t, clock.Now(), s.CreatedAt)
	assert.Equal(t, s.CreatedAt.Add(30*time.Minute), s.ExpiresAt)
	assert.Empty(t, s.ChatMessages)

	perms := &Permissions{ScreenShare: true}
	s2, err := st.Create(perms)
	require.NoError(t, err)
	assert.True(t, s2.Permissions.ScreenShare)
}

func TestMemoryStore_LazyExpiry(t *testing.T) {
	clock := newFakeClock()
	st := NewMemoryStore(WithClock(clock.Now), WithSweepInterval(0))
	defer st.Close()

	s, err := st.Create(nil)
	require.NoError(t, err)

	clock.Advance(30*time.Minute - time.Nanosecond)
	_, ok := st.Get(s.Code)
	assert.True(t, ok, "session should still be live just before expiry")

	clock.Advance(time.Nanosecond)
	_, ok = st.Get(s.Code)
	assert.False(t, ok, "session must be absent once now >= expiresAt")

	st.mu.Lock()
	_, present := st.sessions[s.Code]
	st.mu.Unlock()
	assert.False(t, present, "expired session should be purged on read")
}

func TestMemoryStore_CollisionRegenerates(t *testing.T) {
	clock := newFakeClock()
	st := NewMemoryStore(WithClock(clock.Now), WithSweepInterval(0),
		WithCodeSource(sequence("111111", "111111", "222222")))
	defer st.Close()

	first, err := st.Create(nil)
	require.NoError(t, err)
	assert.Equal(t, "111111", first.Code)

	second, err := st.Create(nil)
	require.NoError(t, err)
	assert.Equal(t, "222222", second.Code)

	got, ok := st.Get("111111")
	require.True(t, ok)
	assert.Equal(t, first.CreatedAt, got.CreatedAt)
}

func TestMemoryStore_CollisionWithExpiredReusesCode(t *testing.T) {
	clock := newFakeClock()
	st := NewMemoryStore(WithClock(clock.Now), WithSweepInterval(0),
		WithCodeSource(sequence("111111")))
	defer st.Close()

	var expired []string
	st.OnExpire(func(code string) { expired = append(expired, code) })

	_, err := st.Create(nil)
	require.NoError(t, err)
	clock.Advance(31 * time.Minute)

	s, err := st.Create(nil)
	require.NoError(t, err)
	assert.Equal(t, "111111", s.Code)
	assert.Equal(t, clock.Now(), s.CreatedAt)
	assert.Equal(t, []string{"111111"}, expired, "the expired holder is released exactly once")

	assert.Equal(t, 0, st.Sweep())
	assert.Equal(t, []string{"111111"}, expired)
}

func TestMemoryStore_CodeSpaceExhausted(t *testing.T) {
	st := NewMemoryStore(WithSweepInterval(0), WithMaxCodeAttempts(3),
		WithCodeSource(sequence("111111")))
	defer st.Close()

	_, err := st.Create(nil)
	require.NoError(t, err)

	_, err = st.Create(nil)
	assert.ErrorIs(t, err, ErrCodeSpaceExhausted)
}

func TestMemoryStore_Update(t *testing.T) {
	clock := newFakeClock()
	st := NewMemoryStore(WithClock(clock.Now), WithSweepInterval(0))
	defer st.Close()

	_, ok := st.Update("123456", Patch{})
	assert.False(t, ok)

	s, err := st.Create(nil)
	require.NoError(t, err)

	connected := StatusConnected
	clientID := "client-1"
	updated, ok := st.Update(s.Code, Patch{
		Status:     &connected,
		ClientID:   &clientID,
		AppendChat: []ChatMessage{{From: FromHost, Message: "hi", Time: clock.Now()}},
	})
	require.True(t, ok)
	assert.Equal(t, StatusConnected, updated.Status)
	assert.Equal(t, "client-1", updated.ClientID)
	assert.Len(t, updated.ChatMessages, 1)

	updated, ok = st.Update(s.Code, Patch{
		AppendChat: []ChatMessage{{From: FromClient, Message: "hello", Time: clock.Now()}},
	})
	require.True(t, ok)
	require.Len(t, updated.ChatMessages, 2)
	assert.Equal(t, FromClient, updated.ChatMessages[1].From)
	assert.Equal(t, "client-1", updated.ClientID, "untouched fields survive the merge")

	// Returned sessions are copies.
	updated.ChatMessages[0].Message = "mutated"
	got, _ := st.Get(s.Code)
	assert.Equal(t, "hi", got.ChatMessages[0].Message)

	clock.Advance(time.Hour)
	_, ok = st.Update(s.Code, Patch{Status: &connected})
	assert.False(t, ok)
}

func TestMemoryStore_Delete(t *testing.T) {
	st := NewMemoryStore(WithSweepInterval(0))
	defer st.Close()

	s, err := st.Create(nil)
	require.NoError(t, err)

	assert.True(t, st.Delete(s.Code))
	assert.False(t, st.Delete(s.Code))
	_, ok := st.Get(s.Code)
	assert.False(t, ok)
}

func TestMemoryStore_Sweep(t *testing.T) {
	clock := newFakeClock()
	st := NewMemoryStore(WithClock(clock.Now), WithSweepInterval(0),
		WithCodeSource(sequence("111111", "222222", "333333")))
	defer st.Close()

	var mu sync.Mutex
	var expired []string
	st.OnExpire(func(code string) {
		mu.Lock()
		expired = append(expired, code)
		mu.Unlock()
	})

	_, _ = st.Create(nil)
	_, _ = st.Create(nil)
	clock.Advance(20 * time.Minute)
	_, _ = st.Create(nil)
	clock.Advance(15 * time.Minute)

	assert.Equal(t, 2, st.Sweep())
	assert.Equal(t, 0, st.Sweep(), "sweep is idempotent")

	mu.Lock()
	assert.ElementsMatch(t, []string{"111111", "222222"}, expired)
	mu.Unlock()

	_, ok := st.Get("333333")
	assert.True(t, ok)
}

func TestMemoryStore_SweepLoop(t *testing.T) {
	clock := newFakeClock()
	st := NewMemoryStore(WithClock(clock.Now), WithSweepInterval(5*time.Millisecond))
	defer st.Close()

	s, err := st.Create(nil)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	assert.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		_, present := st.sessions[s.Code]
		return !present
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryStore_ConcurrentGetAndSweep(t *testing.T) {
	clock := newFakeClock()
	st := NewMemoryStore(WithClock(clock.Now), WithSweepInterval(0))
	defer st.Close()

	codes := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		s, err := st.Create(nil)
		require.NoError(t, err)
		codes = append(codes, s.Code)
	}
	clock.Advance(30 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			st.Sweep()
		}()
		go func() {
			defer wg.Done()
			for _, c := range codes {
				if _, ok := st.Get(c); ok {
					t.Errorf("expired session %s returned", c)
				}
			}
		}()
	}
	wg.Wait()
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusConnected))
	assert.True(t, CanTransition(StatusPending, StatusDisconnected))
	assert.True(t, CanTransition(StatusConnected, StatusDisconnected))
	assert.False(t, CanTransition(StatusDisconnected, StatusConnected))
	assert.False(t, CanTransition(StatusConnected, StatusPending))
	assert.False(t, CanTransition(StatusDisconnected, StatusPending))
}
