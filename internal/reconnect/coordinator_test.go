package reconnect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("relay unreachable")

type counters struct {
	calls, success, failed atomic.Int32
}

func newCoordinator(fn ReconnectFunc, opts ...Option) (*Coordinator, *counters) {
	cnt := &counters{}
	wrapped := func(ctx context.Context) error {
		cnt.calls.Add(1)
		return fn(ctx)
	}
	c := New(wrapped, opts...)
	c.OnSuccess(func() { cnt.success.Add(1) })
	c.OnFailed(func() { cnt.failed.Add(1) })
	return c, cnt
}

func TestAttemptReconnect_Success(t *testing.T) {
	c, cnt := newCoordinator(func(context.Context) error { return nil })

	assert.True(t, c.AttemptReconnect(context.Background()))
	assert.EqualValues(t, 1, cnt.success.Load())
	assert.Zero(t, c.CurrentRetries())
	assert.False(t, c.Pending())
}

func TestAttemptReconnect_Exhaustion(t *testing.T) {
	c, cnt := newCoordinator(func(context.Context) error { return errDown },
		WithMaxRetries(3), WithDelay(time.Millisecond))
	defer c.Stop()

	assert.False(t, c.AttemptReconnect(context.Background()))

	require.Eventually(t, func() bool { return cnt.failed.Load() == 1 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 3, cnt.calls.Load())
	assert.Equal(t, 3, c.CurrentRetries(), "counter stays exhausted until reset")
	assert.False(t, c.Pending())

	// Further attempts neither call reconnect nor fire OnFailed again.
	assert.False(t, c.AttemptReconnect(context.Background()))
	assert.EqualValues(t, 3, cnt.calls.Load())
	assert.EqualValues(t, 1, cnt.failed.Load())

	c.Reset()
	assert.Zero(t, c.CurrentRetries())

	assert.False(t, c.AttemptReconnect(context.Background()))
	require.Eventually(t, func() bool { return cnt.failed.Load() == 2 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 6, cnt.calls.Load())
	assert.Zero(t, cnt.success.Load())
}

func TestAttemptReconnect_RecoversAfterFailures(t *testing.T) {
	var n atomic.Int32
	c, cnt := newCoordinator(func(context.Context) error {
		if n.Add(1) < 3 {
			return errDown
		}
		return nil
	}, WithMaxRetries(5), WithDelay(time.Millisecond))
	defer c.Stop()

	assert.False(t, c.AttemptReconnect(context.Background()))
	require.Eventually(t, func() bool { return cnt.success.Load() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, c.CurrentRetries())
	assert.Zero(t, cnt.failed.Load())
	assert.EqualValues(t, 3, cnt.calls.Load())
}

func TestAttemptReconnect_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	c, cnt := newCoordinator(func(context.Context) error {
		<-release
		return nil
	})

	done := make(chan bool)
	go func() { done <- c.AttemptReconnect(context.Background()) }()

	require.Eventually(t, func() bool { return cnt.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, c.Pending())
	assert.False(t, c.AttemptReconnect(context.Background()), "second attempt while one is in flight")
	assert.EqualValues(t, 1, cnt.calls.Load())

	close(release)
	assert.True(t, <-done)
	assert.EqualValues(t, 1, cnt.success.Load())
}

func TestAttemptReconnect_ManualAttemptReplacesScheduled(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	c, cnt := newCoordinator(func(context.Context) error {
		if fail.Load() {
			return errDown
		}
		return nil
	}, WithDelay(time.Hour))
	defer c.Stop()

	assert.False(t, c.AttemptReconnect(context.Background()))
	assert.True(t, c.Pending(), "next attempt is scheduled")

	fail.Store(false)
	assert.True(t, c.AttemptReconnect(context.Background()))
	assert.False(t, c.Pending(), "scheduled attempt was cancelled")
	assert.EqualValues(t, 2, cnt.calls.Load())
}

func TestStop_CancelsScheduledAttempt(t *testing.T) {
	c, cnt := newCoordinator(func(context.Context) error { return errDown },
		WithDelay(20*time.Millisecond))

	assert.False(t, c.AttemptReconnect(context.Background()))
	assert.Equal(t, 1, c.CurrentRetries())

	c.Stop()
	assert.False(t, c.Pending())
	assert.Zero(t, c.CurrentRetries())

	time.Sleep(60 * time.Millisecond)
	assert.EqualValues(t, 1, cnt.calls.Load())
}

func TestStop_CancelsInFlightAttempt(t *testing.T) {
	c, cnt := newCoordinator(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithDelay(time.Millisecond))

	done := make(chan bool)
	go func() { done <- c.AttemptReconnect(context.Background()) }()
	require.Eventually(t, func() bool { return cnt.calls.Load() == 1 }, time.Second, time.Millisecond)

	c.Stop()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("in-flight attempt was not cancelled")
	}
	assert.False(t, c.Pending(), "a stopped attempt schedules nothing")
	assert.Zero(t, cnt.failed.Load())
}

func TestState(t *testing.T) {
	c := New(func(context.Context) error { return nil })
	assert.Equal(t, State{CurrentRetries: 0, MaxRetries: 5, RetryDelay: 3 * time.Second}, c.State())
}
