// Package reconnect retries a dropped connection a bounded number of times
// with a fixed delay between attempts.
package reconnect

import (
	"context"
	"sync"
	"time"

	"pairdesk/internal/constants"
	"pairdesk/internal/logger"
)

// ReconnectFunc re-establishes the connection. The context is cancelled
// when the coordinator is stopped or reset mid-attempt.
type ReconnectFunc func(ctx context.Context) error

type State struct {
	CurrentRetries int           `json:"currentRetries"`
	MaxRetries     int           `json:"maxRetries"`
	RetryDelay     time.Duration `json:"retryDelay"`
}

// Coordinator runs at most one reconnect attempt at a time, in flight or
// scheduled. OnFailed observers fire once per exhaustion cycle; Reset or a
// successful attempt re-arms them.
type Coordinator struct {
	reconnect  ReconnectFunc
	maxRetries int
	delay      time.Duration
	log        *logger.Logger

	mu          sync.Mutex
	retries     int
	inFlight    bool
	failedFired bool
	timer       *time.Timer
	timerSeq    uint64
	gen         uint64
	cancel      context.CancelFunc
	onSuccess   []func()
	onFailed    []func()
}

type Option func(*Coordinator)

func WithMaxRetries(n int) Option { return func(c *Coordinator) { c.maxRetries = n } }

func WithDelay(d time.Duration) Option { return func(c *Coordinator) { c.delay = d } }

func WithLogger(l *logger.Logger) Option { return func(c *Coordinator) { c.log = l } }

func New(reconnect ReconnectFunc, opts ...Option) *Coordinator {
	c := &Coordinator{
		reconnect:  reconnect,
		maxRetries: constants.DefaultMaxRetries,
		delay:      constants.DefaultRetryDelay,
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) OnSuccess(fn func()) {
	c.mu.Lock()
	c.onSuccess = append(c.onSuccess, fn)
	c.mu.Unlock()
}

func (c *Coordinator) OnFailed(fn func()) {
	c.mu.Lock()
	c.onFailed = append(c.onFailed, fn)
	c.mu.Unlock()
}

// AttemptReconnect runs one attempt and reports whether it succeeded. A
// failed attempt with retries left schedules the next one after the delay.
// It returns false immediately when another attempt is already running.
func (c *Coordinator) AttemptReconnect(ctx context.Context) bool {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return false
	}
	if c.retries >= c.maxRetries {
		c.exhaustedLocked()
		return false
	}

	c.stopTimerLocked()
	c.retries++
	c.inFlight = true
	attempt := c.retries
	gen := c.gen
	attemptCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.log.Info().Int("attempt", attempt).Int("max", c.maxRetries).Msg("🔄 Reconnecting...")
	err := c.reconnect(attemptCtx)
	cancel()

	c.mu.Lock()
	c.inFlight = false
	c.cancel = nil
	if gen != c.gen {
		// Stopped or reset while the attempt was running.
		c.mu.Unlock()
		return false
	}

	if err == nil {
		c.retries = 0
		c.failedFired = false
		observers := append([]func(){}, c.onSuccess...)
		c.mu.Unlock()

		c.log.Info().Int("attempt", attempt).Msg("✅ Reconnected")
		for _, fn := range observers {
			fn()
		}
		return true
	}

	c.log.Warn().Err(err).Int("attempt", attempt).Msg("⚠️  Reconnect attempt failed")
	if c.retries < c.maxRetries {
		c.scheduleLocked(ctx)
		c.mu.Unlock()
		return false
	}
	c.exhaustedLocked()
	return false
}

// exhaustedLocked fires OnFailed once per cycle and releases c.mu.
func (c *Coordinator) exhaustedLocked() {
	if c.failedFired {
		c.mu.Unlock()
		return
	}
	c.failedFired = true
	observers := append([]func(){}, c.onFailed...)
	c.mu.Unlock()

	c.log.Error().Int("retries", c.maxRetries).Msg("❌ Giving up on reconnect")
	for _, fn := range observers {
		fn()
	}
}

func (c *Coordinator) scheduleLocked(ctx context.Context) {
	c.stopTimerLocked()
	c.timerSeq++
	seq := c.timerSeq
	c.timer = time.AfterFunc(c.delay, func() {
		c.mu.Lock()
		if c.timer == nil || c.timerSeq != seq || ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.mu.Unlock()
		c.AttemptReconnect(ctx)
	})
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Reset cancels any pending or running attempt, zeroes the counter and
// re-arms OnFailed.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// Stop is Reset for a connection that is going away.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	c.log.Debug().Msg("Reconnect coordinator stopped")
}

func (c *Coordinator) resetLocked() {
	c.stopTimerLocked()
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	c.retries = 0
	c.failedFired = false
}

func (c *Coordinator) CurrentRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{CurrentRetries: c.retries, MaxRetries: c.maxRetries, RetryDelay: c.delay}
}

// Pending reports whether an attempt is running or scheduled.
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight || c.timer != nil
}
