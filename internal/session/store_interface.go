package session

import (
	"time"

	"pairdesk/internal/logger"
)

// Repository is the TTL-backed store of sessions keyed by pairing code.
// A session past ExpiresAt is never returned, whether or not it has been
// physically removed yet.
type Repository interface {
	Create(perms *Permissions) (*Session, error)
	Get(code string) (*Session, bool)
	Update(code string, patch Patch) (*Session, bool)
	Delete(code string) bool
	Sweep() int
	OnExpire(fn func(code string))
	Close() error
}

type Option func(*options)

type options struct {
	ttl           time.Duration
	sweepInterval time.Duration
	maxAttempts   int
	now           func() time.Time
	codes         func() (string, error)
	log           *logger.Logger
}

func defaultOptions() options {
	return options{
		ttl:           30 * time.Minute,
		sweepInterval: 60 * time.Second,
		maxAttempts:   20,
		now:           time.Now,
		codes:         GenerateCode,
		log:           logger.Nop(),
	}
}

func WithTTL(d time.Duration) Option { return func(o *options) { o.ttl = d } }

// WithSweepInterval sets the background sweep cadence; zero disables the
// sweep goroutine (Sweep can still be called directly).
func WithSweepInterval(d time.Duration) Option { return func(o *options) { o.sweepInterval = d } }

func WithMaxCodeAttempts(n int) Option { return func(o *options) { o.maxAttempts = n } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithCodeSource overrides the pairing code generator. Tests use it to force
// collisions.
func WithCodeSource(fn func() (string, error)) Option { return func(o *options) { o.codes = fn } }

func WithLogger(l *logger.Logger) Option { return func(o *options) { o.log = l } }
