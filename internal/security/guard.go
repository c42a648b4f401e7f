package security

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairdesk/internal/config"
	"pairdesk/internal/logger"
	"pairdesk/internal/metrics"
)

// ErrMissingCode is the only hard error of the guard. Unknown codes and
// anomalies are ordinary results.
var ErrMissingCode = errors.New("security: code is required")

type Reason string

const (
	ReasonBlocked Reason = "blocked"
	ReasonInvalid Reason = "invalid"
	ReasonExpired Reason = "expired"
)

type ValidationResult struct {
	OK     bool   `json:"ok"`
	Reason Reason `json:"reason,omitempty"`
}

const lockStripes = 64

// Guard issues and validates join tokens and watches the per-code access
// history for abuse.
type Guard struct {
	signer *TokenSigner
	logs   AccessLogStore
	audit  *AuditLogger
	log    *logger.Logger
	now    func() time.Time

	window         time.Duration
	maxAttempts    int
	maxDistinctIPs int
	logLimit       int

	locks [lockStripes]sync.Mutex
}

type GuardOption func(*Guard)

func WithGuardClock(now func() time.Time) GuardOption { return func(g *Guard) { g.now = now } }

func WithGuardLogger(l *logger.Logger) GuardOption { return func(g *Guard) { g.log = l } }

func WithAudit(a *AuditLogger) GuardOption { return func(g *Guard) { g.audit = a } }

// NewGuard builds a guard from the security config. An empty token secret
// is replaced by a random one, which only works for a single instance.
func NewGuard(conf config.Security, logs AccessLogStore, opts ...GuardOption) (*Guard, error) {
	g := &Guard{
		logs:           logs,
		log:            logger.Nop(),
		now:            time.Now,
		window:         conf.AnomalyWindow,
		maxAttempts:    conf.MaxAttempts,
		maxDistinctIPs: conf.MaxDistinctIPs,
		logLimit:       conf.LogLimit,
	}
	for _, opt := range opts {
		opt(g)
	}

	secret := []byte(conf.TokenSecret)
	if len(secret) == 0 {
		var err error
		if secret, err = RandomSecret(); err != nil {
			return nil, fmt.Errorf("failed to generate token secret: %w", err)
		}
		g.log.Warn().Msg("⚠️  No token secret configured, using a random one. Tokens will not survive a restart")
	}

	signer, err := NewTokenSigner(secret, conf.TokenTTL)
	if err != nil {
		return nil, err
	}
	g.signer = signer
	return g, nil
}

// lock serializes guard operations for one code.
func (g *Guard) lock(code string) func() {
	h := fnv.New32a()
	h.Write([]byte(code))
	m := &g.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

func (g *Guard) IssueToken(code string) (Token, error) {
	if code == "" {
		return Token{}, ErrMissingCode
	}
	t := g.signer.Sign(code, g.now())
	metrics.TokensIssued.Inc()
	return t, nil
}

// Blocked reports whether the recent history of code is anomalous right now.
// It does not record an attempt.
func (g *Guard) Blocked(ctx context.Context, code string) (bool, error) {
	if code == "" {
		return false, ErrMissingCode
	}
	unlock := g.lock(code)
	defer unlock()

	now := g.now()
	recent, err := g.logs.Since(ctx, code, now.Add(-g.window))
	if err != nil {
		return false, err
	}
	return g.IsAnomalous(recent, now), nil
}

// ValidateToken runs anomaly detection over the attempts already on record
// and, unless blocked, verifies the token. The attempt itself is then
// appended to the access log.
func (g *Guard) ValidateToken(ctx context.Context, code, ip, token string) (ValidationResult, error) {
	if code == "" {
		return ValidationResult{}, ErrMissingCode
	}
	unlock := g.lock(code)
	defer unlock()

	now := g.now()
	recent, err := g.logs.Since(ctx, code, now.Add(-g.window))
	if err != nil {
		return ValidationResult{}, err
	}

	var res ValidationResult
	if g.IsAnomalous(recent, now) {
		res = ValidationResult{OK: false, Reason: ReasonBlocked}
		metrics.Anomalies.Inc()
		g.audit.LogAnomaly(ip, code, len(recent))
		g.log.Warn().Str("code", code).Str("ip", ip).Int("attempts", len(recent)).Msg("🚫 Anomalous access, attempt blocked")
	} else {
		res = g.verify(code, token, now)
	}

	entry := AccessLogEntry{
		ID:        uuid.NewString(),
		IP:        ip,
		Action:    ActionValidateToken,
		Timestamp: now,
		Success:   res.OK,
	}
	if !res.OK {
		entry.Metadata = map[string]string{"reason": string(res.Reason)}
	}
	if err := g.logs.Append(ctx, code, entry); err != nil {
		return ValidationResult{}, err
	}

	result := "ok"
	if !res.OK {
		result = string(res.Reason)
		g.audit.LogTokenRejected(ip, code, result)
	} else {
		g.audit.LogTokenAccepted(ip, code)
	}
	metrics.TokenValidations.WithLabelValues(result).Inc()
	return res, nil
}

func (g *Guard) verify(code, token string, now time.Time) ValidationResult {
	bound, issuedAt, err := g.signer.Parse(token)
	if err != nil || bound != code {
		return ValidationResult{OK: false, Reason: ReasonInvalid}
	}
	if !issuedAt.Add(g.signer.TTL()).After(now) {
		return ValidationResult{OK: false, Reason: ReasonExpired}
	}
	return ValidationResult{OK: true}
}

func (g *Guard) LogAccess(ctx context.Context, code, ip, action string, success bool, metadata map[string]string) error {
	if code == "" {
		return ErrMissingCode
	}
	if action == "" {
		action = ActionLogAccess
	}
	unlock := g.lock(code)
	defer unlock()

	return g.logs.Append(ctx, code, AccessLogEntry{
		ID:        uuid.NewString(),
		IP:        ip,
		Action:    action,
		Timestamp: g.now(),
		Success:   success,
		Metadata:  metadata,
	})
}

// GetLog returns the most recent entries for code, newest last, and the
// number of entries retained.
func (g *Guard) GetLog(ctx context.Context, code string) ([]AccessLogEntry, int, error) {
	if code == "" {
		return nil, 0, ErrMissingCode
	}
	return g.logs.Recent(ctx, code, g.logLimit)
}

// Forget drops the history of an ended session.
func (g *Guard) Forget(ctx context.Context, code string) error {
	return g.logs.Delete(ctx, code)
}

// IsAnomalous applies the sliding window rule: more than maxAttempts
// entries, or entries from more than maxDistinctIPs addresses, within the
// window ending at now.
func (g *Guard) IsAnomalous(entries []AccessLogEntry, now time.Time) bool {
	cutoff := now.Add(-g.window)
	count := 0
	ips := make(map[string]struct{})
	for _, e := range entries {
		if !e.Timestamp.After(cutoff) || e.Timestamp.After(now) {
			continue
		}
		count++
		ips[e.IP] = struct{}{}
	}
	return count > g.maxAttempts || len(ips) > g.maxDistinctIPs
}
