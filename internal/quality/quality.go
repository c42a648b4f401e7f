// Package quality picks a stream quality tier from network samples and
// applies it to a media track.
package quality

import (
	"context"
	"fmt"
	"sync"

	"pairdesk/internal/logger"
	"pairdesk/internal/metrics"
)

type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
	TierMax    Tier = "max"
)

type Quality struct {
	Tier       Tier `json:"tier"`
	Width      int  `json:"width"`
	Height     int  `json:"height"`
	FrameRate  int  `json:"frameRate"`
	BitrateBps int  `json:"bitrate"`
}

func (q Quality) String() string {
	return fmt.Sprintf("%dx%d@%dfps/%dkbps", q.Width, q.Height, q.FrameRate, q.BitrateBps/1000)
}

var (
	Low    = Quality{Tier: TierLow, Width: 640, Height: 360, FrameRate: 15, BitrateBps: 400_000}
	Medium = Quality{Tier: TierMedium, Width: 854, Height: 480, FrameRate: 24, BitrateBps: 800_000}
	High   = Quality{Tier: TierHigh, Width: 1280, Height: 720, FrameRate: 30, BitrateBps: 1_500_000}
	Max    = Quality{Tier: TierMax, Width: 1920, Height: 1080, FrameRate: 30, BitrateBps: 2_500_000}
)

type NetworkStats struct {
	BandwidthMbps float64 `json:"bandwidthMbps"`
	LatencyMs     float64 `json:"latencyMs"`
	PacketLossPct float64 `json:"packetLossPct"`
}

type threshold struct {
	quality      Quality
	minBandwidth float64
	maxLatency   float64
	maxLoss      float64
}

// Checked top to bottom; the first tier whose trigger matches wins.
var thresholds = []threshold{
	{Low, 1, 200, 5},
	{Medium, 2, 150, 3},
	{High, 5, 100, 1},
}

// Classify maps network stats to a tier.
func Classify(s NetworkStats) Quality {
	for _, th := range thresholds {
		if s.BandwidthMbps < th.minBandwidth || s.LatencyMs > th.maxLatency || s.PacketLossPct > th.maxLoss {
			return th.quality
		}
	}
	return Max
}

// Constraints is what gets applied to a track.
type Constraints struct {
	Width     int
	Height    int
	FrameRate int
}

// Track is a caller owned media track. The adapter only changes its
// constraints and never closes it.
type Track interface {
	ApplyConstraints(ctx context.Context, c Constraints) error
}

// Adapter retunes one track. AdjustQuality calls must not overlap; the
// current quality is safe to read from any goroutine.
type Adapter struct {
	track Track
	log   *logger.Logger

	mu        sync.RWMutex
	current   Quality
	observers []func(Quality)
}

func NewAdapter(track Track, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Nop()
	}
	return &Adapter{track: track, log: log, current: High}
}

func (a *Adapter) OnQualityChange(fn func(Quality)) {
	a.mu.Lock()
	a.observers = append(a.observers, fn)
	a.mu.Unlock()
}

// AdjustQuality applies q to the track. On failure the current quality is
// kept and the error is logged and returned.
func (a *Adapter) AdjustQuality(ctx context.Context, q Quality) error {
	err := a.track.ApplyConstraints(ctx, Constraints{Width: q.Width, Height: q.Height, FrameRate: q.FrameRate})
	if err != nil {
		a.log.Warn().Err(err).Str("quality", q.String()).Msg("⚠️  Failed to apply quality constraints")
		return fmt.Errorf("apply %s: %w", q.Tier, err)
	}

	a.mu.Lock()
	a.current = q
	observers := append([]func(Quality){}, a.observers...)
	a.mu.Unlock()

	a.log.Debug().Str("tier", string(q.Tier)).Str("quality", q.String()).Msg("🎚 Quality adjusted")
	for _, fn := range observers {
		fn(q)
	}
	return nil
}

// AutoAdjustQuality classifies the stats and applies the resulting tier.
func (a *Adapter) AutoAdjustQuality(ctx context.Context, s NetworkStats) (Quality, error) {
	q := Classify(s)
	metrics.QualitySelections.WithLabelValues(string(q.Tier)).Inc()
	return q, a.AdjustQuality(ctx, q)
}

func (a *Adapter) CurrentQuality() Quality {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}
