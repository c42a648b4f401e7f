package agent

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"

	"pairdesk/internal/capture"
	"pairdesk/internal/constants"
	"pairdesk/internal/logger"
	"pairdesk/internal/quality"
	"pairdesk/internal/reconnect"
	"pairdesk/internal/relay"
	"pairdesk/internal/session"
	"pairdesk/internal/types"
	"pairdesk/internal/utils"
)

// Bandwidth assumed until the first stream write has been measured.
const assumedBandwidthMbps = 10

// FrameSource produces encoded frames and accepts quality constraints.
// capture.ScreenTrack is the production implementation.
type FrameSource interface {
	quality.Track
	Stream(ctx context.Context, send func(frame []byte) error) error
}

type HostOptions struct {
	ServerURL     string
	SkipTLSVerify bool
	Permissions   session.Permissions
	Display       int
	Source        FrameSource
	SampleEvery   time.Duration
	Retry         []reconnect.Option
	Log           *logger.Logger
}

// Host owns a pairing code and streams its screen to whoever joins it.
type Host struct {
	opts    HostOptions
	api     *API
	log     *logger.Logger
	stats   Stats
	adapter *quality.Adapter
	meter   meter
	info    types.GenerateCodeResponse
}

func NewHost(opts HostOptions) (*Host, error) {
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	if opts.SampleEvery <= 0 {
		opts.SampleEvery = constants.QualitySampleInterval
	}
	if opts.Source == nil {
		track, err := capture.NewScreenTrack(opts.Display)
		if err != nil {
			return nil, err
		}
		opts.Source = track
	}

	h := &Host{
		opts: opts,
		api:  NewAPI(opts.ServerURL, opts.SkipTLSVerify),
		log:  opts.Log,
	}
	h.adapter = quality.NewAdapter(opts.Source, opts.Log)
	h.adapter.OnQualityChange(func(q quality.Quality) {
		h.stats.setQuality(q.String())
	})
	return h, nil
}

func (h *Host) Stats() *Stats { return &h.stats }

func (h *Host) Info() types.GenerateCodeResponse { return h.info }

// Start registers a new session and returns its pairing code.
func (h *Host) Start(ctx context.Context) (types.GenerateCodeResponse, error) {
	perms := h.opts.Permissions
	resp, err := h.api.GenerateCode(ctx, &perms)
	if err != nil {
		return resp, err
	}
	h.info = resp
	h.log.Info().Str("code", resp.Code).Msg("🔑 Pairing code ready")
	h.stats.SetStatus("code " + resp.Code + " ready")
	return resp, nil
}

// Run streams to the joined client until the session ends or ctx is done.
func (h *Host) Run(ctx context.Context) error {
	if h.info.Code == "" {
		return errors.New("agent: host has no session, call Start first")
	}
	retry := append([]reconnect.Option{reconnect.WithLogger(h.log)}, h.opts.Retry...)
	return runLink(ctx, newLink(h.dial, retry...), &h.stats, h.log, h.serve)
}

// End tells the server the host is done with the session.
func (h *Host) End(ctx context.Context) error {
	if h.info.Code == "" {
		return nil
	}
	return h.api.EndSession(ctx, h.info.Code, h.info.HostID)
}

func (h *Host) dial(ctx context.Context) (*relay.Conn, error) {
	wsURL := utils.ConstructWSURL(h.opts.ServerURL, constants.EndpointWebSocket+h.info.Code, url.Values{
		"role":   {string(relay.RoleHost)},
		"hostId": {h.info.HostID},
	})
	return relay.Dial(ctx, wsURL, relay.DialOptions{SkipTLSVerify: h.opts.SkipTLSVerify, Log: h.log})
}

func (h *Host) serve(ctx context.Context, conn *relay.Conn) error {
	ended := watchControl(conn, &h.stats)
	h.stats.SetStatus("waiting for client")
	if _, err := conn.AwaitPeer(ctx); err != nil {
		return err
	}

	mux, err := relay.Multiplex(conn, relay.RoleHost)
	if err != nil {
		return err
	}
	defer mux.Close()
	stream, err := mux.Open()
	if err != nil {
		return err
	}
	defer stream.Close()

	h.log.Info().Str("code", h.info.Code).Msg("🤝 Client attached, streaming")
	h.stats.SetStatus("streaming")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.sampleLoop(ctx, mux)

	err = h.opts.Source.Stream(ctx, func(frame []byte) error {
		start := time.Now()
		n, err := writeFrame(stream, frame)
		if err != nil {
			return err
		}
		h.meter.observe(n, time.Since(start))
		atomic.AddInt64(&h.stats.Frames, 1)
		atomic.AddInt64(&h.stats.BytesOut, int64(n))
		return nil
	})
	if endErr := ended(); endErr != nil {
		return endErr
	}
	return err
}

// sampleLoop measures the link every SampleEvery and retunes the source.
func (h *Host) sampleLoop(ctx context.Context, mux *yamux.Session) {
	ticker := time.NewTicker(h.opts.SampleEvery)
	defer ticker.Stop()
	bandwidth := float64(assumedBandwidthMbps)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rtt, err := mux.Ping()
		if err != nil {
			h.log.Debug().Err(err).Msg("quality sample failed")
			continue
		}
		h.stats.setLatency(rtt)
		if mbps, ok := h.meter.mbps(); ok {
			bandwidth = mbps
		}

		prev := h.adapter.CurrentQuality()
		q, err := h.adapter.AutoAdjustQuality(ctx, quality.NetworkStats{
			BandwidthMbps: bandwidth,
			LatencyMs:     float64(rtt) / float64(time.Millisecond),
		})
		if err != nil {
			continue
		}
		if q.Tier != prev.Tier {
			h.log.Info().Str("tier", string(q.Tier)).Dur("rtt", rtt).Float64("mbps", bandwidth).Msg("🎚 Stream quality changed")
			h.stats.Event("🎚", "quality "+string(q.Tier))
		}
	}
}

// meter estimates send bandwidth from the time frame writes spend blocked
// on the stream's flow control window.
type meter struct {
	mu    sync.Mutex
	bytes int64
	busy  time.Duration
}

func (m *meter) observe(n int, took time.Duration) {
	m.mu.Lock()
	m.bytes += int64(n)
	m.busy += took
	m.mu.Unlock()
}

// mbps returns the estimate since the previous call. ok is false when
// nothing was written.
func (m *meter) mbps() (mbps float64, ok bool) {
	m.mu.Lock()
	bytes, busy := m.bytes, m.busy
	m.bytes, m.busy = 0, 0
	m.mu.Unlock()

	if bytes == 0 || busy <= 0 {
		return 0, false
	}
	return float64(bytes*8) / busy.Seconds() / 1e6, true
}
