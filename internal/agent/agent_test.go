package agent

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairdesk/internal/config"
	"pairdesk/internal/quality"
	"pairdesk/internal/reconnect"
	"pairdesk/internal/relay"
	"pairdesk/internal/security"
	"pairdesk/internal/server"
	"pairdesk/internal/session"
	"pairdesk/internal/transfer"
)

var fastRetry = []reconnect.Option{
	reconnect.WithMaxRetries(3),
	reconnect.WithDelay(20 * time.Millisecond),
}

func newTestServer(t *testing.T) string {
	t.Helper()
	conf := config.Default()
	conf.Security.TokenSecret = "agent-test-secret"
	conf.Transfer.SpoolDir = t.TempDir()
	conf.Relay.ReconnectGrace = 2 * time.Second
	conf.Relay.PingInterval = time.Second

	sessions := session.NewMemoryStore(session.WithTTL(conf.Session.TTL), session.WithSweepInterval(0))
	logs := security.NewMemoryLogStore(security.Retention{
		Window: conf.Security.AnomalyWindow,
		Keep:   conf.Security.LogLimit,
		Idle:   conf.Session.TTL,
	}, 0, time.Now)
	guard, err := security.NewGuard(conf.Security, logs)
	require.NoError(t, err)
	transfers, err := transfer.NewManager(conf.Transfer, conf.Session.TTL, sessions)
	require.NoError(t, err)

	srv := server.New(conf, server.Deps{Sessions: sessions, Guard: guard, AccessLog: logs, Transfers: transfers})
	t.Cleanup(srv.Cleanup)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

type fakeSource struct {
	mu      sync.Mutex
	applied []quality.Constraints
}

func (f *fakeSource) ApplyConstraints(_ context.Context, c quality.Constraints) error {
	f.mu.Lock()
	f.applied = append(f.applied, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) Stream(ctx context.Context, send func([]byte) error) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := send([]byte("frame")); err != nil {
			return err
		}
	}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for agent to stop")
		return nil
	}
}

func TestFrameCodec(t *testing.T) {
	var buf bytes.Buffer
	n, err := writeFrame(&buf, []byte("jpeg-bytes"))
	require.NoError(t, err)
	assert.Equal(t, 14, n)

	_, err = writeFrame(&buf, nil)
	require.NoError(t, err)

	frame, err := readFrame(&buf, 64)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(frame))

	frame, err = readFrame(&buf, 64)
	require.NoError(t, err)
	assert.Empty(t, frame)
}

func TestFrameCodec_Limits(t *testing.T) {
	var buf bytes.Buffer
	_, err := writeFrame(&buf, bytes.Repeat([]byte("x"), 100))
	require.NoError(t, err)
	_, err = readFrame(&buf, 10)
	assert.ErrorContains(t, err, "exceeds limit")

	_, err = readFrame(strings.NewReader("\x00\x00\x00\x05ab"), 10)
	assert.Error(t, err)
}

func TestMeter(t *testing.T) {
	var m meter
	_, ok := m.mbps()
	assert.False(t, ok)

	m.observe(1_000_000, time.Second)
	mbps, ok := m.mbps()
	require.True(t, ok)
	assert.InDelta(t, 8.0, mbps, 0.001)

	_, ok = m.mbps()
	assert.False(t, ok, "estimate resets after each read")
}

func TestLink_GivesUp(t *testing.T) {
	var calls atomic.Int32
	l := newLink(func(context.Context) (*relay.Conn, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	}, fastRetry...)

	_, err := l.Next(context.Background())
	assert.ErrorIs(t, err, ErrGaveUp)
	assert.EqualValues(t, 3, calls.Load())

	_, err = l.Next(context.Background())
	assert.ErrorIs(t, err, ErrGaveUp, "retries re-arm after giving up")
	assert.EqualValues(t, 6, calls.Load())
}

func TestLink_RecoversAfterFailures(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, _, _ = ws.ReadMessage()
	}))
	defer ts.Close()

	var calls atomic.Int32
	l := newLink(func(ctx context.Context) (*relay.Conn, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return relay.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), relay.DialOptions{})
	}, fastRetry...)

	conn, err := l.Next(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	assert.EqualValues(t, 3, calls.Load())
}

func TestLink_Cancelled(t *testing.T) {
	l := newLink(func(ctx context.Context) (*relay.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, fastRetry...)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := l.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAPI_Errors(t *testing.T) {
	api := NewAPI(newTestServer(t), false)
	ctx := context.Background()

	_, err := api.IssueToken(ctx, "123456")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.NotEmpty(t, apiErr.Message)

	gen, err := api.GenerateCode(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, gen.Code, 6)
	assert.NotEmpty(t, gen.HostID)

	_, err = api.Join(ctx, gen.Code, "forged.token")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	err = api.EndSession(ctx, gen.Code, "not-the-host")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	require.NoError(t, api.EndSession(ctx, gen.Code, gen.HostID))
}

func TestClient_RejectsMalformedCode(t *testing.T) {
	c := NewClient(JoinOptions{ServerURL: newTestServer(t), Code: "12ab"})
	_, err := c.Join(context.Background())
	assert.ErrorContains(t, err, "invalid code")
}

func TestHostStreamsToClient(t *testing.T) {
	base := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	source := &fakeSource{}
	host, err := NewHost(HostOptions{
		ServerURL:   base,
		Source:      source,
		SampleEvery: 50 * time.Millisecond,
		Permissions: session.Permissions{ScreenShare: true},
		Retry:       fastRetry,
	})
	require.NoError(t, err)
	info, err := host.Start(ctx)
	require.NoError(t, err)

	hostDone := make(chan error, 1)
	go func() { hostDone <- host.Run(ctx) }()

	frames := make(chan []byte, 8)
	client := NewClient(JoinOptions{
		ServerURL: base,
		Code:      info.Code,
		Retry:     fastRetry,
		OnFrame: func(f []byte) {
			select {
			case frames <- f:
			default:
			}
		},
	})
	joined, err := client.Join(ctx)
	require.NoError(t, err)
	assert.True(t, joined.Success)
	assert.True(t, joined.Session.Permissions.ScreenShare)

	clientDone := make(chan error, 1)
	go func() { clientDone <- client.Run(ctx) }()

	select {
	case f := <-frames:
		assert.Equal(t, "frame", string(f))
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
	}

	require.Eventually(t, func() bool {
		return host.adapter.CurrentQuality().Tier == quality.TierMax
	}, 5*time.Second, 20*time.Millisecond, "local link should reach max quality")

	snap := host.Stats().Snapshot()
	assert.Equal(t, "streaming", snap.Status)
	assert.Positive(t, snap.Frames)
	assert.Positive(t, snap.BytesOut)

	require.NoError(t, host.End(ctx))
	assert.ErrorIs(t, waitErr(t, hostDone), relay.ErrSessionEnded)
	assert.ErrorIs(t, waitErr(t, clientDone), relay.ErrSessionEnded)
	assert.Positive(t, client.Stats().Snapshot().BytesIn)
}

func TestQRLines(t *testing.T) {
	lines, err := QRLines("http://localhost:8080/join/123456")
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	for _, l := range lines[1:] {
		assert.Equal(t, len([]rune(lines[0])), len([]rune(l)), "qr rows are equal width")
	}
	assert.Equal(t, ColorGreen, statusColor("streaming"))
	assert.Equal(t, ColorRed, statusColor("session ended"))
}

func TestStats_EventRing(t *testing.T) {
	var s Stats
	for i := 0; i < maxEvents+5; i++ {
		s.Event("•", "tick")
	}
	s.SetStatus("streaming")

	snap := s.Snapshot()
	assert.Len(t, snap.Events, maxEvents)
	assert.Contains(t, snap.Events[len(snap.Events)-1], "streaming")
	assert.Equal(t, "streaming", snap.Status)
	assert.False(t, snap.Since.IsZero())
}
