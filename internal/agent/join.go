package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"pairdesk/internal/constants"
	"pairdesk/internal/logger"
	"pairdesk/internal/reconnect"
	"pairdesk/internal/relay"
	"pairdesk/internal/types"
	"pairdesk/internal/utils"
)

const frameSaveInterval = time.Second

type JoinOptions struct {
	ServerURL     string
	SkipTLSVerify bool
	Code          string
	// OutFile, when set, receives the latest frame as a JPEG at most once
	// per second.
	OutFile       string
	OnFrame       func(frame []byte)
	Retry         []reconnect.Option
	Log           *logger.Logger
}

// Client joins a host's session and receives its screen stream.
type Client struct {
	opts     JoinOptions
	api      *API
	log      *logger.Logger
	stats    Stats
	token    string
	joined   types.JoinResponse
	lastSave time.Time
}

func NewClient(opts JoinOptions) *Client {
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	return &Client{
		opts: opts,
		api:  NewAPI(opts.ServerURL, opts.SkipTLSVerify),
		log:  opts.Log.Extend(opts.Log.With().Str("code", opts.Code)),
	}
}

func (c *Client) Stats() *Stats { return &c.stats }

// Join trades the code for a validated access token and claims the
// session's client slot with it.
func (c *Client) Join(ctx context.Context) (types.JoinResponse, error) {
	verify, err := c.api.Verify(ctx, c.opts.Code)
	if err != nil {
		return types.JoinResponse{}, err
	}
	if !verify.Valid {
		return types.JoinResponse{}, fmt.Errorf("invalid code: %s", verify.Message)
	}

	tok, err := c.api.IssueToken(ctx, c.opts.Code)
	if err != nil {
		return types.JoinResponse{}, err
	}
	check, err := c.api.ValidateToken(ctx, c.opts.Code, tok.Token)
	if err != nil {
		return types.JoinResponse{}, err
	}
	if !check.Valid {
		return types.JoinResponse{}, fmt.Errorf("token rejected: %s", check.Reason)
	}

	resp, err := c.api.Join(ctx, c.opts.Code, tok.Token)
	if err != nil {
		return resp, err
	}
	c.token = tok.Token
	c.joined = resp
	c.log.Info().Str("clientId", resp.ClientID).Msg("🤝 Joined session")
	c.stats.SetStatus("joined")
	return resp, nil
}

// Run receives frames until the session ends or ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if c.joined.ClientID == "" {
		return errors.New("agent: not joined, call Join first")
	}
	retry := append([]reconnect.Option{reconnect.WithLogger(c.log)}, c.opts.Retry...)
	return runLink(ctx, newLink(c.dial, retry...), &c.stats, c.log, c.serve)
}

func (c *Client) dial(ctx context.Context) (*relay.Conn, error) {
	wsURL := utils.ConstructWSURL(c.opts.ServerURL, constants.EndpointWebSocket+c.opts.Code, url.Values{
		"role":     {string(relay.RoleClient)},
		"clientId": {c.joined.ClientID},
		"token":    {c.token},
	})
	return relay.Dial(ctx, wsURL, relay.DialOptions{SkipTLSVerify: c.opts.SkipTLSVerify, Log: c.log})
}

func (c *Client) serve(ctx context.Context, conn *relay.Conn) error {
	ended := watchControl(conn, &c.stats)
	c.stats.SetStatus("waiting for host")
	if _, err := conn.AwaitPeer(ctx); err != nil {
		return err
	}

	mux, err := relay.Multiplex(conn, relay.RoleClient)
	if err != nil {
		return err
	}
	defer mux.Close()
	stop := context.AfterFunc(ctx, func() { _ = mux.Close() })
	defer stop()

	stream, err := mux.AcceptStream()
	if err != nil {
		if endErr := ended(); endErr != nil {
			return endErr
		}
		return err
	}
	defer stream.Close()
	c.stats.SetStatus("viewing")

	for {
		frame, err := readFrame(stream, constants.MaxWSMessageSize)
		if err != nil {
			if endErr := ended(); endErr != nil {
				return endErr
			}
			return err
		}
		atomic.AddInt64(&c.stats.Frames, 1)
		atomic.AddInt64(&c.stats.BytesIn, int64(len(frame)+frameHeaderSize))
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame []byte) {
	if c.opts.OnFrame != nil {
		c.opts.OnFrame(frame)
	}
	if c.opts.OutFile == "" || time.Since(c.lastSave) < frameSaveInterval {
		return
	}
	c.lastSave = time.Now()
	if err := saveFrame(c.opts.OutFile, frame); err != nil {
		c.log.Warn().Err(err).Str("file", c.opts.OutFile).Msg("⚠️  Failed to save frame")
	}
}

// saveFrame writes through a temp file renamed over path.
func saveFrame(path string, frame []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".frame-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(frame); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
