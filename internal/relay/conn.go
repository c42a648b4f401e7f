package relay

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pairdesk/internal/logger"
	"pairdesk/internal/metrics"
)

// Conn exposes an agent's relay websocket as a net.Conn so yamux can run on
// top of it. Text frames are control messages and never reach Read.
type Conn struct {
	conn   *websocket.Conn
	reader io.Reader
	mu     sync.Mutex
	log    *logger.Logger

	ctlMu     sync.Mutex
	onControl func(Control) error

	BytesIn  int64 // atomic
	BytesOut int64 // atomic
}

func newConn(ws *websocket.Conn, log *logger.Logger) *Conn {
	if log == nil {
		log = logger.Nop()
	}
	return &Conn{conn: ws, log: log}
}

// OnControl sets the handler for control frames. A non-nil error from the
// handler is returned by the pending Read.
func (c *Conn) OnControl(fn func(Control) error) {
	c.ctlMu.Lock()
	c.onControl = fn
	c.ctlMu.Unlock()
}

func (c *Conn) control(data []byte) error {
	var msg Control
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug().Err(err).Msg("ignoring malformed control frame")
		return nil
	}
	c.ctlMu.Lock()
	fn := c.onControl
	c.ctlMu.Unlock()
	if fn == nil {
		return msg.Err()
	}
	return fn(msg)
}

func (c *Conn) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	for c.reader == nil {
		var kind int
		kind, c.reader, err = c.conn.NextReader()
		if err != nil {
			return 0, err
		}
		if kind == websocket.TextMessage {
			data, err := io.ReadAll(c.reader)
			c.reader = nil
			if err != nil {
				return 0, err
			}
			if err := c.control(data); err != nil {
				return 0, err
			}
		}
	}

	n, err = c.reader.Read(p)
	if err == io.EOF {
		c.reader = nil
		err = nil
	}
	if n > 0 {
		atomic.AddInt64(&c.BytesIn, int64(n))
	}
	return n, err
}

func (c *Conn) Write(p []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err = c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	atomic.AddInt64(&c.BytesOut, int64(len(p)))
	metrics.RelayBytes.WithLabelValues("agent_out").Add(float64(len(p)))
	return len(p), nil
}

// AwaitPeer blocks until the relay reports the other side attached. Binary
// frames arriving before that are discarded.
func (c *Conn) AwaitPeer(ctx context.Context) (Control, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Control{}, ctx.Err()
			}
			return Control{}, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg Control
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == ControlPeerJoined {
			return msg, nil
		}
		if err := msg.Err(); err != nil && err != ErrPeerLeft {
			return msg, err
		}
	}
}

func (c *Conn) Close() error                       { return c.conn.Close() }
func (c *Conn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return nil }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
