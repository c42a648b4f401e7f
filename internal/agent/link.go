package agent

import (
	"context"
	"errors"
	"sync/atomic"

	"pairdesk/internal/reconnect"
	"pairdesk/internal/relay"
)

// ErrGaveUp is returned once the relay could not be reached within the
// configured number of attempts.
var ErrGaveUp = errors.New("agent: gave up connecting to relay")

type dialFunc func(ctx context.Context) (*relay.Conn, error)

// link hands out relay connections. The first connection and every later
// one go through the same bounded retry loop.
type link struct {
	dial   dialFunc
	coord  *reconnect.Coordinator
	conns  chan *relay.Conn
	failed chan struct{}
}

func newLink(dial dialFunc, opts ...reconnect.Option) *link {
	l := &link{
		dial:   dial,
		conns:  make(chan *relay.Conn, 1),
		failed: make(chan struct{}, 1),
	}
	l.coord = reconnect.New(l.connect, opts...)
	l.coord.OnFailed(func() {
		select {
		case l.failed <- struct{}{}:
		default:
		}
	})
	return l
}

func (l *link) connect(ctx context.Context) error {
	conn, err := l.dial(ctx)
	if err != nil {
		return err
	}
	l.conns <- conn
	return nil
}

// Next blocks until a fresh relay connection is up.
func (l *link) Next(ctx context.Context) (*relay.Conn, error) {
	go l.coord.AttemptReconnect(ctx)

	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.failed:
		l.coord.Reset()
		return nil, ErrGaveUp
	case <-ctx.Done():
		l.coord.Stop()
		select {
		case conn := <-l.conns:
			_ = conn.Close()
		default:
		}
		return nil, ctx.Err()
	}
}

// watchControl installs a control handler on conn. The returned func
// reports relay.ErrSessionEnded once the relay has ended the session.
func watchControl(conn *relay.Conn, stats *Stats) func() error {
	var ended atomic.Bool
	conn.OnControl(func(msg relay.Control) error {
		err := msg.Err()
		switch {
		case errors.Is(err, relay.ErrSessionEnded):
			ended.Store(true)
			stats.Event("👋", "session ended by server")
		case errors.Is(err, relay.ErrPeerLeft):
			stats.Event("🔌", "peer left")
		}
		return err
	})
	return func() error {
		if ended.Load() {
			return relay.ErrSessionEnded
		}
		return nil
	}
}
