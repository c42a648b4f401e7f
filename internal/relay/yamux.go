package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	"pairdesk/internal/constants"
	"pairdesk/internal/logger"
)

func yamuxConfig() *yamux.Config {
	config := yamux.DefaultConfig()
	config.MaxStreamWindowSize = constants.YamuxMaxStreamWindowSize
	config.AcceptBacklog = constants.YamuxAcceptBacklog
	config.EnableKeepAlive = constants.YamuxEnableKeepAlive
	config.KeepAliveInterval = constants.YamuxKeepAliveInterval
	config.LogOutput = nil
	config.Logger = yamuxLogger{}
	return config
}

// yamuxLogger silences yamux; session errors surface through Accept/Open.
type yamuxLogger struct{}

func (yamuxLogger) Print(...interface{})          {}
func (yamuxLogger) Printf(string, ...interface{}) {}
func (yamuxLogger) Println(...interface{})        {}

// Multiplex starts a yamux session over an attached relay connection. The
// host opens streams and the client accepts them.
func Multiplex(conn *Conn, role Role) (*yamux.Session, error) {
	if role == RoleHost {
		return yamux.Client(conn, yamuxConfig())
	}
	return yamux.Server(conn, yamuxConfig())
}

type DialOptions struct {
	SkipTLSVerify bool
	Header        http.Header
	Log           *logger.Logger
}

// Dial connects an agent to the relay endpoint.
func Dial(ctx context.Context, wsURL string, opts DialOptions) (*Conn, error) {
	dialer := &websocket.Dialer{
		ReadBufferSize:    constants.WSBufferSize,
		WriteBufferSize:   constants.WSBufferSize,
		EnableCompression: false,
		HandshakeTimeout:  constants.WSHandshakeTimeout,
	}
	if opts.SkipTLSVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	ws, resp, err := dialer.DialContext(ctx, wsURL, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay returned %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	ws.SetReadLimit(int64(constants.MaxWSMessageSize))
	return newConn(ws, opts.Log), nil
}
