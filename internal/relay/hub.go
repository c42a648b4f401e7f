// Package relay bridges the host and client websockets of one session and
// gives the agents a net.Conn to multiplex over.
package relay

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pairdesk/internal/config"
	"pairdesk/internal/constants"
	"pairdesk/internal/logger"
	"pairdesk/internal/metrics"
	"pairdesk/internal/security"
	"pairdesk/internal/session"
)

var ErrTooManyConnections = errors.New("relay: too many connections")

type peer struct {
	role Role
	ip   string
	conn *websocket.Conn
	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

func (p *peer) write(kind int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(constants.RelayWriteTimeout))
	return p.conn.WriteMessage(kind, data)
}

func (p *peer) send(msg Control) error { return p.write(websocket.TextMessage, msg.marshal()) }

func (p *peer) close(code int, reason string) {
	p.once.Do(func() {
		close(p.done)
		p.mu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		p.mu.Unlock()
		_ = p.conn.Close()
	})
}

type room struct {
	code    string
	peers   map[Role]*peer
	bridged bool
	grace   *time.Timer
	seq     uint64
}

type Option func(*Hub)

func WithLogger(l *logger.Logger) Option { return func(h *Hub) { h.log = l } }

func WithAudit(a *security.AuditLogger) Option { return func(h *Hub) { h.audit = a } }

func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.origins = origins }
}

// Hub pairs relay connections by session code. When a bridged peer drops
// the other side is kept for the reconnect grace; if nobody rejoins in time
// the session is marked disconnected and the remaining peer is closed.
type Hub struct {
	mu       sync.Mutex
	rooms    map[string]*room
	sessions session.Repository
	limiter  *security.ConnectionLimiter
	grace    time.Duration
	ping     time.Duration
	origins  []string
	upgrader websocket.Upgrader
	log      *logger.Logger
	audit    *security.AuditLogger
}

func NewHub(conf config.Relay, sessions session.Repository, opts ...Option) *Hub {
	h := &Hub{
		rooms:    make(map[string]*room),
		sessions: sessions,
		limiter:  security.NewConnectionLimiter(conf.MaxConnsPerIP),
		grace:    conf.ReconnectGrace,
		ping:     conf.PingInterval,
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.grace <= 0 {
		h.grace = constants.ReconnectGrace
	}
	if h.ping <= 0 {
		h.ping = constants.WSPingInterval
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:       func(r *http.Request) bool { return security.ValidateOrigin(r, h.origins) },
		ReadBufferSize:    constants.WSBufferSize,
		WriteBufferSize:   constants.WSBufferSize,
		EnableCompression: false,
	}
	return h
}

// Serve upgrades the request and relays frames for role until the
// connection ends. Callers authorize the request first.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, code string, role Role, ip string) error {
	if !h.limiter.TryConnect(ip) {
		h.audit.LogConnectionLimit(ip)
		return ErrTooManyConnections
	}
	defer h.limiter.Disconnect(ip)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	ws.SetReadLimit(int64(constants.MaxWSMessageSize))

	p := &peer{role: role, ip: ip, conn: ws, done: make(chan struct{})}
	h.attach(code, p)
	h.audit.LogRelayConnect(ip, code, string(role))
	h.log.Info().Str("code", code).Str("role", string(role)).Str("ip", ip).Msg("🔌 Relay peer attached")

	go h.pingLoop(code, p)
	reason := h.readLoop(code, p)

	h.detach(code, p, reason)
	p.close(websocket.CloseNormalClosure, "")
	h.audit.LogRelayDisconnect(ip, code, string(role), reason)
	h.log.Info().Str("code", code).Str("role", string(role)).Str("reason", reason).Msg("🔌 Relay peer detached")
	return nil
}

func (h *Hub) attach(code string, p *peer) {
	h.mu.Lock()
	rm, ok := h.rooms[code]
	if !ok {
		rm = &room{code: code, peers: make(map[Role]*peer, 2)}
		h.rooms[code] = rm
	}
	old := rm.peers[p.role]
	rm.peers[p.role] = p
	other := rm.peers[p.role.other()]
	formed := other != nil && old == nil
	if other != nil {
		h.stopGraceLocked(rm)
		if !rm.bridged {
			rm.bridged = true
			metrics.RelayBridges.Inc()
		}
	}
	h.mu.Unlock()

	if old != nil {
		old.close(websocket.CloseGoingAway, "replaced")
	}
	if other != nil {
		_ = p.send(Control{Type: ControlPeerJoined, Role: other.role})
		_ = other.send(Control{Type: ControlPeerJoined, Role: p.role})
	}
	if formed {
		h.log.Info().Str("code", code).Msg("🔗 Relay bridge established")
	}
}

func (h *Hub) detach(code string, p *peer, reason string) {
	h.mu.Lock()
	rm, ok := h.rooms[code]
	if !ok || rm.peers[p.role] != p {
		h.mu.Unlock()
		return
	}
	delete(rm.peers, p.role)
	other := rm.peers[p.role.other()]
	if rm.bridged {
		rm.bridged = false
		metrics.RelayBridges.Dec()
		h.startGraceLocked(rm)
	} else if rm.grace == nil && len(rm.peers) == 0 {
		delete(h.rooms, code)
	}
	h.mu.Unlock()

	if other != nil {
		_ = other.send(Control{Type: ControlPeerLeft, Role: p.role, Reason: reason})
	}
}

func (h *Hub) startGraceLocked(rm *room) {
	h.stopGraceLocked(rm)
	rm.seq++
	seq := rm.seq
	rm.grace = time.AfterFunc(h.grace, func() { h.graceElapsed(rm.code, seq) })
}

func (h *Hub) stopGraceLocked(rm *room) {
	if rm.grace != nil {
		rm.grace.Stop()
		rm.grace = nil
	}
	rm.seq++
}

func (h *Hub) graceElapsed(code string, seq uint64) {
	h.mu.Lock()
	rm, ok := h.rooms[code]
	if !ok || rm.seq != seq {
		h.mu.Unlock()
		return
	}
	rm.grace = nil
	h.mu.Unlock()

	if _, err := session.Transition(h.sessions, code, session.StatusDisconnected, session.Patch{}); err == nil {
		metrics.SessionTransitions.WithLabelValues(string(session.StatusDisconnected)).Inc()
	} else if !errors.Is(err, session.ErrNotFound) && !errors.Is(err, session.ErrInvalidTransition) {
		h.log.Error().Err(err).Str("code", code).Msg("failed to mark session disconnected")
	}
	h.log.Warn().Str("code", code).Dur("grace", h.grace).Msg("⏱️ Reconnect grace elapsed")
	h.Close(code, ControlSessionEnded, "reconnect grace elapsed")
}

// Close ends every relay connection of code with a final control message.
func (h *Hub) Close(code, kind, reason string) {
	h.mu.Lock()
	rm, ok := h.rooms[code]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, code)
	h.stopGraceLocked(rm)
	if rm.bridged {
		metrics.RelayBridges.Dec()
	}
	peers := make([]*peer, 0, len(rm.peers))
	for _, p := range rm.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		_ = p.send(Control{Type: kind, Reason: reason})
		p.close(websocket.CloseNormalClosure, reason)
	}
}

// Shutdown closes all rooms.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	codes := make([]string, 0, len(h.rooms))
	for code := range h.rooms {
		codes = append(codes, code)
	}
	h.mu.Unlock()

	for _, code := range codes {
		h.Close(code, ControlSessionEnded, "server shutting down")
	}
}

// Attached reports which roles currently hold a connection for code.
func (h *Hub) Attached(code string) (host, client bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok := h.rooms[code]; ok {
		_, host = rm.peers[RoleHost]
		_, client = rm.peers[RoleClient]
	}
	return host, client
}

// InGrace reports whether code is waiting for a dropped peer to return.
func (h *Hub) InGrace(code string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[code]
	return ok && rm.grace != nil
}

func (h *Hub) peerOf(code string, role Role) *peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok := h.rooms[code]; ok {
		return rm.peers[role]
	}
	return nil
}

func (h *Hub) readLoop(code string, p *peer) string {
	deadline := 2 * h.ping
	_ = p.conn.SetReadDeadline(time.Now().Add(deadline))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	direction := string(p.role) + "_to_" + string(p.role.other())
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-p.done:
				return "closed"
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "closed by peer"
			}
			return "connection lost"
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(deadline))
		if kind != websocket.BinaryMessage {
			continue
		}

		other := h.peerOf(code, p.role.other())
		if other == nil {
			continue
		}
		if err := other.write(websocket.BinaryMessage, data); err != nil {
			h.log.Debug().Err(err).Str("code", code).Msg("relay write failed")
			continue
		}
		metrics.RelayBytes.WithLabelValues(direction).Add(float64(len(data)))
	}
}

// pingLoop keeps p alive and closes the room once its session is gone from
// the store, whichever instance removed it.
func (h *Hub) pingLoop(code string, p *peer) {
	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if _, ok := h.sessions.Get(code); !ok {
				h.log.Info().Str("code", code).Msg("🗑 Session gone, closing relay room")
				h.Close(code, ControlSessionExpiry, "session expired")
				return
			}
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(constants.RelayWriteTimeout)); err != nil {
				return
			}
		}
	}
}
