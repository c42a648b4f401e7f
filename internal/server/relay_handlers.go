package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/skip2/go-qrcode"

	"pairdesk/internal/constants"
	"pairdesk/internal/metrics"
	"pairdesk/internal/quality"
	"pairdesk/internal/relay"
	"pairdesk/internal/session"
	"pairdesk/internal/types"
)

const qrSize = 256

// HandleQR renders the join URL of a live session as a PNG QR code.
func (s *Server) HandleQR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, constants.MsgMethodNotAllowed)
		return
	}
	code := r.URL.Query().Get("code")
	if _, ok := s.lookup(w, r, code); !ok {
		return
	}

	png, err := qrcode.Encode(s.joinURL(r, code), qrcode.Medium, qrSize)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (s *Server) HandleQuality(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, constants.MsgMethodNotAllowed)
		return
	}

	var req types.QualityRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	q := quality.Classify(req.Stats())
	metrics.QualitySelections.WithLabelValues(string(q.Tier)).Inc()
	writeJSON(w, http.StatusOK, types.QualityResponse{Success: true, Quality: q})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:  "ok",
		Version: constants.Version,
		Time:    time.Now().UTC(),
	})
}

// HandleWebSocket attaches the host (hostId) or the joined client (token
// and clientId) of a session to the relay.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	sess, ok := s.lookup(w, r, code)
	if !ok {
		return
	}

	q := r.URL.Query()
	role := relay.Role(q.Get("role"))
	ip := s.IPs.ClientIP(r)
	switch {
	case !role.Valid():
		writeError(w, http.StatusBadRequest, constants.MsgInvalidRole)
		return
	case sess.Status == session.StatusDisconnected:
		s.fail(w, r, errEnded)
		return
	case role == relay.RoleHost && !isHost(sess, q.Get("hostId")):
		writeError(w, http.StatusForbidden, constants.MsgHostOnly)
		return
	case role == relay.RoleClient && sess.Status != session.StatusConnected:
		s.fail(w, r, errNotConnected)
		return
	case role == relay.RoleClient && !isClient(sess, q.Get("clientId")):
		writeError(w, http.StatusForbidden, constants.MsgClientOnly)
		return
	}
	if role == relay.RoleClient && !s.authorizeToken(w, r, code, ip, q.Get("token")) {
		return
	}

	s.log.Debug().Str("code", code).Str("role", string(role)).Msg("🔌 WebSocket upgrade requested")
	if err := s.Relay.Serve(w, r, code, role, ip); err != nil {
		if errors.Is(err, relay.ErrTooManyConnections) {
			writeError(w, http.StatusTooManyRequests, "Connection limit exceeded")
			return
		}
		s.log.Warn().Err(err).Str("code", code).Msg("❌ WebSocket upgrade error")
	}
}
