package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"pairdesk/internal/constants"
	"pairdesk/internal/metrics"
	"pairdesk/internal/relay"
	"pairdesk/internal/security"
	"pairdesk/internal/session"
	"pairdesk/internal/types"
	"pairdesk/internal/utils"
)

var (
	errNotConnected = errors.New("session is not connected")
	errEnded        = errors.New("session has ended")
)

// lookup resolves a pairing code to its live session. Unknown codes count
// as failures against the caller IP so codes cannot be enumerated.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request, code string) (*session.Session, bool) {
	ip := s.IPs.ClientIP(r)
	if code == "" {
		writeError(w, http.StatusBadRequest, constants.MsgCodeRequired)
		return nil, false
	}
	if !security.ValidateCode(code) {
		writeError(w, http.StatusBadRequest, constants.MsgCodeInvalidFormat)
		return nil, false
	}
	if !s.BruteProtector.Check(ip) {
		writeError(w, http.StatusTooManyRequests, constants.MsgTooManyAttempts)
		return nil, false
	}

	sess, ok := s.Store.Get(code)
	if !ok {
		if n := s.BruteProtector.RecordFailure(ip); n == constants.MaxLookupFailures {
			s.AuditLogger.LogBruteForce(ip, n)
			s.log.Warn().Str("ip", ip).Int("failures", n).Msg("⛔ Pairing code enumeration blocked")
		}
		writeError(w, http.StatusNotFound, constants.MsgSessionNotFound)
		return nil, false
	}
	return sess, true
}

// public strips the host credential from a session snapshot.
func public(sess *session.Session) *session.Session {
	out := sess.Clone()
	out.HostID = ""
	return out
}

func isHost(sess *session.Session, hostID string) bool {
	return hostID != "" && subtle.ConstantTimeCompare([]byte(sess.HostID), []byte(hostID)) == 1
}

func isClient(sess *session.Session, clientID string) bool {
	return clientID != "" && subtle.ConstantTimeCompare([]byte(sess.ClientID), []byte(clientID)) == 1
}

func (s *Server) joinURL(r *http.Request, code string) string {
	if base := s.conf.Server.PublicURL; base != "" {
		return strings.TrimSuffix(base, "/") + "/join/" + code
	}
	return utils.ConstructURL(utils.GetScheme(r), r.Host, "/join/"+code)
}

func (s *Server) HandleGenerateCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, constants.MsgMethodNotAllowed)
		return
	}

	var req types.GenerateCodeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	created, err := s.Store.Create(req.Permissions)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	hostID := uuid.NewString()
	sess, ok := s.Store.Update(created.Code, session.Patch{HostID: &hostID})
	if !ok {
		s.fail(w, r, session.ErrNotFound)
		return
	}

	ip := s.IPs.ClientIP(r)
	metrics.SessionsCreated.Inc()
	s.AuditLogger.LogSessionCreated(ip, sess.Code)
	s.log.Info().Str("code", sess.Code).Str("ip", ip).Msg("🔔 Pairing code generated")

	writeJSON(w, http.StatusOK, types.GenerateCodeResponse{
		Code:    sess.Code,
		HostID:  hostID,
		JoinURL: s.joinURL(r, sess.Code),
		Session: public(sess),
		Message: constants.MsgCodeGenerated,
	})
}

// HandleVerify only checks the code format. Existence is checked by the
// endpoints that act on a session.
func (s *Server) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, constants.MsgMethodNotAllowed)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, constants.MsgCodeRequired)
		return
	}

	resp := types.VerifyResponse{Valid: security.ValidateCode(code), Code: code}
	if resp.Valid {
		resp.Message = constants.MsgCodeValidFormat
	} else {
		resp.Message = constants.MsgCodeInvalidFormat
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r, r.PathValue("code"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, types.SessionResponse{Success: true, Session: public(sess)})
}

func (s *Server) HandleJoin(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if _, ok := s.lookup(w, r, code); !ok {
		return
	}

	var req types.JoinRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	ip := s.IPs.ClientIP(r)
	if !s.authorizeToken(w, r, code, ip, req.Token) {
		return
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	sess, err := session.Transition(s.Store, code, session.StatusConnected, session.Patch{ClientID: &clientID})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	metrics.SessionTransitions.WithLabelValues(string(session.StatusConnected)).Inc()
	s.BruteProtector.RecordSuccess(ip)
	s.AuditLogger.LogSessionJoined(ip, code)
	s.log.Info().Str("code", code).Str("ip", ip).Msg("👋 Client joined session")

	writeJSON(w, http.StatusOK, types.JoinResponse{Success: true, ClientID: clientID, Session: public(sess)})
}

// authorizeToken validates a join token and writes the rejection itself.
func (s *Server) authorizeToken(w http.ResponseWriter, r *http.Request, code, ip, token string) bool {
	res, err := s.Guard.ValidateToken(r.Context(), code, ip, token)
	if err != nil {
		s.fail(w, r, err)
		return false
	}
	if res.OK {
		return true
	}

	status := http.StatusUnauthorized
	if res.Reason == security.ReasonBlocked {
		status = http.StatusForbidden
	}
	writeJSON(w, status, types.ValidateResponse{
		Success: false,
		Valid:   false,
		Reason:  res.Reason,
		Message: constants.MsgCodeNoLongerValid,
	})
	return false
}

func (s *Server) HandlePermissions(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	sess, ok := s.lookup(w, r, code)
	if !ok {
		return
	}

	var req types.PermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if !isHost(sess, req.HostID) {
		writeError(w, http.StatusForbidden, constants.MsgHostOnly)
		return
	}

	var rejected error
	updated, ok := s.Store.Update(code, session.Patch{
		Permissions: &req.Permissions,
		Check: func(cur *session.Session) error {
			if cur.Status != session.StatusConnected {
				rejected = errNotConnected
			}
			return rejected
		},
	})
	if !ok {
		if rejected == nil {
			rejected = session.ErrNotFound
		}
		s.fail(w, r, rejected)
		return
	}

	s.log.Info().Str("code", code).Interface("permissions", req.Permissions).Msg("🔐 Permissions updated")
	writeJSON(w, http.StatusOK, types.SessionResponse{Success: true, Session: public(updated)})
}

func (s *Server) HandleChat(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	sess, ok := s.lookup(w, r, code)
	if !ok {
		return
	}

	var req types.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	switch {
	case req.From == session.FromHost && !isHost(sess, req.HostID):
		writeError(w, http.StatusForbidden, constants.MsgHostOnly)
		return
	case req.From == session.FromClient && !isClient(sess, req.ClientID):
		writeError(w, http.StatusForbidden, constants.MsgClientOnly)
		return
	}
	text := strings.TrimSpace(security.SanitizeInput(req.Message))
	if text == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	var rejected error
	updated, ok := s.Store.Update(code, session.Patch{
		AppendChat: []session.ChatMessage{{From: req.From, Message: text, Time: time.Now().UTC()}},
		Check: func(cur *session.Session) error {
			if cur.Status == session.StatusDisconnected {
				rejected = errEnded
			}
			return rejected
		},
	})
	if !ok {
		if rejected == nil {
			rejected = session.ErrNotFound
		}
		s.fail(w, r, rejected)
		return
	}
	writeJSON(w, http.StatusOK, types.SessionResponse{Success: true, Session: public(updated)})
}

// HandleEndSession lets the host end a session: it is marked disconnected,
// removed, and everything attached to it is released.
func (s *Server) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	sess, ok := s.lookup(w, r, code)
	if !ok {
		return
	}
	if !isHost(sess, r.URL.Query().Get("hostId")) {
		writeError(w, http.StatusForbidden, constants.MsgHostOnly)
		return
	}

	_, err := session.Transition(s.Store, code, session.StatusDisconnected, session.Patch{})
	switch {
	case err == nil:
		metrics.SessionTransitions.WithLabelValues(string(session.StatusDisconnected)).Inc()
	case !errors.Is(err, session.ErrInvalidTransition) && !errors.Is(err, session.ErrNotFound):
		s.fail(w, r, err)
		return
	}
	s.Store.Delete(code)
	s.release(code, relay.ControlSessionEnded, "ended by host")

	ip := s.IPs.ClientIP(r)
	s.AuditLogger.LogSessionEnded(ip, code, "ended by host")
	s.log.Info().Str("code", code).Msg("👋 Session ended by host")
	writeJSON(w, http.StatusOK, types.MessageResponse{Success: true, Message: constants.MsgSessionEnded})
}
