package server

import (
	"net/http"

	"pairdesk/internal/constants"
	"pairdesk/internal/security"
	"pairdesk/internal/session"
	"pairdesk/internal/types"
)

func (s *Server) HandleSecurity(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleAccessLog(w, r)
	case http.MethodPost:
		s.handleSecurityAction(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, constants.MsgMethodNotAllowed)
	}
}

func (s *Server) handleAccessLog(w http.ResponseWriter, r *http.Request) {
	logs, total, err := s.Guard.GetLog(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if logs == nil {
		logs = []security.AccessLogEntry{}
	}
	writeJSON(w, http.StatusOK, types.AccessLogResponse{Success: true, Logs: logs, Total: total})
}

func (s *Server) handleSecurityAction(w http.ResponseWriter, r *http.Request) {
	var req types.SecurityRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Code == "" {
		s.fail(w, r, security.ErrMissingCode)
		return
	}

	ip := s.IPs.ClientIP(r)
	switch req.Action {
	case types.ActionGenerateToken:
		sess, ok := s.lookup(w, r, req.Code)
		if !ok {
			return
		}
		if sess.Status == session.StatusDisconnected {
			s.fail(w, r, errEnded)
			return
		}
		token, err := s.Guard.IssueToken(req.Code)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.AuditLogger.LogTokenIssued(ip, req.Code)
		writeJSON(w, http.StatusOK, types.TokenResponse{Success: true, Token: token.Value, ExpiresAt: token.ExpiresAt})

	case types.ActionValidateToken:
		res, err := s.Guard.ValidateToken(r.Context(), req.Code, ip, req.Token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp := types.ValidateResponse{Success: true, Valid: res.OK, Reason: res.Reason, Message: constants.MsgTokenValid}
		status := http.StatusOK
		if !res.OK {
			resp.Message = constants.MsgCodeNoLongerValid
		}
		if res.Reason == security.ReasonBlocked {
			resp.Success = false
			status = http.StatusForbidden
		}
		writeJSON(w, status, resp)

	case types.ActionLogAccess:
		success := true
		if req.Success != nil {
			success = *req.Success
		}
		metadata := make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			metadata[security.SanitizeInput(k)] = security.SanitizeInput(v)
		}
		if err := s.Guard.LogAccess(r.Context(), req.Code, ip, security.SanitizeInput(req.Event), success, metadata); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, types.MessageResponse{Success: true, Message: constants.MsgAccessLogged})

	default:
		writeError(w, http.StatusBadRequest, constants.MsgUnknownAction)
	}
}
