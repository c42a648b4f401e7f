package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"pairdesk/internal/constants"
	"pairdesk/internal/security"
	"pairdesk/internal/session"
	"pairdesk/internal/transfer"
	"pairdesk/internal/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Success: false, Error: msg})
}

// decodeJSON reads a request DTO and runs its validation tags.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return errInvalidJSON
	}
	return security.ValidateStruct(v)
}

var errInvalidJSON = errors.New(constants.MsgInvalidJSON)

// statusFor maps domain errors onto HTTP status codes and a message safe to
// show to the caller.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidJSON):
		return http.StatusBadRequest, constants.MsgInvalidJSON
	case errors.Is(err, security.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, security.ErrMissingCode):
		return http.StatusBadRequest, constants.MsgCodeRequired

	case errors.Is(err, session.ErrNotFound), errors.Is(err, transfer.ErrSessionNotFound):
		return http.StatusNotFound, constants.MsgSessionNotFound
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrAlreadyAssigned),
		errors.Is(err, errNotConnected):
		return http.StatusConflict, err.Error()
	case errors.Is(err, errEnded):
		return http.StatusGone, constants.MsgCodeNoLongerValid
	case errors.Is(err, session.ErrCodeSpaceExhausted):
		return http.StatusServiceUnavailable, err.Error()

	case errors.Is(err, transfer.ErrTransferNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, transfer.ErrOutOfOrder),
		errors.Is(err, transfer.ErrAlreadyCompleted),
		errors.Is(err, transfer.ErrNotCompleted):
		return http.StatusConflict, err.Error()
	case errors.Is(err, transfer.ErrSizeExceeded),
		errors.Is(err, transfer.ErrFileTooLarge),
		errors.Is(err, transfer.ErrChunkTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, transfer.ErrIncomplete),
		errors.Is(err, transfer.ErrChecksumMismatch),
		errors.Is(err, transfer.ErrInvalidName):
		return http.StatusUnprocessableEntity, err.Error()
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge, "request body too large"
	}
	return http.StatusInternalServerError, constants.MsgInternalError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("❌ Request failed")
	} else if status == http.StatusBadRequest {
		s.AuditLogger.LogInvalidRequest(s.IPs.ClientIP(r), r.URL.Path, msg)
	}
	writeError(w, status, msg)
}
