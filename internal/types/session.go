package types

import (
	"time"

	"pairdesk/internal/session"
)

type GenerateCodeRequest struct {
	Permissions *session.Permissions `json:"permissions,omitempty"`
}

type GenerateCodeResponse struct {
	Code    string           `json:"code"`
	HostID  string           `json:"hostId"`
	JoinURL string           `json:"joinUrl"`
	Session *session.Session `json:"session"`
	Message string           `json:"message"`
}

type VerifyResponse struct {
	Valid   bool   `json:"valid"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type JoinRequest struct {
	Token    string `json:"token" validate:"required"`
	ClientID string `json:"clientId,omitempty" validate:"omitempty,max=64"`
}

type JoinResponse struct {
	Success  bool             `json:"success"`
	ClientID string           `json:"clientId"`
	Session  *session.Session `json:"session"`
}

type PermissionsRequest struct {
	HostID      string              `json:"hostId" validate:"required"`
	Permissions session.Permissions `json:"permissions"`
}

// ChatRequest carries the sender's credential: hostId for the host,
// clientId for the joined client.
type ChatRequest struct {
	From     session.Sender `json:"from" validate:"required,oneof=host client"`
	Message  string         `json:"message" validate:"required,max=2000"`
	HostID   string         `json:"hostId,omitempty"`
	ClientID string         `json:"clientId,omitempty"`
}

type EndRequest struct {
	HostID string `json:"hostId" validate:"required"`
}

type SessionResponse struct {
	Success bool             `json:"success"`
	Session *session.Session `json:"session"`
}

type HealthResponse struct {
	Status  string    `json:"status"`
	Version string    `json:"version"`
	Time    time.Time `json:"time"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
