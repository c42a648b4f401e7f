package types

import (
	"time"

	"pairdesk/internal/security"
)

const (
	ActionGenerateToken = "generate-token"
	ActionValidateToken = "validate-token"
	ActionLogAccess     = "log-access"
)

type SecurityRequest struct {
	Action   string            `json:"action" validate:"required"`
	Code     string            `json:"code"`
	Token    string            `json:"token,omitempty"`
	Success  *bool             `json:"success,omitempty"`
	Event    string            `json:"event,omitempty" validate:"omitempty,max=64"`
	Metadata map[string]string `json:"metadata,omitempty" validate:"omitempty,max=16"`
}

type TokenResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ValidateResponse struct {
	Success bool            `json:"success"`
	Valid   bool            `json:"valid"`
	Reason  security.Reason `json:"reason,omitempty"`
	Message string          `json:"message"`
}

type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type AccessLogResponse struct {
	Success bool                      `json:"success"`
	Logs    []security.AccessLogEntry `json:"logs"`
	Total   int                       `json:"total"`
}
