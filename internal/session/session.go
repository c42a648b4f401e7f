package session

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

type Sender string

const (
	FromHost   Sender = "host"
	FromClient Sender = "client"
)

var (
	ErrCodeSpaceExhausted = errors.New("session: no free pairing code")
	ErrInvalidTransition  = errors.New("session: invalid status transition")
	ErrAlreadyAssigned    = errors.New("session: participant already assigned")
	ErrNotFound           = errors.New("session: not found or expired")
)

type Permissions struct {
	ScreenShare     bool `json:"screenShare"`
	MouseControl    bool `json:"mouseControl"`
	KeyboardControl bool `json:"keyboardControl"`
	Recording       bool `json:"recording"`
}

type ChatMessage struct {
	From    Sender    `json:"from"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

type Session struct {
	Code         string        `json:"code"`
	CreatedAt    time.Time     `json:"createdAt"`
	ExpiresAt    time.Time     `json:"expiresAt"`
	Status       Status        `json:"status"`
	Permissions  Permissions   `json:"permissions"`
	HostID       string        `json:"hostId,omitempty"`
	ClientID     string        `json:"clientId,omitempty"`
	ChatMessages []ChatMessage `json:"chatMessages"`
}

// IsExpired reports whether the session is past its TTL at now. A session
// is gone from the very instant now reaches ExpiresAt.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy so callers never share the chat slice with the
// store.
func (s *Session) Clone() *Session {
	c := *s
	c.ChatMessages = append([]ChatMessage(nil), s.ChatMessages...)
	return &c
}

// Patch is a shallow partial update. Nil fields are left untouched and
// AppendChat is appended in order. Check, when set, sees the stored session
// first and can veto the whole patch.
type Patch struct {
	Status      *Status
	HostID      *string
	ClientID    *string
	Permissions *Permissions
	AppendChat  []ChatMessage
	Check       func(*Session) error
}

func (p Patch) apply(s *Session) error {
	if p.Check != nil {
		if err := p.Check(s); err != nil {
			return err
		}
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.HostID != nil {
		s.HostID = *p.HostID
	}
	if p.ClientID != nil {
		s.ClientID = *p.ClientID
	}
	if p.Permissions != nil {
		s.Permissions = *p.Permissions
	}
	if len(p.AppendChat) > 0 {
		s.ChatMessages = append(s.ChatMessages, p.AppendChat...)
	}
	return nil
}

// CanTransition reports whether the state machine allows from -> to.
// There is no way back to connected once a session is disconnected.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusConnected || to == StatusDisconnected
	case StatusConnected:
		return to == StatusDisconnected
	}
	return false
}

func newSession(code string, perms *Permissions, now time.Time, ttl time.Duration) *Session {
	s := &Session{
		Code:         code,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		Status:       StatusPending,
		ChatMessages: []ChatMessage{},
	}
	if perms != nil {
		s.Permissions = *perms
	}
	return s
}
