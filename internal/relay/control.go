package relay

import (
	"encoding/json"
	"errors"
)

// Role identifies which side of a session a relay connection belongs to.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

func (r Role) Valid() bool { return r == RoleHost || r == RoleClient }

func (r Role) other() Role {
	if r == RoleHost {
		return RoleClient
	}
	return RoleHost
}

// Control messages travel as websocket text frames. Binary frames carry the
// opaque payload forwarded between the peers.
const (
	ControlPeerJoined    = "peer-joined"
	ControlPeerLeft      = "peer-left"
	ControlSessionEnded  = "session-ended"
	ControlSessionExpiry = "session-expired"
)

var (
	ErrPeerLeft     = errors.New("relay: peer left")
	ErrSessionEnded = errors.New("relay: session ended")
)

type Control struct {
	Type   string `json:"type"`
	Role   Role   `json:"role,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (c Control) marshal() []byte {
	b, _ := json.Marshal(c)
	return b
}

// Err maps a control message to the error an agent should stop on, or nil
// when the stream can continue.
func (c Control) Err() error {
	switch c.Type {
	case ControlPeerLeft:
		return ErrPeerLeft
	case ControlSessionEnded, ControlSessionExpiry:
		return ErrSessionEnded
	}
	return nil
}
