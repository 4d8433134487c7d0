// Package cconn contains the identity and lifecycle state
// of a transport-level connection.
//
// Transports own the state of their connections;
// the session only observes it on inbound packets
// and requests transitions through [ctransport.Transport].
package cconn

import (
	"fmt"

	"github.com/google/uuid"
)

// ID identifies one network endpoint for the lifetime of its connection.
// IDs are never reused, even across transports.
type ID uuid.UUID

// NewID returns a fresh random connection ID.
func NewID() ID {
	return ID(uuid.New())
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// MarshalText encodes id in its canonical UUID form.
func (id ID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

// UnmarshalText parses any UUID form accepted by [uuid.Parse].
func (id *ID) UnmarshalText(b []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(b); err != nil {
		return fmt.Errorf("invalid connection ID: %w", err)
	}
	*id = ID(u)
	return nil
}

// State is the lifecycle state of a connection.
// The packet dispatch table is keyed by State,
// so a packet type may only be valid in some states.
type State uint8

const (
	// Unset state. Never routed.
	StateInvalid State = iota

	// The transport accepted the connection
	// but the peer has not yet completed its hello.
	StateConnecting

	// The peer is attached to the replication engine.
	StateConnected

	// A close was requested and is in progress.
	StateDisconnecting

	// Terminal state.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}
