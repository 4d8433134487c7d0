package crpc

import (
	"errors"
	"fmt"

	"github.com/gordian-engine/coop/cpeer"
)

// ErrSessionClosed resolves every call still pending
// when the manager is closed,
// and is returned from Invoke after Close.
var ErrSessionClosed = errors.New("session closed")

// UnknownHandlerError is returned when invoking or applying
// a handler ID that is not in the registry.
type UnknownHandlerError struct {
	ID HandlerID
}

func (e *UnknownHandlerError) Error() string {
	return fmt.Sprintf("unknown rpc handler id %d", e.ID)
}

// DisconnectedError resolves a pending call
// whose peer disconnected before acknowledging it.
type DisconnectedError struct {
	Peer cpeer.Handle

	Cause error
}

func (e *DisconnectedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("peer %d disconnected", e.Peer)
	}
	return fmt.Sprintf("peer %d disconnected: %v", e.Peer, e.Cause)
}

func (e *DisconnectedError) Unwrap() error {
	return e.Cause
}
