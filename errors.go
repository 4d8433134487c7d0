package coop

import (
	"fmt"

	"github.com/gordian-engine/coop/crpc"
)

// ErrSessionClosed is the error resolving every pending call
// when a [Session] is closed.
var ErrSessionClosed = crpc.ErrSessionClosed

// ProtocolVersionError is returned from the hello handler
// when a client speaks a different protocol version.
// The connection is closed.
type ProtocolVersionError struct {
	Got, Want uint16
}

func (e ProtocolVersionError) Error() string {
	return fmt.Sprintf("unsupported protocol version %d (want %d)", e.Got, e.Want)
}

// UnattachedConnectionError is returned from packet handlers
// when a connected-state packet arrives on a connection
// that has no peer.
type UnattachedConnectionError struct {
	Conn string
}

func (e UnattachedConnectionError) Error() string {
	return "no peer attached to connection " + e.Conn
}
