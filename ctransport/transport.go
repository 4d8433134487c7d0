// Package ctransport defines the boundary between a network transport
// and the session that consumes its packets.
//
// A transport owns its connections and their [cconn.State].
// Inbound frames are decoded on the transport's goroutines
// and handed to a [Receiver] along with the connection's current state;
// the session then decides, through its dispatch table,
// whether the packet is valid in that state.
package ctransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordian-engine/coop/cconn"
	"github.com/gordian-engine/coop/cpacket"
	"github.com/gordian-engine/coop/cwire"
)

// ErrUnknownConnection is returned when sending to
// a connection the transport does not have.
var ErrUnknownConnection = errors.New("unknown connection")

// Transport sends encoded frames to connections.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Send queues frame for delivery to conn.
	// It must not block on the network.
	Send(conn cconn.ID, frame []byte) error

	// SetState records the session's view of conn,
	// which is attached to every later inbound packet.
	SetState(conn cconn.ID, s cconn.State)

	// Disconnect closes conn.
	// The receiver is notified through Disconnected as usual.
	Disconnect(conn cconn.ID, reason string) error
}

// Receiver consumes connection lifecycle and inbound packets.
//
// Methods are called on transport goroutines,
// so implementations must hand work to their owner
// rather than mutating session state directly.
type Receiver interface {
	Connected(conn cconn.ID)
	Receive(ctx context.Context, p cpacket.Packet)
	Disconnected(conn cconn.ID)
}

// StateTable tracks the state of every live connection of a transport.
// It is safe for concurrent use.
type StateTable struct {
	mu sync.RWMutex
	m  map[cconn.ID]cconn.State
}

// Add starts tracking conn in the Connecting state.
func (t *StateTable) Add(conn cconn.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.m == nil {
		t.m = map[cconn.ID]cconn.State{}
	}
	t.m[conn] = cconn.StateConnecting
}

// Set updates the state of a tracked connection.
// It reports false if conn is not tracked.
func (t *StateTable) Set(conn cconn.ID, s cconn.State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.m[conn]; !ok {
		return false
	}
	t.m[conn] = s
	return true
}

// Get returns the state of conn.
func (t *StateTable) Get(conn cconn.ID) (cconn.State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.m[conn]
	return s, ok
}

// Remove stops tracking conn.
func (t *StateTable) Remove(conn cconn.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.m, conn)
}

// Len reports the number of tracked connections.
func (t *StateTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.m)
}

// Deliver decodes frame and passes it to r
// with conn's state from the table.
// Malformed frames and frames for untracked connections are dropped
// and reported through the returned error.
func Deliver(
	ctx context.Context,
	log *slog.Logger,
	r Receiver,
	states *StateTable,
	conn cconn.ID,
	frame []byte,
) error {
	state, ok := states.Get(conn)
	if !ok {
		return fmt.Errorf("frame for %w %s", ErrUnknownConnection, conn)
	}

	t, payload, err := cwire.DecodeFrame(frame)
	if err != nil {
		log.Debug("Dropping malformed frame", "conn", conn, "err", err)
		return fmt.Errorf("failed to decode frame from %s: %w", conn, err)
	}

	r.Receive(ctx, cpacket.Packet{
		Conn:    conn,
		State:   state,
		Type:    t,
		Payload: payload,
	})
	return nil
}
