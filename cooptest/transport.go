package cooptest

import (
	"sync"

	"github.com/gordian-engine/coop/cconn"
	"github.com/gordian-engine/coop/cpacket"
	"github.com/gordian-engine/coop/ctransport"
	"github.com/gordian-engine/coop/cwire"
)

// Frame is one decoded frame sent through a [Transport].
type Frame struct {
	Type    cpacket.Type
	Payload []byte
}

var _ ctransport.Transport = (*Transport)(nil)

// Transport is an in-memory [ctransport.Transport]
// that records everything the session sends.
type Transport struct {
	States ctransport.StateTable

	mu          sync.Mutex
	sent        map[cconn.ID][]Frame
	disconnects map[cconn.ID]string
	sendErr     error
}

// NewTransport returns an empty Transport.
func NewTransport() *Transport {
	return &Transport{
		sent:        make(map[cconn.ID][]Frame),
		disconnects: make(map[cconn.ID]string),
	}
}

// Open adds a new connection in the connecting state.
func (t *Transport) Open() cconn.ID {
	id := cconn.NewID()
	t.States.Add(id)
	return id
}

// Send implements [ctransport.Transport].
// It panics if frame does not decode, since the session only sends encoded frames.
func (t *Transport) Send(conn cconn.ID, frame []byte) error {
	if _, ok := t.States.Get(conn); !ok {
		return ctransport.ErrUnknownConnection
	}

	typ, payload, err := cwire.DecodeFrame(frame)
	if err != nil {
		panic(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent[conn] = append(t.sent[conn], Frame{Type: typ, Payload: payload})
	return nil
}

// SetState implements [ctransport.Transport].
func (t *Transport) SetState(conn cconn.ID, s cconn.State) {
	t.States.Set(conn, s)
}

// Disconnect implements [ctransport.Transport].
// The connection is forgotten but the receiver is not notified;
// tests call [*Fixture.Disconnect] to simulate that.
func (t *Transport) Disconnect(conn cconn.ID, reason string) error {
	if _, ok := t.States.Get(conn); !ok {
		return ctransport.ErrUnknownConnection
	}
	t.States.Remove(conn)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects[conn] = reason
	return nil
}

// FailSends makes every later Send return err.
// A nil err restores normal sends.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// Sent returns a copy of the frames sent to conn.
func (t *Transport) Sent(conn cconn.ID) []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Frame(nil), t.sent[conn]...)
}

// SentOfType returns the payloads of frames of type typ sent to conn.
func (t *Transport) SentOfType(conn cconn.ID, typ cpacket.Type) [][]byte {
	var out [][]byte
	for _, f := range t.Sent(conn) {
		if f.Type == typ {
			out = append(out, f.Payload)
		}
	}
	return out
}

// ClearSent discards the frames recorded for conn.
func (t *Transport) ClearSent(conn cconn.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sent, conn)
}

// DisconnectReason reports whether the session disconnected conn, and why.
func (t *Transport) DisconnectReason(conn cconn.ID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.disconnects[conn]
	return r, ok
}
