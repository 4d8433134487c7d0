package ctransport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordian-engine/coop/cconn"
	"github.com/gordian-engine/coop/cpacket"
)

// Mux presents several transports to one receiver as a single [Transport].
//
// Each underlying transport is given a [*Route] as its receiver.
// The route remembers which connections belong to its transport,
// so sends from the session reach the right one.
//
// Routes may be created and bound before the final receiver exists;
// packets that arrive before [*Mux.SetReceiver] are dropped.
type Mux struct {
	mu    sync.RWMutex
	r     Receiver
	conns map[cconn.ID]*Route
}

// NewMux returns a Mux with no routes.
func NewMux() *Mux {
	return &Mux{conns: map[cconn.ID]*Route{}}
}

// SetReceiver sets the receiver for every route.
func (m *Mux) SetReceiver(r Receiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.r = r
}

func (m *Mux) receiver() Receiver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.r
}

// NewRoute returns a receiver for one transport.
// The route must be bound with [*Route.Bind]
// before its transport reports connections.
func (m *Mux) NewRoute() *Route {
	return &Route{m: m}
}

func (m *Mux) route(conn cconn.ID) (*Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rt, ok := m.conns[conn]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownConnection, conn)
	}
	return rt, nil
}

// Send implements [Transport].
func (m *Mux) Send(conn cconn.ID, frame []byte) error {
	rt, err := m.route(conn)
	if err != nil {
		return err
	}
	return rt.t.Send(conn, frame)
}

// SetState implements [Transport].
// Unknown connections are ignored.
func (m *Mux) SetState(conn cconn.ID, s cconn.State) {
	if rt, err := m.route(conn); err == nil {
		rt.t.SetState(conn, s)
	}
}

// Disconnect implements [Transport].
func (m *Mux) Disconnect(conn cconn.ID, reason string) error {
	rt, err := m.route(conn)
	if err != nil {
		return err
	}
	return rt.t.Disconnect(conn, reason)
}

// Len reports the number of live connections across every route.
func (m *Mux) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Route is the [Receiver] handed to one transport of a [Mux].
type Route struct {
	m *Mux
	t Transport
}

// Bind sets the transport whose connections arrive through rt.
// It panics if called twice.
func (rt *Route) Bind(t Transport) {
	if rt.t != nil {
		panic(errors.New("BUG: Route.Bind called twice"))
	}
	rt.t = t
}

// Connected implements [Receiver].
func (rt *Route) Connected(conn cconn.ID) {
	if rt.t == nil {
		panic(errors.New("BUG: connection reported on unbound route"))
	}

	rt.m.mu.Lock()
	rt.m.conns[conn] = rt
	r := rt.m.r
	rt.m.mu.Unlock()

	if r != nil {
		r.Connected(conn)
	}
}

// Receive implements [Receiver].
func (rt *Route) Receive(ctx context.Context, p cpacket.Packet) {
	if r := rt.m.receiver(); r != nil {
		r.Receive(ctx, p)
	}
}

// Disconnected implements [Receiver].
func (rt *Route) Disconnected(conn cconn.ID) {
	rt.m.mu.Lock()
	delete(rt.m.conns, conn)
	r := rt.m.r
	rt.m.mu.Unlock()

	if r != nil {
		r.Disconnected(conn)
	}
}
