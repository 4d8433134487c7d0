package crpc

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/gordian-engine/coop/cclock"
	"github.com/gordian-engine/coop/cpeer"
)

// Sender transmits an outbound call to its destination peer.
type Sender interface {
	SendCall(Call) error
}

// ManagerConfig is the configuration for [NewManager].
type ManagerConfig struct {
	Registry *Registry

	Sender Sender

	// Current local tick, stamped on outbound calls.
	Tick func() cclock.Tick

	// Capacity of each handler's history ring.
	// Defaults to DefaultHistorySize.
	HistorySize int
}

type peerHandler struct {
	Peer    cpeer.Handle
	Handler HandlerID
}

// Manager owns the pending call records for a session.
type Manager struct {
	log *slog.Logger

	reg    *Registry
	sender Sender
	tick   func() cclock.Tick

	historySize int

	lastID CallID

	pending map[CallID]*Pending

	// Pending calls per peer and handler, in issue order.
	// Used to resolve cumulative acknowledgements.
	ordered map[peerHandler][]*Pending

	histories map[HandlerID]*history

	closed bool
}

// NewManager returns a Manager with no pending calls.
// It panics if cfg is missing its registry, sender, or tick source.
func NewManager(log *slog.Logger, cfg ManagerConfig) *Manager {
	if cfg.Registry == nil || cfg.Sender == nil || cfg.Tick == nil {
		panic(fmt.Errorf(
			"BUG: ManagerConfig requires Registry, Sender, and Tick (got %#v)", cfg,
		))
	}

	size := cfg.HistorySize
	if size <= 0 {
		size = DefaultHistorySize
	}

	return &Manager{
		log: log,

		reg:    cfg.Registry,
		sender: cfg.Sender,
		tick:   cfg.Tick,

		historySize: size,

		pending:   map[CallID]*Pending{},
		ordered:   map[peerHandler][]*Pending{},
		histories: map[HandlerID]*history{},
	}
}

// Registry returns the registry the manager was built with.
func (m *Manager) Registry() *Registry {
	return m.reg
}

// Invoke issues a synchronized call of handler on peer.
//
// The returned handle resolves when peer acknowledges the call.
// If the sender fails, no record is kept and the error is returned.
func (m *Manager) Invoke(
	ctx context.Context, peer cpeer.Handle, handler HandlerID, args []byte,
) (*Pending, error) {
	if m.closed {
		return nil, ErrSessionClosed
	}

	info, ok := m.reg.Lookup(handler)
	if !ok {
		return nil, &UnknownHandlerError{ID: handler}
	}

	m.lastID++
	c := Call{
		ID:      m.lastID,
		Handler: handler,
		Peer:    peer,
		Tick:    m.tick(),
		Args:    args,
	}

	if err := m.sender.SendCall(c); err != nil {
		m.log.Debug(
			"Failed to send rpc call",
			"handler", info.Name, "peer", peer, "call_id", c.ID, "err", err,
		)
		return nil, fmt.Errorf("failed to send call %d (%s): %w", c.ID, info.Name, err)
	}

	p := newPending(c)
	m.pending[c.ID] = p
	k := peerHandler{Peer: peer, Handler: handler}
	m.ordered[k] = append(m.ordered[k], p)

	m.RecordHistory(handler, c.Tick, fmt.Sprintf("call %d sent to peer %d", c.ID, peer))

	return p, nil
}

// Acknowledge resolves the call id issued to peer,
// along with every earlier pending call from peer to the same handler.
//
// An unknown or duplicate acknowledgement is not an error;
// it reports false.
func (m *Manager) Acknowledge(peer cpeer.Handle, id CallID) bool {
	p, ok := m.pending[id]
	if !ok || p.call.Peer != peer {
		return false
	}

	k := peerHandler{Peer: peer, Handler: p.call.Handler}
	list := m.ordered[k]

	// The list is in ascending ID order,
	// so everything up to and including id resolves.
	n := 0
	for n < len(list) && list[n].call.ID <= id {
		q := list[n]
		delete(m.pending, q.call.ID)
		q.resolve(nil)
		n++
	}

	if n == len(list) {
		delete(m.ordered, k)
	} else {
		m.ordered[k] = slices.Delete(list, 0, n)
	}

	if n > 1 {
		m.log.Debug(
			"Cumulative acknowledgement resolved multiple calls",
			"peer", peer, "call_id", id, "n", n,
		)
	}
	return true
}

// Apply runs an inbound call through the registry.
func (m *Manager) Apply(ctx context.Context, c Call) error {
	info, ok := m.reg.Lookup(c.Handler)
	if !ok {
		return &UnknownHandlerError{ID: c.Handler}
	}

	if err := info.Apply(ctx, c); err != nil {
		m.RecordHistory(c.Handler, c.Tick, fmt.Sprintf(
			"call %d from peer %d failed: %v", c.ID, c.Peer, err,
		))
		return fmt.Errorf("failed to apply call %d (%s): %w", c.ID, info.Name, err)
	}

	m.RecordHistory(c.Handler, c.Tick, fmt.Sprintf("call %d applied from peer %d", c.ID, c.Peer))
	return nil
}

// PendingCount reports the number of unresolved calls.
func (m *Manager) PendingCount() int {
	return len(m.pending)
}

// PendingFor returns the IDs of unresolved calls to peer, ascending.
func (m *Manager) PendingFor(peer cpeer.Handle) []CallID {
	var out []CallID
	for id, p := range m.pending {
		if p.call.Peer == peer {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// RecordHistory appends a line to handler's history,
// evicting the oldest line once the history is full.
func (m *Manager) RecordHistory(handler HandlerID, tick cclock.Tick, description string) {
	h, ok := m.histories[handler]
	if !ok {
		h = new(history)
		m.histories[handler] = h
	}
	h.push(HistoryEntry{Tick: tick, Description: description}, m.historySize)
}

// History returns handler's history, oldest first.
func (m *Manager) History(handler HandlerID) []HistoryEntry {
	h, ok := m.histories[handler]
	if !ok {
		return nil
	}
	return h.ordered()
}

// FailPeer resolves every pending call to peer with a [*DisconnectedError].
func (m *Manager) FailPeer(peer cpeer.Handle, cause error) {
	n := 0
	for k, list := range m.ordered {
		if k.Peer != peer {
			continue
		}
		for _, p := range list {
			delete(m.pending, p.call.ID)
			p.resolve(&DisconnectedError{Peer: peer, Cause: cause})
			n++
		}
		delete(m.ordered, k)
	}

	if n > 0 {
		m.log.Info("Failed pending calls for disconnected peer", "peer", peer, "n", n)
	}
}

// Close resolves every remaining call with [ErrSessionClosed].
// Later calls to Invoke fail with ErrSessionClosed.
// Close is idempotent.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true

	for _, p := range m.pending {
		p.resolve(ErrSessionClosed)
	}
	clear(m.pending)
	clear(m.ordered)
}
