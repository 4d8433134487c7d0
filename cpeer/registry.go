package cpeer

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/coop/cconn"
	"github.com/gordian-engine/coop/cpubsub"
)

// Handle is the opaque identifier the replication engine
// uses to address one connected participant.
// The zero Handle is never assigned.
type Handle uint64

// EntityID identifies a replicated entity.
// Entity IDs index into per-peer visibility bitsets,
// so they should be allocated densely from zero.
type EntityID uint32

// Engine is the subset of the replication engine
// the registry drives when peers come and go.
type Engine interface {
	AddPeer(Handle) error
	RemovePeer(Handle)
}

// Change is published on [*Registry.Changes]
// whenever a peer is attached or released.
type Change struct {
	Conn   cconn.ID
	Peer   Handle
	Adding bool
}

// DuplicateConnectionError is returned from [*Registry.OnConnected]
// when the connection already has a peer.
type DuplicateConnectionError struct {
	Conn cconn.ID
	Peer Handle
}

func (e *DuplicateConnectionError) Error() string {
	return fmt.Sprintf("connection %s already attached to peer %d", e.Conn, e.Peer)
}

// DuplicateHandleError is returned from [*Registry.OnConnected]
// when the handle is already attached to another connection.
type DuplicateHandleError struct {
	Peer Handle
	Conn cconn.ID
}

func (e *DuplicateHandleError) Error() string {
	return fmt.Sprintf("peer %d already attached to connection %s", e.Peer, e.Conn)
}

// Registry maps connections to peer handles
// and tracks which entities are visible to each peer.
type Registry struct {
	log *slog.Logger

	engine Engine

	byConn   map[cconn.ID]Handle
	byHandle map[Handle]cconn.ID

	// Every entity known to the session.
	entities *bitset.BitSet

	// Per-peer visibility.
	// There is no interest management here,
	// so new peers start seeing everything in entities.
	visible map[Handle]*bitset.BitSet

	lastHandle Handle

	// Writer end of the change stream.
	changesW *cpubsub.Stream[Change]
}

// NewRegistry returns an empty registry that
// attaches and detaches peers on the given engine.
func NewRegistry(log *slog.Logger, engine Engine) *Registry {
	return &Registry{
		log: log,

		engine: engine,

		byConn:   map[cconn.ID]Handle{},
		byHandle: map[Handle]cconn.ID{},

		entities: new(bitset.BitSet),
		visible:  map[Handle]*bitset.BitSet{},

		changesW: cpubsub.NewStream[Change](),
	}
}

// NextHandle returns a handle that has never been assigned by r.
func (r *Registry) NextHandle() Handle {
	r.lastHandle++
	return r.lastHandle
}

// Changes returns the stream position from which
// all future changes will be published.
// Callers following the stream must keep up with it;
// see [cpubsub.Stream].
func (r *Registry) Changes() *cpubsub.Stream[Change] {
	return r.changesW
}

// OnConnected attaches h to conn and adds the peer to the engine.
// If the engine refuses the peer, the mapping is not retained.
func (r *Registry) OnConnected(conn cconn.ID, h Handle) error {
	if existing, ok := r.byConn[conn]; ok {
		return &DuplicateConnectionError{Conn: conn, Peer: existing}
	}
	if existing, ok := r.byHandle[h]; ok {
		return &DuplicateHandleError{Peer: h, Conn: existing}
	}

	if err := r.engine.AddPeer(h); err != nil {
		return fmt.Errorf("failed to add peer %d to replication engine: %w", h, err)
	}

	r.byConn[conn] = h
	r.byHandle[h] = conn
	r.visible[h] = r.entities.Clone()
	if h > r.lastHandle {
		r.lastHandle = h
	}

	r.changesW = r.changesW.Publish(Change{Conn: conn, Peer: h, Adding: true})

	r.log.Info("Peer connected", "conn", conn, "peer", h)
	return nil
}

// OnDisconnected releases the peer attached to conn,
// returning the released handle.
//
// A connection without a peer is not an error:
// duplicate disconnect notifications are expected,
// and ok is false in that case.
func (r *Registry) OnDisconnected(conn cconn.ID) (h Handle, ok bool) {
	h, ok = r.byConn[conn]
	if !ok {
		r.log.Debug("Ignoring disconnect for connection without peer", "conn", conn)
		return 0, false
	}

	r.engine.RemovePeer(h)

	delete(r.byConn, conn)
	delete(r.byHandle, h)
	delete(r.visible, h)

	r.changesW = r.changesW.Publish(Change{Conn: conn, Peer: h, Adding: false})

	r.log.Info("Peer disconnected", "conn", conn, "peer", h)
	return h, true
}

// HandleFor returns the peer attached to conn.
func (r *Registry) HandleFor(conn cconn.ID) (Handle, bool) {
	h, ok := r.byConn[conn]
	return h, ok
}

// ConnFor returns the connection attached to h.
func (r *Registry) ConnFor(h Handle) (cconn.ID, bool) {
	c, ok := r.byHandle[h]
	return c, ok
}

// Peers returns every attached handle in ascending order.
func (r *Registry) Peers() []Handle {
	out := make([]Handle, 0, len(r.byHandle))
	for h := range r.byHandle {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// Len reports the number of attached peers.
func (r *Registry) Len() int {
	return len(r.byHandle)
}

// AddEntity registers an entity with the session
// and makes it visible to every currently attached peer.
func (r *Registry) AddEntity(e EntityID) {
	r.entities.Set(uint(e))
	for _, bs := range r.visible {
		bs.Set(uint(e))
	}
}

// RemoveEntity forgets an entity and hides it from every peer.
func (r *Registry) RemoveEntity(e EntityID) {
	r.entities.Clear(uint(e))
	for _, bs := range r.visible {
		bs.Clear(uint(e))
	}
}

// SetVisible overrides the visibility of one entity for one peer.
// It reports false if h is not attached or e is not a known entity.
func (r *Registry) SetVisible(h Handle, e EntityID, visible bool) bool {
	bs, ok := r.visible[h]
	if !ok || !r.entities.Test(uint(e)) {
		return false
	}
	bs.SetTo(uint(e), visible)
	return true
}

// EntitiesVisibleTo returns the entities currently replicated to h,
// in ascending order.
// The returned slice is a copy and may be retained by the caller.
func (r *Registry) EntitiesVisibleTo(h Handle) []EntityID {
	bs, ok := r.visible[h]
	if !ok {
		return nil
	}

	out := make([]EntityID, 0, bs.Count())
	for i, ok := bs.NextSet(0); ok; i, ok = bs.NextSet(i + 1) {
		out = append(out, EntityID(i))
	}
	return out
}

// VisibilitySet returns a copy of h's visibility bitset,
// or nil if h is not attached.
func (r *Registry) VisibilitySet(h Handle) *bitset.BitSet {
	bs, ok := r.visible[h]
	if !ok {
		return nil
	}
	return bs.Clone()
}
