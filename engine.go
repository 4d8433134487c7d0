package coop

import (
	"context"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/coop/cclock"
	"github.com/gordian-engine/coop/cpacket"
	"github.com/gordian-engine/coop/cpeer"
	"github.com/gordian-engine/coop/crpc"
)

// Engine is the replication engine driven by a [Session].
//
// Every method is called on the session's owner goroutine.
type Engine interface {
	cpeer.Engine

	// Advance moves the simulation to tick
	// and synchronizes state with every attached peer through sync.
	Advance(ctx context.Context, tick cclock.Tick, sync PeerSync) error
}

// PeerSync is the session's side of [Engine.Advance].
// It must only be used during Advance.
type PeerSync interface {
	// ObserveRemoteTick records a tick reported by peer
	// through the engine's own state stream.
	ObserveRemoteTick(peer cpeer.Handle, tick cclock.Tick)

	// Acknowledge resolves a synchronized call
	// that the engine observed being applied by peer.
	Acknowledge(peer cpeer.Handle, id crpc.CallID)

	// SendToPeer sends one packet to peer.
	SendToPeer(peer cpeer.Handle, t cpacket.Type, payload []byte) error

	// VisibilitySet returns a copy of the entities visible to peer,
	// or nil if peer is not attached.
	VisibilitySet(peer cpeer.Handle) *bitset.BitSet
}
