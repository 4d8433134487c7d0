// Package creplication contains a minimal replication engine
// for running a session without a game simulation behind it.
package creplication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/coop"
	"github.com/gordian-engine/coop/cclock"
	"github.com/gordian-engine/coop/cpacket"
	"github.com/gordian-engine/coop/cpeer"
	"github.com/gordian-engine/coop/cwire"
)

// DuplicatePeerError is returned from [*Local.AddPeer]
// when the peer is already added.
type DuplicatePeerError struct {
	Peer cpeer.Handle
}

func (e *DuplicatePeerError) Error() string {
	return fmt.Sprintf("peer %d already added", e.Peer)
}

// Local is a [coop.Engine] that only keeps peers in step:
// every tick it tells each peer the local tick,
// and sends the peer's visibility set whenever it changed.
//
// Local is not safe for concurrent use;
// the session calls it on the owner goroutine.
type Local struct {
	log *slog.Logger

	tick cclock.Tick

	// Last visibility set sent to each peer.
	// Nil until the first send.
	peers map[cpeer.Handle]*bitset.BitSet
}

// NewLocal returns a Local with no peers.
func NewLocal(log *slog.Logger) *Local {
	return &Local{
		log:   log,
		peers: map[cpeer.Handle]*bitset.BitSet{},
	}
}

var _ coop.Engine = (*Local)(nil)

func (l *Local) AddPeer(h cpeer.Handle) error {
	if _, ok := l.peers[h]; ok {
		return &DuplicatePeerError{Peer: h}
	}
	l.peers[h] = nil
	l.log.Debug("Added peer", "peer", h)
	return nil
}

func (l *Local) RemovePeer(h cpeer.Handle) {
	delete(l.peers, h)
	l.log.Debug("Removed peer", "peer", h)
}

// Advance sends the tick report and any visibility change to every peer.
// A failed send does not stop the others;
// all failures are returned together.
func (l *Local) Advance(_ context.Context, tick cclock.Tick, sync coop.PeerSync) error {
	l.tick = tick

	var errs error
	report := cwire.AppendTickReport(nil, tick)

	for _, h := range l.Peers() {
		if err := sync.SendToPeer(h, cpacket.TypeTickReport, report); err != nil {
			errs = errors.Join(errs, fmt.Errorf("tick report to peer %d: %w", h, err))
			continue
		}

		vis := sync.VisibilitySet(h)
		if vis == nil {
			continue
		}
		if last := l.peers[h]; last != nil && last.Equal(vis) {
			continue
		}

		payload := cwire.AppendVisibility(nil, cwire.Visibility{Tick: tick, Entities: vis})
		if err := sync.SendToPeer(h, cpacket.TypeVisibility, payload); err != nil {
			// Leave the old set so the change is resent next tick.
			errs = errors.Join(errs, fmt.Errorf("visibility to peer %d: %w", h, err))
			continue
		}
		l.peers[h] = vis
	}

	return errs
}

// Peers returns the added peers in ascending order.
func (l *Local) Peers() []cpeer.Handle {
	return slices.Sorted(maps.Keys(l.peers))
}

// Tick returns the last tick passed to Advance.
func (l *Local) Tick() cclock.Tick {
	return l.tick
}
