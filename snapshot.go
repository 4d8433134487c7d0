package coop

import (
	"context"

	"github.com/gordian-engine/coop/cclock"
	"github.com/gordian-engine/coop/cconn"
	"github.com/gordian-engine/coop/cevent"
	"github.com/gordian-engine/coop/cpeer"
	"github.com/gordian-engine/coop/crpc"
)

// Snapshot is a point-in-time diagnostic view of a [Session].
// It holds only copies and is safe to retain or encode as JSON.
type Snapshot struct {
	Tick   cclock.Tick `json:"tick"`
	Closed bool        `json:"closed"`

	Clocks []cclock.State `json:"clocks"`

	Queue cevent.Stats `json:"queue"`

	PendingCalls int               `json:"pending_calls"`
	Handlers     []HandlerSnapshot `json:"handlers"`

	Peers []PeerSnapshot `json:"peers"`

	Packets []PacketSnapshot `json:"packets"`

	UnknownPackets  uint64 `json:"unknown_packets"`
	DroppedPackets  uint64 `json:"dropped_packets"`
	HandlerErrors   uint64 `json:"handler_errors"`
	DispatchPending int    `json:"dispatch_pending"`
}

// HandlerSnapshot describes one registered call handler.
type HandlerSnapshot struct {
	ID      crpc.HandlerID      `json:"id"`
	Name    string              `json:"name"`
	History []crpc.HistoryEntry `json:"history"`
}

// PeerSnapshot describes one attached peer.
type PeerSnapshot struct {
	Handle cpeer.Handle `json:"handle"`
	Conn   cconn.ID     `json:"conn"`

	VisibleEntities []cpeer.EntityID `json:"visible_entities"`
	PendingCalls    []crpc.CallID    `json:"pending_calls"`
}

// PacketSnapshot is one route of the packet table.
type PacketSnapshot struct {
	State    string `json:"state"`
	Type     string `json:"type"`
	Override bool   `json:"override"`
}

// Snapshot collects the session's diagnostics on the owner goroutine.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := s.onOwner(ctx, func(context.Context) {
		snap = s.snapshot()
	}); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Tick:   s.tick,
		Closed: s.closed,

		Clocks: s.estimator.Snapshots(),

		Queue: s.queue.Stats(),

		PendingCalls: s.rpc.PendingCount(),

		UnknownPackets:  s.unknownPackets.Load(),
		DroppedPackets:  s.droppedPackets.Load(),
		HandlerErrors:   s.handlerErrors.Load(),
		DispatchPending: s.d.Pending(),
	}

	for _, h := range s.rpc.Registry().Handlers() {
		snap.Handlers = append(snap.Handlers, HandlerSnapshot{
			ID:      h.ID,
			Name:    h.Name,
			History: s.rpc.History(h.ID),
		})
	}

	for _, h := range s.registry.Peers() {
		conn, _ := s.registry.ConnFor(h)
		snap.Peers = append(snap.Peers, PeerSnapshot{
			Handle:          h,
			Conn:            conn,
			VisibleEntities: s.registry.EntitiesVisibleTo(h),
			PendingCalls:    s.rpc.PendingFor(h),
		})
	}

	for _, e := range s.table.Entries() {
		snap.Packets = append(snap.Packets, PacketSnapshot{
			State:    e.Key.State.String(),
			Type:     e.Key.Type.String(),
			Override: e.Override != nil,
		})
	}

	return snap
}
