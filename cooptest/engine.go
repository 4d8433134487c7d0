package cooptest

import (
	"context"
	"slices"
	"sync"

	"github.com/gordian-engine/coop"
	"github.com/gordian-engine/coop/cclock"
	"github.com/gordian-engine/coop/cpeer"
)

var _ coop.Engine = (*Engine)(nil)

// Engine is a [coop.Engine] that records its calls.
type Engine struct {
	mu sync.Mutex

	peers    []cpeer.Handle
	removed  []cpeer.Handle
	advanced []cclock.Tick

	addErr error

	// Optional hook run inside Advance.
	OnAdvance func(ctx context.Context, tick cclock.Tick, sync coop.PeerSync) error
}

func (e *Engine) AddPeer(h cpeer.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.addErr != nil {
		return e.addErr
	}
	e.peers = append(e.peers, h)
	return nil
}

func (e *Engine) RemovePeer(h cpeer.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if i := slices.Index(e.peers, h); i >= 0 {
		e.peers = slices.Delete(e.peers, i, i+1)
	}
	e.removed = append(e.removed, h)
}

func (e *Engine) Advance(ctx context.Context, tick cclock.Tick, sync coop.PeerSync) error {
	e.mu.Lock()
	e.advanced = append(e.advanced, tick)
	hook := e.OnAdvance
	e.mu.Unlock()

	if hook != nil {
		return hook(ctx, tick, sync)
	}
	return nil
}

// FailAddPeer makes later AddPeer calls return err.
func (e *Engine) FailAddPeer(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addErr = err
}

// Peers returns the currently added peers.
func (e *Engine) Peers() []cpeer.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.peers)
}

// Removed returns every RemovePeer argument in call order.
func (e *Engine) Removed() []cpeer.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.removed)
}

// Advanced returns every tick passed to Advance in call order.
func (e *Engine) Advanced() []cclock.Tick {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.advanced)
}
