package crpc

import (
	"context"
	"errors"

	"github.com/gordian-engine/coop/cclock"
	"github.com/gordian-engine/coop/cpeer"
)

// CallID identifies one synchronized call.
// IDs are assigned sequentially by a [*Manager], starting at 1.
type CallID uint64

// Call is the intent to run Handler on a remote peer at Tick.
type Call struct {
	ID CallID

	Handler HandlerID

	// On outbound calls, the destination.
	// On inbound calls, the origin.
	Peer cpeer.Handle

	Tick cclock.Tick

	Args []byte
}

// Pending is the caller's handle to an outstanding call.
//
// Done is closed once the call resolves;
// Err is only meaningful after that.
type Pending struct {
	call Call

	done chan struct{}
	err  error
}

func newPending(c Call) *Pending {
	return &Pending{
		call: c,
		done: make(chan struct{}),
	}
}

// ID returns the call's ID.
func (p *Pending) ID() CallID {
	return p.call.ID
}

// Call returns the call as it was sent.
func (p *Pending) Call() Call {
	return p.call
}

// Done returns a channel that is closed when the call resolves.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns nil if the call was acknowledged,
// or the reason it failed.
// It must not be called before Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		panic(errors.New("BUG: Pending.Err called before call resolved"))
	}
}

// Wait blocks until the call resolves or ctx is canceled.
// Cancelling ctx does not affect the call itself.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-p.done:
		return p.err
	}
}

func (p *Pending) resolve(err error) {
	p.err = err
	close(p.done)
}
