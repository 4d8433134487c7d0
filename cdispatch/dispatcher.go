// Package cdispatch serializes work from any goroutine
// onto a single owner goroutine.
//
// The owner is identified by a context value rather than a goroutine ID:
// [*Dispatcher.DesignateOwner] returns the owner context,
// [*Dispatcher.Drain] only accepts that context (or one derived from it),
// and work run by Drain receives it too.
// Work submitted with the owner context runs inline.
package cdispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned from Submit after [*Dispatcher.Close],
// including to blocking submitters whose work never ran.
var ErrClosed = errors.New("dispatcher closed")

// Work is a unit of work to run on the owner goroutine.
// ctx is the owner context.
type Work func(ctx context.Context)

type ownerKey struct{}

type task struct {
	work Work

	// Nil for non-blocking submissions.
	// Closed after work returns.
	done chan struct{}
}

// Dispatcher is a single-consumer work queue.
// The zero value is not usable; call [New].
type Dispatcher struct {
	log *slog.Logger

	mu     sync.Mutex
	queue  []task
	closed bool

	// Closed on Close, to release blocking submitters.
	quit chan struct{}

	designated atomic.Bool
	draining   atomic.Bool
}

// New returns a Dispatcher without an owner.
func New(log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		log:  log,
		quit: make(chan struct{}),
	}
}

// DesignateOwner marks the calling goroutine as the owner,
// returning the context that identifies it.
// The owner must call Drain with the returned context
// (or a context derived from it).
//
// DesignateOwner panics if called more than once.
func (d *Dispatcher) DesignateOwner(ctx context.Context) context.Context {
	if d.designated.Swap(true) {
		panic(errors.New("BUG: DesignateOwner called more than once"))
	}
	return context.WithValue(ctx, ownerKey{}, d)
}

// IsOwner reports whether ctx is d's owner context.
func (d *Dispatcher) IsOwner(ctx context.Context) bool {
	owner, _ := ctx.Value(ownerKey{}).(*Dispatcher)
	return owner == d
}

// Submit schedules work on the owner goroutine.
//
// If ctx is the owner context, work runs before Submit returns.
// Otherwise work is queued for the next Drain.
// If blocking is set, Submit waits until work has run,
// returning early with an error if ctx is canceled
// or the dispatcher is closed first.
// A canceled blocking submission may still run later.
func (d *Dispatcher) Submit(ctx context.Context, work Work, blocking bool) error {
	if d.IsOwner(ctx) {
		work(ctx)
		return nil
	}

	t := task{work: work}
	if blocking {
		t.done = make(chan struct{})
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.queue = append(d.queue, t)
	d.mu.Unlock()

	if !blocking {
		return nil
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf(
			"context canceled while waiting for dispatched work: %w", context.Cause(ctx),
		)
	case <-d.quit:
		// The drain may have been running this exact task
		// when the dispatcher closed.
		select {
		case <-t.done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Drain runs every task queued before the call, in submission order.
// Tasks submitted while draining are left for the next Drain.
//
// Drain panics if ctx is not the owner context,
// or if another Drain is already in progress;
// both indicate a second writer touching owner state.
func (d *Dispatcher) Drain(ctx context.Context) {
	if !d.IsOwner(ctx) {
		panic(errors.New("BUG: Drain called outside the owner goroutine"))
	}
	if d.draining.Swap(true) {
		panic(errors.New("BUG: concurrent or reentrant Drain"))
	}
	defer d.draining.Store(false)

	d.mu.Lock()
	batch := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, t := range batch {
		t.work(ctx)
		if t.done != nil {
			close(t.done)
		}
	}
}

// Pending reports how many tasks are waiting for the next Drain.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close rejects further submissions
// and releases any blocked submitters with [ErrClosed].
// Queued work that has not been drained is discarded.
// Close is idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	dropped := len(d.queue)
	d.queue = nil
	d.mu.Unlock()

	close(d.quit)

	if dropped > 0 {
		d.log.Info("Dispatcher closed with undrained work", "dropped", dropped)
	}
}
