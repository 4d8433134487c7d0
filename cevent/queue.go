// Package cevent contains the bounded, deadline-aware queue
// of domain events broadcast to every connected peer.
package cevent

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gordian-engine/coop/cpeer"
	"github.com/gordian-engine/coop/cstats"
)

// Default values for [QueueConfig].
const (
	DefaultMaximumSize    = 1024
	DefaultTimeout        = 5 * time.Second
	occupancySampleWindow = 60
)

// Event is an opaque domain event.
type Event struct {
	// Application-defined discriminator.
	Kind string

	Payload []byte
}

// Broadcaster transmits one event to one peer.
type Broadcaster interface {
	BroadcastEvent(cpeer.Handle, Event) error
}

// QueueConfig is the configuration for [NewQueue].
type QueueConfig struct {
	// Capacity of the queue. Defaults to DefaultMaximumSize.
	MaximumSize int

	// Used for events enqueued without a timeout.
	// Defaults to DefaultTimeout.
	DefaultTimeout time.Duration

	// Peers returns the currently connected peers,
	// consulted once per Update.
	Peers func() []cpeer.Handle

	Broadcaster Broadcaster
}

// CapacityError is returned from [*Queue.Enqueue] when the queue is full.
// The caller must back off or drop the event.
type CapacityError struct {
	Size int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("event queue full (%d entries)", e.Size)
}

type queuedEvent struct {
	ev Event

	// Queue clock at enqueue.
	at time.Duration

	timeout time.Duration
}

// Stats is a diagnostic summary of a [*Queue].
type Stats struct {
	Depth, Capacity int

	// Occupancy observed at each Update.
	// Min and Max cover the queue's lifetime;
	// Average covers the last 60 updates.
	Min, Average, Max float64

	// Lifetime counters.
	Broadcast, Expired, SendErrors uint64
}

// Queue holds events until the next Update flushes them.
//
// The queue measures age with its own clock,
// which is the sum of every elapsed duration passed to Update.
// An event whose age exceeds its timeout at Update is expired, never sent.
//
// Queue is not safe for concurrent use;
// it belongs to the session's owner goroutine.
type Queue struct {
	log *slog.Logger

	maxSize        int
	defaultTimeout time.Duration

	peers func() []cpeer.Handle
	bc    Broadcaster

	clock time.Duration

	entries []queuedEvent

	occupancy *cstats.MovingAverage

	broadcast, expired, sendErrors uint64
}

// NewQueue returns an empty queue.
// It panics if cfg has no Peers function or Broadcaster.
func NewQueue(log *slog.Logger, cfg QueueConfig) *Queue {
	if cfg.Peers == nil || cfg.Broadcaster == nil {
		panic(errors.New("BUG: QueueConfig requires Peers and Broadcaster"))
	}

	maxSize := cfg.MaximumSize
	if maxSize <= 0 {
		maxSize = DefaultMaximumSize
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Queue{
		log: log,

		maxSize:        maxSize,
		defaultTimeout: timeout,

		peers: cfg.Peers,
		bc:    cfg.Broadcaster,

		occupancy: cstats.NewMovingAverage(occupancySampleWindow),
	}
}

// Enqueue adds ev to the queue.
// A non-positive timeout uses the configured default.
func (q *Queue) Enqueue(ev Event, timeout time.Duration) error {
	if len(q.entries) >= q.maxSize {
		return &CapacityError{Size: q.maxSize}
	}

	if timeout <= 0 {
		timeout = q.defaultTimeout
	}

	q.entries = append(q.entries, queuedEvent{
		ev:      ev,
		at:      q.clock,
		timeout: timeout,
	})
	return nil
}

// Update advances the queue clock by elapsed,
// expires every event older than its timeout,
// broadcasts the remaining events to every peer in enqueue order,
// and then empties the queue.
func (q *Queue) Update(elapsed time.Duration) {
	q.clock += elapsed
	q.occupancy.Push(float64(len(q.entries)))

	if len(q.entries) == 0 {
		return
	}

	// Expire first, so no peer ever receives a stale event.
	live := q.entries[:0]
	var expired int
	for _, e := range q.entries {
		if q.clock-e.at > e.timeout {
			expired++
			continue
		}
		live = append(live, e)
	}
	if expired > 0 {
		q.expired += uint64(expired)
		q.log.Debug("Expired stale events", "n", expired, "remaining", len(live))
	}

	peers := q.peers()
	for _, e := range live {
		for _, p := range peers {
			if err := q.bc.BroadcastEvent(p, e.ev); err != nil {
				q.sendErrors++
				q.log.Info(
					"Failed to broadcast event to peer",
					"peer", p, "kind", e.ev.Kind, "err", err,
				)
				continue
			}
			q.broadcast++
		}
	}

	clear(q.entries)
	q.entries = q.entries[:0]
}

// Count reports the number of queued events.
func (q *Queue) Count() int {
	return len(q.entries)
}

// Capacity reports the maximum number of queued events.
func (q *Queue) Capacity() int {
	return q.maxSize
}

// Stats returns the current diagnostic summary.
func (q *Queue) Stats() Stats {
	return Stats{
		Depth:    len(q.entries),
		Capacity: q.maxSize,

		Min:     q.occupancy.AllTimeMin(),
		Average: q.occupancy.Average(),
		Max:     q.occupancy.AllTimeMax(),

		Broadcast:  q.broadcast,
		Expired:    q.expired,
		SendErrors: q.sendErrors,
	}
}
