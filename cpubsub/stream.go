// Package cpubsub contains a single-writer, many-reader
// event stream for in-process notifications.
package cpubsub

import "context"

// Stream is a linked list of event-driven values.
// The list has a single writer and many readers,
// and every reader observes the same sequence of values.
//
// A reader holding an old node keeps every later node reachable,
// so readers must keep up or drop their reference.
type Stream[T any] struct {
	Ready chan struct{}
	Next  *Stream[T]
	Val   T
}

// NewStream returns an initialized, unpublished stream node.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{
		Ready: make(chan struct{}),
	}
}

// Publish assigns s's value, initializes s.Next,
// and closes s.Ready so observers may read s.Val.
// It returns s.Next, which is where the writer publishes next.
//
// Publishing twice to the same node panics.
func (s *Stream[T]) Publish(t T) *Stream[T] {
	s.Val = t
	s.Next = NewStream[T]()
	close(s.Ready)
	return s.Next
}

// Follow calls fn for every value published on s and later nodes,
// in order, until ctx is canceled.
// It blocks, so callers typically run it in its own goroutine.
func Follow[T any](ctx context.Context, s *Stream[T], fn func(T)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Ready:
			fn(s.Val)
			s = s.Next
		}
	}
}
