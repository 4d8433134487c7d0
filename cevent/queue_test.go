package cevent_test

import (
	"errors"
	"testing"
	"time"

	"github.com/gordian-engine/coop/cevent"
	"github.com/gordian-engine/coop/cpeer"
	"github.com/gordian-engine/coop/internal/ctest"
	"github.com/stretchr/testify/require"
)

type sent struct {
	Peer cpeer.Handle
	Kind string
}

type recordingBroadcaster struct {
	Sent []sent

	// Peers that fail every send.
	Fail map[cpeer.Handle]bool
}

func (b *recordingBroadcaster) BroadcastEvent(p cpeer.Handle, ev cevent.Event) error {
	if b.Fail[p] {
		return errors.New("send failed")
	}
	b.Sent = append(b.Sent, sent{Peer: p, Kind: ev.Kind})
	return nil
}

func newQueue(t *testing.T, maxSize int, peers ...cpeer.Handle) (*cevent.Queue, *recordingBroadcaster) {
	t.Helper()

	bc := new(recordingBroadcaster)
	q := cevent.NewQueue(ctest.NewLogger(t), cevent.QueueConfig{
		MaximumSize: maxSize,
		Peers:       func() []cpeer.Handle { return peers },
		Broadcaster: bc,
	})
	return q, bc
}

func TestQueue_Update_broadcastsInOrderThenClears(t *testing.T) {
	t.Parallel()

	q, bc := newQueue(t, 0, 1, 2)

	const frame = 16 * time.Millisecond

	require.NoError(t, q.Enqueue(cevent.Event{Kind: "E1"}, 5*time.Second))
	require.NoError(t, q.Enqueue(cevent.Event{Kind: "E2"}, time.Second))
	require.Equal(t, 2, q.Count())

	// Two frames later, both events are well within their timeout.
	// At two seconds E2 would already have expired;
	// see TestQueue_Update_twoSecondsExpiresShortEvent.
	q.Update(2 * frame)

	require.Equal(t, []sent{
		{Peer: 1, Kind: "E1"},
		{Peer: 2, Kind: "E1"},
		{Peer: 1, Kind: "E2"},
		{Peer: 2, Kind: "E2"},
	}, bc.Sent)
	require.Zero(t, q.Count())

	// A following update with nothing queued is a no-op.
	q.Update(0)
	require.Len(t, bc.Sent, 4)
}

func TestQueue_Update_twoSecondsExpiresShortEvent(t *testing.T) {
	t.Parallel()

	q, bc := newQueue(t, 0, 1, 2)

	require.NoError(t, q.Enqueue(cevent.Event{Kind: "E1"}, 5*time.Second))
	require.NoError(t, q.Enqueue(cevent.Event{Kind: "E2"}, time.Second))

	// Age 2s exceeds E2's 1s timeout, so only E1 is broadcast.
	q.Update(2 * time.Second)

	require.Equal(t, []sent{
		{Peer: 1, Kind: "E1"},
		{Peer: 2, Kind: "E1"},
	}, bc.Sent)
	require.Equal(t, uint64(1), q.Stats().Expired)
	require.Zero(t, q.Count())

	q.Update(0)
	require.Len(t, bc.Sent, 2)
}

func TestQueue_Update_expiresStaleEvents(t *testing.T) {
	t.Parallel()

	q, bc := newQueue(t, 0, 1)

	require.NoError(t, q.Enqueue(cevent.Event{Kind: "long"}, 5*time.Second))
	require.NoError(t, q.Enqueue(cevent.Event{Kind: "short"}, time.Second))
	require.NoError(t, q.Enqueue(cevent.Event{Kind: "later"}, 5*time.Second))

	q.Update(2 * time.Second)

	require.Equal(t, []sent{
		{Peer: 1, Kind: "long"},
		{Peer: 1, Kind: "later"},
	}, bc.Sent)

	st := q.Stats()
	require.Equal(t, uint64(1), st.Expired)
	require.Equal(t, uint64(2), st.Broadcast)
	require.Zero(t, st.Depth)
}

func TestQueue_Update_ageExactlyTimeoutIsLive(t *testing.T) {
	t.Parallel()

	q, bc := newQueue(t, 0, 1)

	require.NoError(t, q.Enqueue(cevent.Event{Kind: "edge"}, time.Second))
	q.Update(time.Second)

	require.Equal(t, []sent{{Peer: 1, Kind: "edge"}}, bc.Sent)
}

func TestQueue_Update_ageCountsFromEnqueue(t *testing.T) {
	t.Parallel()

	q, bc := newQueue(t, 0, 1)

	// Advance the clock before enqueueing.
	q.Update(10 * time.Second)

	require.NoError(t, q.Enqueue(cevent.Event{Kind: "fresh"}, time.Second))
	q.Update(500 * time.Millisecond)

	require.Equal(t, []sent{{Peer: 1, Kind: "fresh"}}, bc.Sent)
}

func TestQueue_Enqueue_defaultTimeout(t *testing.T) {
	t.Parallel()

	q, bc := newQueue(t, 0, 1)

	require.NoError(t, q.Enqueue(cevent.Event{Kind: "default"}, 0))
	q.Update(cevent.DefaultTimeout + time.Millisecond)

	require.Empty(t, bc.Sent)
	require.Equal(t, uint64(1), q.Stats().Expired)
}

func TestQueue_Enqueue_capacity(t *testing.T) {
	t.Parallel()

	q, _ := newQueue(t, 2, 1)

	require.NoError(t, q.Enqueue(cevent.Event{Kind: "a"}, 0))
	require.NoError(t, q.Enqueue(cevent.Event{Kind: "b"}, 0))

	err := q.Enqueue(cevent.Event{Kind: "c"}, 0)
	var capErr *cevent.CapacityError
	require.ErrorAs(t, err, &capErr)
	require.Equal(t, 2, capErr.Size)
	require.Equal(t, 2, q.Count())

	// Room again after a flush.
	q.Update(0)
	require.NoError(t, q.Enqueue(cevent.Event{Kind: "c"}, 0))
}

func TestQueue_Update_sendErrorsCounted(t *testing.T) {
	t.Parallel()

	q, bc := newQueue(t, 0, 1, 2)
	bc.Fail = map[cpeer.Handle]bool{1: true}

	require.NoError(t, q.Enqueue(cevent.Event{Kind: "x"}, 0))
	q.Update(0)

	require.Equal(t, []sent{{Peer: 2, Kind: "x"}}, bc.Sent)

	st := q.Stats()
	require.Equal(t, uint64(1), st.SendErrors)
	require.Equal(t, uint64(1), st.Broadcast)
}

func TestQueue_Stats_occupancy(t *testing.T) {
	t.Parallel()

	q, _ := newQueue(t, 0)

	for _, n := range []int{3, 1, 5} {
		for range n {
			require.NoError(t, q.Enqueue(cevent.Event{}, 0))
		}
		q.Update(0)
	}

	st := q.Stats()
	require.Equal(t, float64(1), st.Min)
	require.Equal(t, float64(3), st.Average)
	require.Equal(t, float64(5), st.Max)
	require.Equal(t, cevent.DefaultMaximumSize, st.Capacity)
}
