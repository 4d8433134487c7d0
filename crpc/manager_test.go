package crpc_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gordian-engine/coop/cclock"
	"github.com/gordian-engine/coop/cpeer"
	"github.com/gordian-engine/coop/crpc"
	"github.com/gordian-engine/coop/internal/ctest"
	"github.com/stretchr/testify/require"
)

const (
	hMove crpc.HandlerID = iota + 1
	hChat
)

type recordingSender struct {
	Sent []crpc.Call
	Err  error
}

func (s *recordingSender) SendCall(c crpc.Call) error {
	if s.Err != nil {
		return s.Err
	}
	s.Sent = append(s.Sent, c)
	return nil
}

type fixture struct {
	Manager *crpc.Manager
	Sender  *recordingSender

	Tick cclock.Tick

	Applied []crpc.Call
}

func newFixture(t *testing.T, historySize int) *fixture {
	t.Helper()

	f := &fixture{Sender: new(recordingSender)}

	var b crpc.RegistryBuilder
	apply := func(_ context.Context, c crpc.Call) error {
		f.Applied = append(f.Applied, c)
		return nil
	}
	require.NoError(t, b.Register(hMove, "move", apply))
	require.NoError(t, b.Register(hChat, "chat", apply))

	f.Manager = crpc.NewManager(ctest.NewLogger(t), crpc.ManagerConfig{
		Registry:    b.Build(),
		Sender:      f.Sender,
		Tick:        func() cclock.Tick { return f.Tick },
		HistorySize: historySize,
	})
	return f
}

func TestRegistryBuilder_duplicate(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, crpc.Call) error { return nil }

	var b crpc.RegistryBuilder
	require.NoError(t, b.Register(1, "first", noop))

	err := b.Register(1, "second", noop)
	var dupErr *crpc.DuplicateHandlerError
	require.ErrorAs(t, err, &dupErr)
	require.Equal(t, "first", dupErr.Existing)

	r := b.Build()
	h, ok := r.Lookup(1)
	require.True(t, ok)
	require.Equal(t, "first", h.Name)
	require.Len(t, r.Handlers(), 1)

	require.Panics(t, func() {
		_ = b.Register(2, "late", noop)
	})
}

func TestManager_Invoke_sequentialIDs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	ctx := context.Background()

	f.Tick = 7
	p1, err := f.Manager.Invoke(ctx, 1, hMove, []byte("a"))
	require.NoError(t, err)
	p2, err := f.Manager.Invoke(ctx, 2, hChat, []byte("b"))
	require.NoError(t, err)

	require.Equal(t, crpc.CallID(1), p1.ID())
	require.Equal(t, crpc.CallID(2), p2.ID())
	require.Equal(t, 2, f.Manager.PendingCount())

	require.Len(t, f.Sender.Sent, 2)
	require.Equal(t, crpc.Call{
		ID: 1, Handler: hMove, Peer: 1, Tick: 7, Args: []byte("a"),
	}, f.Sender.Sent[0])

	ctest.NotSending(t, p1.Done())
}

func TestManager_Invoke_unknownHandler(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)

	_, err := f.Manager.Invoke(context.Background(), 1, 99, nil)
	var unknownErr *crpc.UnknownHandlerError
	require.ErrorAs(t, err, &unknownErr)
	require.Equal(t, crpc.HandlerID(99), unknownErr.ID)
	require.Zero(t, f.Manager.PendingCount())
}

func TestManager_Invoke_sendFailureKeepsNoRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	want := errors.New("link down")
	f.Sender.Err = want

	_, err := f.Manager.Invoke(context.Background(), 1, hMove, nil)
	require.ErrorIs(t, err, want)
	require.Zero(t, f.Manager.PendingCount())
	require.Empty(t, f.Manager.History(hMove))
}

func TestManager_Acknowledge(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)

	p, err := f.Manager.Invoke(context.Background(), 1, hMove, nil)
	require.NoError(t, err)

	// Wrong peer is ignored.
	require.False(t, f.Manager.Acknowledge(2, p.ID()))
	require.Equal(t, 1, f.Manager.PendingCount())

	require.True(t, f.Manager.Acknowledge(1, p.ID()))
	ctest.IsSending(t, p.Done())
	require.NoError(t, p.Err())
	require.NoError(t, p.Wait(context.Background()))
	require.Zero(t, f.Manager.PendingCount())

	// Duplicate and unknown acks are no-ops.
	require.False(t, f.Manager.Acknowledge(1, p.ID()))
	require.False(t, f.Manager.Acknowledge(1, 1000))
}

func TestManager_Acknowledge_cumulativePerHandler(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	ctx := context.Background()

	m1, err := f.Manager.Invoke(ctx, 1, hMove, nil)
	require.NoError(t, err)
	c1, err := f.Manager.Invoke(ctx, 1, hChat, nil)
	require.NoError(t, err)
	m2, err := f.Manager.Invoke(ctx, 1, hMove, nil)
	require.NoError(t, err)
	m3, err := f.Manager.Invoke(ctx, 1, hMove, nil)
	require.NoError(t, err)

	// Acknowledging m2 resolves m1 too, but not the chat call or m3.
	require.True(t, f.Manager.Acknowledge(1, m2.ID()))

	ctest.IsSending(t, m1.Done())
	ctest.IsSending(t, m2.Done())
	ctest.NotSending(t, c1.Done())
	ctest.NotSending(t, m3.Done())

	require.Equal(t, []crpc.CallID{c1.ID(), m3.ID()}, f.Manager.PendingFor(1))

	// The earlier call was already resolved by the cumulative ack.
	require.False(t, f.Manager.Acknowledge(1, m1.ID()))
}

func TestManager_Apply(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	ctx := context.Background()

	c := crpc.Call{ID: 4, Handler: hChat, Peer: 3, Tick: 10, Args: []byte("hi")}
	require.NoError(t, f.Manager.Apply(ctx, c))
	require.Equal(t, []crpc.Call{c}, f.Applied)

	h := f.Manager.History(hChat)
	require.Len(t, h, 1)
	require.Equal(t, cclock.Tick(10), h[0].Tick)

	err := f.Manager.Apply(ctx, crpc.Call{Handler: 99})
	var unknownErr *crpc.UnknownHandlerError
	require.ErrorAs(t, err, &unknownErr)
}

func TestManager_Apply_handlerError(t *testing.T) {
	t.Parallel()

	want := errors.New("bad args")

	var b crpc.RegistryBuilder
	require.NoError(t, b.Register(1, "strict", func(context.Context, crpc.Call) error {
		return want
	}))
	m := crpc.NewManager(ctest.NewLogger(t), crpc.ManagerConfig{
		Registry: b.Build(),
		Sender:   new(recordingSender),
		Tick:     func() cclock.Tick { return 0 },
	})

	require.ErrorIs(t, m.Apply(context.Background(), crpc.Call{ID: 1, Handler: 1}), want)
	require.Len(t, m.History(1), 1)
}

func TestManager_History_evictsOldest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)

	for i := range 5 {
		f.Manager.RecordHistory(hMove, cclock.Tick(i), fmt.Sprintf("entry %d", i))
	}

	h := f.Manager.History(hMove)
	require.Len(t, h, 3)
	require.Equal(t, "entry 2", h[0].Description)
	require.Equal(t, "entry 3", h[1].Description)
	require.Equal(t, "entry 4", h[2].Description)

	require.Nil(t, f.Manager.History(hChat))
}

func TestManager_FailPeer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	ctx := context.Background()

	a, err := f.Manager.Invoke(ctx, 1, hMove, nil)
	require.NoError(t, err)
	b, err := f.Manager.Invoke(ctx, 1, hChat, nil)
	require.NoError(t, err)
	other, err := f.Manager.Invoke(ctx, 2, hMove, nil)
	require.NoError(t, err)

	cause := errors.New("connection reset")
	f.Manager.FailPeer(1, cause)

	for _, p := range []*crpc.Pending{a, b} {
		ctest.IsSending(t, p.Done())

		var dcErr *crpc.DisconnectedError
		require.ErrorAs(t, p.Err(), &dcErr)
		require.Equal(t, cpeer.Handle(1), dcErr.Peer)
		require.ErrorIs(t, p.Err(), cause)
	}

	ctest.NotSending(t, other.Done())
	require.Equal(t, 1, f.Manager.PendingCount())
}

func TestManager_Close(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	ctx := context.Background()

	p, err := f.Manager.Invoke(ctx, 1, hMove, nil)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- p.Wait(ctx)
	}()

	f.Manager.Close()
	require.ErrorIs(t, ctest.ReceiveSoon(t, waitErr), crpc.ErrSessionClosed)
	require.Zero(t, f.Manager.PendingCount())

	// Idempotent.
	f.Manager.Close()

	_, err = f.Manager.Invoke(ctx, 1, hMove, nil)
	require.ErrorIs(t, err, crpc.ErrSessionClosed)
}

func TestPending_Wait_canceled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)

	p, err := f.Manager.Invoke(context.Background(), 1, hMove, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.New("gave up")
	cancel(cause)

	require.ErrorIs(t, p.Wait(ctx), cause)

	// The call itself is still pending.
	require.Equal(t, 1, f.Manager.PendingCount())
}
