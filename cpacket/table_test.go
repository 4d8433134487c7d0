package cpacket_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gordian-engine/coop/cconn"
	"github.com/gordian-engine/coop/cpacket"
	"github.com/gordian-engine/coop/internal/ctest"
	"github.com/stretchr/testify/require"
)

// namedHandler returns a handler that appends name to *calls.
func namedHandler(calls *[]string, name string) cpacket.Handler {
	return func(context.Context, cpacket.Packet) error {
		*calls = append(*calls, name)
		return nil
	}
}

func TestTableBuilder_Register_duplicateKeepsFirst(t *testing.T) {
	t.Parallel()

	var calls []string
	var b cpacket.TableBuilder
	require.NoError(t, b.Register(cconn.StateConnected, cpacket.TypeCall, namedHandler(&calls, "h1")))

	err := b.Register(cconn.StateConnected, cpacket.TypeCall, namedHandler(&calls, "h2"))
	var dupErr *cpacket.DuplicateRegistrationError
	require.ErrorAs(t, err, &dupErr)
	require.Equal(t, cpacket.Key{State: cconn.StateConnected, Type: cpacket.TypeCall}, dupErr.Key)

	tbl := b.Build()
	h, ok := tbl.Resolve(cconn.StateConnected, cpacket.TypeCall)
	require.True(t, ok)
	require.NoError(t, h(context.Background(), cpacket.Packet{}))
	require.Equal(t, []string{"h1"}, calls)
}

func TestTableBuilder_MustRegister_panicsOnDuplicate(t *testing.T) {
	t.Parallel()

	var calls []string
	var b cpacket.TableBuilder
	b.MustRegister(cconn.StateConnecting, cpacket.TypeHello, namedHandler(&calls, "a"))

	require.Panics(t, func() {
		b.MustRegister(cconn.StateConnecting, cpacket.TypeHello, namedHandler(&calls, "b"))
	})
}

func TestTable_Resolve_overrideTakesPrecedence(t *testing.T) {
	t.Parallel()

	var calls []string
	var b cpacket.TableBuilder
	b.MustRegister(cconn.StateConnected, cpacket.TypeEvent, namedHandler(&calls, "base"))
	b.MustRegister(cconn.StateConnected, cpacket.TypeCall, namedHandler(&calls, "call"))
	require.NoError(t, b.RegisterOverride(cconn.StateConnected, cpacket.TypeEvent, namedHandler(&calls, "override")))

	tbl := b.Build()

	h, ok := tbl.Resolve(cconn.StateConnected, cpacket.TypeEvent)
	require.True(t, ok)
	require.NoError(t, h(context.Background(), cpacket.Packet{}))

	h, ok = tbl.Resolve(cconn.StateConnected, cpacket.TypeCall)
	require.True(t, ok)
	require.NoError(t, h(context.Background(), cpacket.Packet{}))

	require.Equal(t, []string{"override", "call"}, calls)
}

func TestTableBuilder_RegisterOverride_errors(t *testing.T) {
	t.Parallel()

	var calls []string
	var b cpacket.TableBuilder

	err := b.RegisterOverride(cconn.StateConnected, cpacket.TypeEvent, namedHandler(&calls, "x"))
	var missingErr *cpacket.MissingRegistrationError
	require.ErrorAs(t, err, &missingErr)

	b.MustRegister(cconn.StateConnected, cpacket.TypeEvent, namedHandler(&calls, "base"))
	require.NoError(t, b.RegisterOverride(cconn.StateConnected, cpacket.TypeEvent, namedHandler(&calls, "o1")))

	err = b.RegisterOverride(cconn.StateConnected, cpacket.TypeEvent, namedHandler(&calls, "o2"))
	var dupErr *cpacket.DuplicateRegistrationError
	require.ErrorAs(t, err, &dupErr)
}

func TestTable_Dispatch_unknownPacket(t *testing.T) {
	t.Parallel()

	var calls []string
	var b cpacket.TableBuilder
	b.MustRegister(cconn.StateConnected, cpacket.TypeCall, namedHandler(&calls, "call"))
	tbl := b.Build()

	log := ctest.NewLogger(t)

	// Right type, wrong state.
	err := tbl.Dispatch(context.Background(), log, cpacket.Packet{
		Conn:  cconn.NewID(),
		State: cconn.StateConnecting,
		Type:  cpacket.TypeCall,
	})
	var unknownErr *cpacket.UnknownPacketError
	require.ErrorAs(t, err, &unknownErr)
	require.Equal(t, cconn.StateConnecting, unknownErr.Key.State)
	require.Empty(t, calls)

	// The table is unaffected by the unknown packet.
	require.NoError(t, tbl.Dispatch(context.Background(), log, cpacket.Packet{
		State: cconn.StateConnected,
		Type:  cpacket.TypeCall,
	}))
	require.Equal(t, []string{"call"}, calls)
}

func TestTable_Dispatch_returnsHandlerError(t *testing.T) {
	t.Parallel()

	want := errors.New("handler failed")

	var b cpacket.TableBuilder
	b.MustRegister(cconn.StateConnected, cpacket.MinAppType, func(_ context.Context, p cpacket.Packet) error {
		require.Equal(t, []byte("payload"), p.Payload)
		return want
	})
	tbl := b.Build()

	err := tbl.Dispatch(context.Background(), ctest.NewLogger(t), cpacket.Packet{
		State:   cconn.StateConnected,
		Type:    cpacket.MinAppType,
		Payload: []byte("payload"),
	})
	require.ErrorIs(t, err, want)
}

func TestTableBuilder_usedAfterBuild(t *testing.T) {
	t.Parallel()

	var calls []string
	var b cpacket.TableBuilder
	b.MustRegister(cconn.StateConnected, cpacket.TypeCall, namedHandler(&calls, "call"))
	_ = b.Build()

	require.Panics(t, func() {
		_ = b.Register(cconn.StateConnected, cpacket.TypeEvent, namedHandler(&calls, "late"))
	})
	require.Panics(t, func() {
		_ = b.Build()
	})
}

func TestTable_Entries_sorted(t *testing.T) {
	t.Parallel()

	var calls []string
	var b cpacket.TableBuilder
	b.MustRegister(cconn.StateConnected, cpacket.TypeEvent, namedHandler(&calls, "e"))
	b.MustRegister(cconn.StateConnecting, cpacket.TypeHello, namedHandler(&calls, "h"))
	b.MustRegister(cconn.StateConnected, cpacket.TypeCall, namedHandler(&calls, "c"))
	tbl := b.Build()

	require.Equal(t, 3, tbl.Len())

	var keys []cpacket.Key
	for _, e := range tbl.Entries() {
		keys = append(keys, e.Key)
	}
	require.Equal(t, []cpacket.Key{
		{State: cconn.StateConnecting, Type: cpacket.TypeHello},
		{State: cconn.StateConnected, Type: cpacket.TypeCall},
		{State: cconn.StateConnected, Type: cpacket.TypeEvent},
	}, keys)
}
