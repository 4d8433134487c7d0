// Package cooptest contains utilities for testing a [coop.Session]
// without a network or a running game loop.
package cooptest

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/gordian-engine/coop"
	"github.com/gordian-engine/coop/cconn"
	"github.com/gordian-engine/coop/cdispatch"
	"github.com/gordian-engine/coop/cpacket"
	"github.com/gordian-engine/coop/cpeer"
	"github.com/gordian-engine/coop/ctransport"
	"github.com/gordian-engine/coop/cwire"
	"github.com/gordian-engine/coop/internal/ctest"
	"github.com/stretchr/testify/require"
)

// FrameInterval is the elapsed time passed by [*Fixture.Step].
const FrameInterval = time.Second / 60

// Fixture drives a [coop.Session] by hand.
//
// The test goroutine is the owner goroutine:
// [*Fixture.Deliver] queues packets like a transport would,
// and [*Fixture.Step] runs one loop frame.
type Fixture struct {
	Log *slog.Logger

	Dispatcher *cdispatch.Dispatcher
	Loop       *coop.Loop

	Transport *Transport
	Engine    *Engine

	Session *coop.Session

	// Owner context, for calling owner-only session methods directly.
	Ctx context.Context
}

// NewFixture returns a Fixture with a new session.
// If configure is non-nil, it may adjust the session config
// before the session is created; the loop, engine, and transport
// fields are already populated.
func NewFixture(
	t *testing.T, ctx context.Context, configure func(*coop.SessionConfig),
) *Fixture {
	t.Helper()

	log := ctest.NewLogger(t)

	d := cdispatch.New(log.With("sys", "dispatcher"))
	t.Cleanup(d.Close)

	loop := coop.NewLoop(log.With("sys", "loop"), coop.LoopConfig{Dispatcher: d})

	f := &Fixture{
		Log: log,

		Dispatcher: d,
		Loop:       loop,

		Transport: NewTransport(),
		Engine:    new(Engine),

		Ctx: d.DesignateOwner(ctx),
	}

	cfg := coop.SessionConfig{
		Loop:      loop,
		Engine:    f.Engine,
		Transport: f.Transport,
		Name:      "cooptest",
	}
	if configure != nil {
		configure(&cfg)
	}

	f.Session = coop.NewSession(f.Ctx, log.With("sys", "session"), cfg)
	return f
}

// Deliver hands a packet to the session as the transport would,
// using conn's current state.
// The packet is handled on the next [*Fixture.Drain] or [*Fixture.Step].
func (f *Fixture) Deliver(t *testing.T, conn cconn.ID, typ cpacket.Type, payload []byte) {
	t.Helper()

	frame := cwire.EncodeFrame(typ, payload)
	require.NoError(t, ctransport.Deliver(
		context.Background(), f.Log, f.Session, &f.Transport.States, conn, frame,
	))
}

// Drain runs queued work without updating the session.
func (f *Fixture) Drain() {
	f.Dispatcher.Drain(f.Ctx)
}

// Step runs one loop frame of [FrameInterval].
func (f *Fixture) Step() {
	f.Loop.Step(f.Ctx, FrameInterval)
}

// StepN runs n frames.
func (f *Fixture) StepN(n int) {
	for range n {
		f.Step()
	}
}

// Connect opens a connection, completes its hello,
// and returns the connection and its new peer handle.
// The hello reply is cleared from the recorded frames.
func (f *Fixture) Connect(t *testing.T) (cconn.ID, cpeer.Handle) {
	t.Helper()

	conn := f.Transport.Open()
	f.Session.Connected(conn)

	f.Deliver(t, conn, cpacket.TypeHello, cwire.AppendHello(nil, cwire.Hello{
		Version: cwire.ProtocolVersion,
		Name:    "client",
	}))
	f.Drain()

	state, ok := f.Transport.States.Get(conn)
	require.True(t, ok)
	require.Equal(t, cconn.StateConnected, state)

	h, ok := f.Session.Registry().HandleFor(conn)
	require.True(t, ok)

	f.Transport.ClearSent(conn)
	return conn, h
}

// Disconnect simulates the transport losing conn.
// The session processes it on the next drain.
func (f *Fixture) Disconnect(conn cconn.ID) {
	f.Transport.States.Remove(conn)
	f.Session.Disconnected(conn)
}
