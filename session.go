package coop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/coop/cclock"
	"github.com/gordian-engine/coop/cconn"
	"github.com/gordian-engine/coop/cdispatch"
	"github.com/gordian-engine/coop/cevent"
	"github.com/gordian-engine/coop/cpacket"
	"github.com/gordian-engine/coop/cpeer"
	"github.com/gordian-engine/coop/cpubsub"
	"github.com/gordian-engine/coop/creplay"
	"github.com/gordian-engine/coop/crpc"
	"github.com/gordian-engine/coop/ctransport"
	"github.com/gordian-engine/coop/cwire"
	"github.com/gordian-engine/coop/internal/ctrace"
)

// SessionConfig is the configuration for [NewSession].
type SessionConfig struct {
	// The loop that owns the session.
	// The session adds itself to the loop
	// and submits all inbound work to the loop's dispatcher.
	Loop *Loop

	Engine Engine

	Transport ctransport.Transport

	// Handlers for synchronized calls.
	// A nil registry allows no calls.
	RPC *crpc.Registry

	// RegisterPackets, if set, adds application packet handlers
	// after the session's own handlers are registered.
	// Registering a key the session already uses is an error.
	RegisterPackets func(*cpacket.TableBuilder) error

	// Optional source of recorded commands replayed each tick.
	Playback *creplay.Buffer

	Estimator cclock.EstimatorConfig

	// Event queue settings; zero values use the cevent defaults.
	MaxQueueSize int
	EventTimeout time.Duration

	// Passed to the rpc manager.
	HistorySize int

	// Name sent to clients in the hello reply.
	Name string

	// Optional. Defaults to a no-op provider.
	TracerProvider ctrace.TracerProvider
}

func (c SessionConfig) validate() {
	var panicErrs error

	if c.Loop == nil {
		panicErrs = errors.Join(panicErrs, errors.New("SessionConfig.Loop must not be nil"))
	}
	if c.Engine == nil {
		panicErrs = errors.Join(panicErrs, errors.New("SessionConfig.Engine must not be nil"))
	}
	if c.Transport == nil {
		panicErrs = errors.Join(panicErrs, errors.New("SessionConfig.Transport must not be nil"))
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// Session is the server side of one cooperative game session.
//
// Inbound packets arrive on transport goroutines through the
// [ctransport.Receiver] methods and run on the loop's owner goroutine.
// Other exported methods may be called from any goroutine;
// off the owner goroutine they block until the owner has run them.
type Session struct {
	log *slog.Logger

	loop *Loop
	d    *cdispatch.Dispatcher

	engine    Engine
	transport ctransport.Transport

	table *cpacket.Table

	playback *creplay.Buffer

	tracer ctrace.Tracer

	name string

	// Only touched on the owner goroutine.
	tick      cclock.Tick
	registry  *cpeer.Registry
	estimator *cclock.Estimator
	queue     *cevent.Queue
	rpc       *crpc.Manager
	closed    bool

	// Counters updated from transport goroutines.
	unknownPackets atomic.Uint64
	droppedPackets atomic.Uint64
	handlerErrors  atomic.Uint64
}

// NewSession returns a session that is registered with cfg.Loop.
// It panics if cfg is missing a required field
// or if cfg.RegisterPackets reports a conflicting registration.
func NewSession(ctx context.Context, log *slog.Logger, cfg SessionConfig) *Session {
	cfg.validate()

	tp := cfg.TracerProvider
	if tp == nil {
		tp = ctrace.NopTracerProvider()
	}

	s := &Session{
		log: log,

		loop: cfg.Loop,
		d:    cfg.Loop.Dispatcher(),

		engine:    cfg.Engine,
		transport: cfg.Transport,

		playback: cfg.Playback,

		tracer: tp.Tracer(ctrace.TracerName),

		name: cfg.Name,

		estimator: cclock.NewEstimator(cfg.Estimator),
	}

	s.registry = cpeer.NewRegistry(log.With("sys", "registry"), cfg.Engine)

	rpcRegistry := cfg.RPC
	if rpcRegistry == nil {
		rpcRegistry = new(crpc.RegistryBuilder).Build()
	}
	s.rpc = crpc.NewManager(log.With("sys", "rpc"), crpc.ManagerConfig{
		Registry:    rpcRegistry,
		Sender:      s,
		Tick:        func() cclock.Tick { return s.tick },
		HistorySize: cfg.HistorySize,
	})

	s.queue = cevent.NewQueue(log.With("sys", "events"), cevent.QueueConfig{
		MaximumSize:    cfg.MaxQueueSize,
		DefaultTimeout: cfg.EventTimeout,
		Peers:          s.registry.Peers,
		Broadcaster:    s,
	})

	var b cpacket.TableBuilder
	s.registerCorePackets(&b)
	if cfg.RegisterPackets != nil {
		if err := cfg.RegisterPackets(&b); err != nil {
			panic(fmt.Errorf("BUG: failed to register application packets: %w", err))
		}
	}
	s.table = b.Build()

	if err := s.loop.Add(ctx, s); err != nil {
		// Only possible if the loop has already stopped.
		log.Warn("Failed to add session to loop", "err", err)
	}

	return s
}

func (s *Session) registerCorePackets(b *cpacket.TableBuilder) {
	b.MustRegister(cconn.StateConnecting, cpacket.TypeHello, s.handleHello)
	b.MustRegister(cconn.StateConnected, cpacket.TypeTickReport, s.handleTickReport)
	b.MustRegister(cconn.StateConnected, cpacket.TypeCall, s.handleCall)
	b.MustRegister(cconn.StateConnected, cpacket.TypeCallAck, s.handleCallAck)
}

// Connected implements [ctransport.Receiver].
// Nothing is attached until the client's hello arrives.
func (s *Session) Connected(conn cconn.ID) {
	s.log.Debug("Transport connection opened", "conn", conn)
}

// Receive implements [ctransport.Receiver].
//
// The handler is resolved on the calling goroutine,
// so unroutable packets never reach the owner.
func (s *Session) Receive(ctx context.Context, p cpacket.Packet) {
	h, ok := s.table.Resolve(p.State, p.Type)
	if !ok {
		s.unknownPackets.Add(1)
		s.log.Debug(
			"Discarding packet with no handler for connection state",
			"conn", p.Conn, "state", p.State, "type", p.Type,
		)
		return
	}

	if err := s.d.Submit(ctx, func(ctx context.Context) {
		if err := h(ctx, p); err != nil {
			s.handlerErrors.Add(1)
			s.log.Info(
				"Packet handler failed",
				"conn", p.Conn, "type", p.Type, "err", err,
			)
		}
	}, false); err != nil {
		s.droppedPackets.Add(1)
		s.log.Debug("Dropping packet", "conn", p.Conn, "type", p.Type, "err", err)
	}
}

// Disconnected implements [ctransport.Receiver].
func (s *Session) Disconnected(conn cconn.ID) {
	if err := s.d.Submit(context.Background(), func(context.Context) {
		s.detach(conn, errors.New("transport disconnected"))
	}, false); err != nil {
		s.log.Debug("Dropping disconnect notification", "conn", conn, "err", err)
	}
}

// detach releases conn's peer, if any.
// Duplicate calls are no-ops.
func (s *Session) detach(conn cconn.ID, cause error) {
	h, ok := s.registry.OnDisconnected(conn)
	if !ok {
		return
	}

	s.rpc.FailPeer(h, cause)
	s.estimator.Remove(h)
}

func (s *Session) handleHello(ctx context.Context, p cpacket.Packet) error {
	// A hello queued behind the one that attached the connection
	// still carries the connecting state; it is stale, not fatal.
	if h, ok := s.registry.HandleFor(p.Conn); ok {
		s.unknownPackets.Add(1)
		s.log.Debug("Discarding hello for attached connection", "conn", p.Conn, "peer", h)
		return nil
	}

	hello, err := cwire.ParseHello(p.Payload)
	if err != nil {
		_ = s.transport.Disconnect(p.Conn, "malformed hello")
		return fmt.Errorf("failed to parse hello: %w", err)
	}

	if hello.Version != cwire.ProtocolVersion {
		_ = s.transport.Disconnect(p.Conn, "protocol version mismatch")
		return ProtocolVersionError{Got: hello.Version, Want: cwire.ProtocolVersion}
	}

	h := s.registry.NextHandle()
	if err := s.registry.OnConnected(p.Conn, h); err != nil {
		_ = s.transport.Disconnect(p.Conn, "failed to join session")
		return fmt.Errorf("failed to attach connection: %w", err)
	}

	s.estimator.Add(h)
	s.transport.SetState(p.Conn, cconn.StateConnected)

	reply := cwire.AppendHello(nil, cwire.Hello{Version: cwire.ProtocolVersion, Name: s.name})
	if err := s.transport.Send(p.Conn, cwire.EncodeFrame(cpacket.TypeHello, reply)); err != nil {
		s.log.Info("Failed to send hello reply", "conn", p.Conn, "err", err)
	}

	s.log.Info("Client joined", "conn", p.Conn, "peer", h, "name", hello.Name)
	return nil
}

func (s *Session) peerFor(conn cconn.ID) (cpeer.Handle, error) {
	h, ok := s.registry.HandleFor(conn)
	if !ok {
		return 0, UnattachedConnectionError{Conn: conn.String()}
	}
	return h, nil
}

func (s *Session) handleTickReport(ctx context.Context, p cpacket.Packet) error {
	h, err := s.peerFor(p.Conn)
	if err != nil {
		return err
	}

	t, err := cwire.ParseTickReport(p.Payload)
	if err != nil {
		return fmt.Errorf("failed to parse tick report: %w", err)
	}

	s.estimator.Observe(h, t)
	return nil
}

func (s *Session) handleCall(ctx context.Context, p cpacket.Packet) error {
	h, err := s.peerFor(p.Conn)
	if err != nil {
		return err
	}

	c, err := cwire.ParseCall(p.Payload)
	if err != nil {
		return fmt.Errorf("failed to parse call: %w", err)
	}
	c.Peer = h

	applyErr := s.rpc.Apply(ctx, c)

	// The call is acknowledged even if it failed to apply,
	// so the caller stops waiting; the failure is in the call history.
	ack := cwire.EncodeFrame(cpacket.TypeCallAck, cwire.AppendAck(nil, c.ID))
	if err := s.transport.Send(p.Conn, ack); err != nil {
		return errors.Join(applyErr, fmt.Errorf("failed to send ack: %w", err))
	}

	return applyErr
}

func (s *Session) handleCallAck(ctx context.Context, p cpacket.Packet) error {
	h, err := s.peerFor(p.Conn)
	if err != nil {
		return err
	}

	id, err := cwire.ParseAck(p.Payload)
	if err != nil {
		return fmt.Errorf("failed to parse ack: %w", err)
	}

	if !s.rpc.Acknowledge(h, id) {
		s.log.Debug("Ignoring stale or unknown ack", "peer", h, "call_id", id)
	}
	return nil
}

// Update implements [Updateable] by running one tick.
func (s *Session) Update(ctx context.Context, elapsed time.Duration) {
	if err := s.Tick(ctx, elapsed); err != nil {
		s.log.Warn("Session tick failed", "tick", s.tick, "err", err)
	}
}

// Tick runs one session tick on the owner goroutine:
// replay due commands, advance the engine and the remote clock estimates,
// then flush the event queue.
//
// An engine error is returned after the event queue has still been flushed.
func (s *Session) Tick(ctx context.Context, elapsed time.Duration) error {
	if !s.d.IsOwner(ctx) {
		panic(errors.New("BUG: Session.Tick called outside the owner goroutine"))
	}
	if s.closed {
		return ErrSessionClosed
	}

	s.tick++

	ctx, span := s.tracer.Start(ctx, "Session.Tick", ctrace.WithAttributes(
		ctrace.TickAttr(uint32(s.tick)),
		ctrace.PeerCountAttr(s.registry.Len()),
	))
	defer span.End()

	if s.playback != nil {
		s.playback.Replay(ctx, s.tick)
	}

	advanceErr := s.engine.Advance(ctx, s.tick, s)
	if advanceErr != nil {
		advanceErr = fmt.Errorf("engine failed to advance to tick %d: %w", s.tick, advanceErr)
		ctrace.SpanError(span, advanceErr)
		span.SetAttributes(ctrace.ErrorAttr(advanceErr))
	}

	for _, p := range s.registry.Peers() {
		s.estimator.Advance(p, 1)
	}

	s.queue.Update(elapsed)

	return advanceErr
}

// ObserveRemoteTick implements [PeerSync].
func (s *Session) ObserveRemoteTick(peer cpeer.Handle, tick cclock.Tick) {
	s.estimator.Observe(peer, tick)
}

// Acknowledge implements [PeerSync].
func (s *Session) Acknowledge(peer cpeer.Handle, id crpc.CallID) {
	s.rpc.Acknowledge(peer, id)
}

// SendToPeer implements [PeerSync].
func (s *Session) SendToPeer(peer cpeer.Handle, t cpacket.Type, payload []byte) error {
	conn, ok := s.registry.ConnFor(peer)
	if !ok {
		return fmt.Errorf("no connection for peer %d", peer)
	}
	return s.transport.Send(conn, cwire.EncodeFrame(t, payload))
}

// VisibilitySet implements [PeerSync].
func (s *Session) VisibilitySet(peer cpeer.Handle) *bitset.BitSet {
	return s.registry.VisibilitySet(peer)
}

// SendCall implements [crpc.Sender].
func (s *Session) SendCall(c crpc.Call) error {
	return s.SendToPeer(c.Peer, cpacket.TypeCall, cwire.AppendCall(nil, c))
}

// BroadcastEvent implements [cevent.Broadcaster].
func (s *Session) BroadcastEvent(peer cpeer.Handle, ev cevent.Event) error {
	return s.SendToPeer(peer, cpacket.TypeEvent, cwire.AppendEvent(nil, ev))
}

// onOwner runs fn on the owner goroutine and waits for it.
func (s *Session) onOwner(ctx context.Context, fn func(ctx context.Context)) error {
	if err := s.d.Submit(ctx, fn, true); err != nil {
		return fmt.Errorf("failed to run on session owner: %w", err)
	}
	return nil
}

// Invoke issues a synchronized call of handler on peer.
func (s *Session) Invoke(
	ctx context.Context, peer cpeer.Handle, handler crpc.HandlerID, args []byte,
) (*crpc.Pending, error) {
	var p *crpc.Pending
	var err error
	if runErr := s.onOwner(ctx, func(context.Context) {
		if s.closed {
			err = ErrSessionClosed
			return
		}
		p, err = s.rpc.Invoke(ctx, peer, handler, args)
	}); runErr != nil {
		return nil, runErr
	}
	return p, err
}

// Enqueue adds ev to the broadcast queue.
// A non-positive timeout uses the configured default.
func (s *Session) Enqueue(ctx context.Context, ev cevent.Event, timeout time.Duration) error {
	var err error
	if runErr := s.onOwner(ctx, func(context.Context) {
		if s.closed {
			err = ErrSessionClosed
			return
		}
		err = s.queue.Enqueue(ev, timeout)
	}); runErr != nil {
		return runErr
	}
	return err
}

// AddEntity makes e known to the session and visible to every peer.
func (s *Session) AddEntity(ctx context.Context, e cpeer.EntityID) error {
	return s.onOwner(ctx, func(context.Context) {
		s.registry.AddEntity(e)
	})
}

// RemoveEntity hides e from every peer and forgets it.
func (s *Session) RemoveEntity(ctx context.Context, e cpeer.EntityID) error {
	return s.onOwner(ctx, func(context.Context) {
		s.registry.RemoveEntity(e)
	})
}

// PeerChanges returns the stream position from which
// every later peer join and leave is published.
// The stream may be followed from any goroutine with [cpubsub.Follow].
func (s *Session) PeerChanges(ctx context.Context) (*cpubsub.Stream[cpeer.Change], error) {
	var stream *cpubsub.Stream[cpeer.Change]
	if err := s.onOwner(ctx, func(context.Context) {
		stream = s.registry.Changes()
	}); err != nil {
		return nil, err
	}
	return stream, nil
}

// Registry returns the session's peer registry.
// It must only be used on the owner goroutine.
func (s *Session) Registry() *cpeer.Registry {
	return s.registry
}

// CurrentTick returns the last tick run.
// It must only be called on the owner goroutine.
func (s *Session) CurrentTick() cclock.Tick {
	return s.tick
}

// Close tears the session down:
// it leaves the loop, resolves every pending call with [ErrSessionClosed],
// and removes every peer from the engine.
// Close is idempotent.
//
// If the loop has already stopped, teardown runs on the calling goroutine.
func (s *Session) Close(ctx context.Context) error {
	err := s.d.Submit(ctx, s.teardown, true)
	if errors.Is(err, cdispatch.ErrClosed) {
		// No owner is running, so the caller may act as the owner.
		s.teardown(ctx)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

func (s *Session) teardown(ctx context.Context) {
	if s.closed {
		return
	}
	s.closed = true

	if err := s.loop.Remove(ctx, s); err != nil {
		s.log.Debug("Failed to remove session from loop", "err", err)
	}

	s.rpc.Close()

	for _, h := range s.registry.Peers() {
		conn, _ := s.registry.ConnFor(h)
		s.registry.OnDisconnected(conn)
		s.estimator.Remove(h)
		_ = s.transport.Disconnect(conn, "session closed")
	}

	s.log.Info("Session closed", "tick", s.tick)
}
