// Package cquic is a QUIC [ctransport.Transport] built on quic-go.
//
// Frames are written to a single outbound unidirectional stream
// per connection, each prefixed with its length,
// so reliable frames keep their order.
// Frames whose packet type is configured as a datagram type
// are sent as QUIC datagrams instead, when they fit;
// those may be lost or reordered.
package cquic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gordian-engine/coop/cconn"
	"github.com/gordian-engine/coop/cpacket"
	"github.com/gordian-engine/coop/ctransport"
)

// Default values for [Config].
const (
	DefaultOutboundQueueSize = 64
	DefaultWriteTimeout      = 5 * time.Second
	DefaultMaxFrameSize      = 1 << 20

	// Conservative bound that fits in a datagram
	// on any path with the minimum QUIC MTU.
	DefaultMaxDatagramSize = 1100
)

// Config is the configuration for [New].
type Config struct {
	OutboundQueueSize int
	WriteTimeout      time.Duration

	// Largest inbound stream frame accepted.
	MaxFrameSize int

	// Frames of these packet types are sent as datagrams
	// when they are no larger than MaxDatagramSize.
	// Only frames that tolerate loss belong here,
	// such as tick reports that are superseded every tick.
	DatagramTypes []cpacket.Type

	MaxDatagramSize int
}

// QueueFullError is returned from [*Transport.Send]
// when a connection's outbound queue is full.
type QueueFullError struct {
	Conn cconn.ID
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("outbound queue full for connection %s", e.Conn)
}

// Listener accepts inbound QUIC connections.
// It is satisfied by an adapter over [*quic.Listener];
// see [AcceptFunc].
type Listener interface {
	Accept(context.Context) (Conn, error)
}

// AcceptFunc adapts a function to a [Listener].
type AcceptFunc func(context.Context) (Conn, error)

// Accept implements [Listener].
func (f AcceptFunc) Accept(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// Transport serves QUIC connections for a single receiver.
type Transport struct {
	log *slog.Logger

	ctx context.Context

	r ctransport.Receiver

	cfg Config

	datagram [256]bool

	states ctransport.StateTable

	mu    sync.Mutex
	conns map[cconn.ID]*conn

	wg sync.WaitGroup
}

type conn struct {
	id cconn.ID
	qc Conn

	out chan []byte

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   ApplicationErrorCode
	closeReason string
}

func (c *conn) close(code ApplicationErrorCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closing)
	})
}

// New returns a Transport delivering packets to r.
// Every connection is closed when ctx is canceled.
func New(ctx context.Context, log *slog.Logger, r ctransport.Receiver, cfg Config) *Transport {
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = DefaultMaxDatagramSize
	}

	t := &Transport{
		log: log,
		ctx: ctx,
		r:   r,
		cfg: cfg,

		conns: map[cconn.ID]*conn{},
	}
	for _, typ := range cfg.DatagramTypes {
		t.datagram[typ] = true
	}
	return t
}

// Serve accepts connections from ln until ln fails or ctx is canceled,
// handling each one in its own goroutine.
func (t *Transport) Serve(ctx context.Context, ln Listener) error {
	for {
		qc, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return fmt.Errorf("failed to accept QUIC connection: %w", err)
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.Handle(qc)
		}()
	}
}

// Handle serves qc until it closes.
func (t *Transport) Handle(qc Conn) {
	c := &conn{
		id:      cconn.NewID(),
		qc:      qc,
		out:     make(chan []byte, t.cfg.OutboundQueueSize),
		closing: make(chan struct{}),
	}

	t.mu.Lock()
	t.conns[c.id] = c
	t.mu.Unlock()
	t.states.Add(c.id)

	log := t.log.With("conn", c.id, "remote", qc.RemoteAddr())
	log.Info("Accepted QUIC connection")

	t.r.Connected(c.id)

	ctx, cancel := context.WithCancel(t.ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		t.writeLoop(ctx, log, c)
	}()
	go func() {
		defer wg.Done()
		t.acceptStreams(ctx, log, c)
	}()
	go func() {
		defer wg.Done()
		t.readDatagrams(ctx, log, c)
	}()

	select {
	case <-c.closing:
	case <-qc.Context().Done():
		c.close(CodeNormal, "connection closed")
	case <-ctx.Done():
		c.close(CodeShuttingDown, "server shutting down")
	}

	if err := qc.CloseWithError(c.closeCode, c.closeReason); err != nil {
		log.Debug("Error closing QUIC connection", "err", err)
	}
	cancel()
	wg.Wait()

	t.mu.Lock()
	delete(t.conns, c.id)
	t.mu.Unlock()
	t.states.Remove(c.id)

	t.r.Disconnected(c.id)
	log.Info("QUIC connection closed", "reason", c.closeReason)
}

func (t *Transport) writeLoop(ctx context.Context, log *slog.Logger, c *conn) {
	s, err := c.qc.OpenUniStreamSync(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Info("Failed to open outbound stream", "err", err)
			c.close(CodeNormal, "failed to open stream")
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			s.CancelWrite(StreamCodeClosing)
			return

		case frame := <-c.out:
			if err := s.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				log.Info("Failed to set write deadline", "err", err)
				c.close(CodeNormal, "write failed")
				return
			}
			if err := WriteFrame(s, frame); err != nil {
				log.Info("Stream write failed", "err", err)
				c.close(CodeNormal, "write failed")
				return
			}
		}
	}
}

func (t *Transport) acceptStreams(ctx context.Context, log *slog.Logger, c *conn) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		s, err := c.qc.AcceptUniStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("Stopped accepting streams", "err", err)
			}
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			t.readStream(ctx, log, c, s)
		}()
	}
}

func (t *Transport) readStream(ctx context.Context, log *slog.Logger, c *conn, s ReceiveStream) {
	// Unblock the read when the connection is done.
	stop := context.AfterFunc(ctx, func() {
		s.CancelRead(StreamCodeClosing)
	})
	defer stop()

	for {
		frame, err := ReadFrame(s, t.cfg.MaxFrameSize)
		if err != nil {
			var tooLarge *FrameTooLargeError
			switch {
			case errors.As(err, &tooLarge):
				log.Info("Peer sent oversized frame", "size", tooLarge.Size)
				s.CancelRead(StreamCodeFrameTooLarge)
				c.close(CodeProtocolViolation, "frame too large")
			case errors.Is(err, io.EOF):
				// Peer finished the stream.
			default:
				if ctx.Err() == nil {
					log.Debug("Stream read failed", "err", err)
				}
			}
			return
		}

		_ = ctransport.Deliver(t.ctx, log, t.r, &t.states, c.id, frame)
	}
}

func (t *Transport) readDatagrams(ctx context.Context, log *slog.Logger, c *conn) {
	for {
		b, err := c.qc.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("Stopped receiving datagrams", "err", err)
			}
			return
		}

		_ = ctransport.Deliver(t.ctx, log, t.r, &t.states, c.id, b)
	}
}

func (t *Transport) lookup(id cconn.ID) (*conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[id]
	return c, ok
}

// Send implements [ctransport.Transport].
func (t *Transport) Send(id cconn.ID, frame []byte) error {
	c, ok := t.lookup(id)
	if !ok {
		return fmt.Errorf("cannot send to %s: %w", id, ctransport.ErrUnknownConnection)
	}

	if len(frame) > 0 && t.datagram[frame[0]] && len(frame) <= t.cfg.MaxDatagramSize {
		err := c.qc.SendDatagram(frame)
		if err == nil {
			return nil
		}
		// Fall back to the stream.
		t.log.Debug("Datagram send failed", "conn", id, "err", err)
	}

	select {
	case <-c.closing:
		return fmt.Errorf("cannot send to closing connection %s: %w", id, ctransport.ErrUnknownConnection)
	case c.out <- frame:
		return nil
	default:
		return &QueueFullError{Conn: id}
	}
}

// SetState implements [ctransport.Transport].
func (t *Transport) SetState(id cconn.ID, s cconn.State) {
	t.states.Set(id, s)
}

// Disconnect implements [ctransport.Transport].
func (t *Transport) Disconnect(id cconn.ID, reason string) error {
	c, ok := t.lookup(id)
	if !ok {
		return fmt.Errorf("cannot disconnect %s: %w", id, ctransport.ErrUnknownConnection)
	}

	t.states.Set(id, cconn.StateDisconnecting)
	c.close(CodeNormal, reason)
	return nil
}

// Len reports the number of open connections.
func (t *Transport) Len() int {
	return t.states.Len()
}

// Wait blocks until every connection started by Serve has been handled.
func (t *Transport) Wait() {
	t.wg.Wait()
}
