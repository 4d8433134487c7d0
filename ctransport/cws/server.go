// Package cws is a websocket [ctransport.Transport]
// built on gorilla/websocket.
//
// Each connection has one goroutine reading frames,
// which is the HTTP handler goroutine,
// and one goroutine writing frames from a bounded outbound queue.
// Every websocket message carries exactly one frame.
package cws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gordian-engine/coop/cconn"
	"github.com/gordian-engine/coop/ctransport"
	"github.com/gorilla/websocket"
)

// Default values for [ServerConfig].
const (
	DefaultOutboundQueueSize = 64
	DefaultWriteTimeout      = 5 * time.Second
	DefaultReadLimit         = 1 << 20
)

// ServerConfig is the configuration for [NewServer].
type ServerConfig struct {
	// Frames buffered per connection before Send fails.
	OutboundQueueSize int

	WriteTimeout time.Duration

	// Largest inbound message accepted.
	ReadLimit int64

	// Passed through to the upgrader.
	// If nil, every origin is accepted.
	CheckOrigin func(*http.Request) bool
}

// QueueFullError is returned from [*Server.Send]
// when a connection's outbound queue is full.
// The frame is dropped; the connection stays open.
type QueueFullError struct {
	Conn cconn.ID
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("outbound queue full for connection %s", e.Conn)
}

var errServerClosed = errors.New("websocket server closed")

// Server accepts websocket connections over HTTP.
type Server struct {
	log *slog.Logger

	// Passed to the receiver with every packet.
	ctx context.Context

	r ctransport.Receiver

	cfg ServerConfig

	upgrader websocket.Upgrader

	states ctransport.StateTable

	mu     sync.Mutex
	conns  map[cconn.ID]*conn
	closed bool

	wg sync.WaitGroup
}

type conn struct {
	id cconn.ID
	ws *websocket.Conn

	out chan []byte

	closeOnce   sync.Once
	closing     chan struct{}
	closeReason string
}

func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.closing)
	})
}

// NewServer returns a Server delivering packets to r.
// The server stops accepting connections
// and closes every open connection when ctx is canceled.
func NewServer(ctx context.Context, log *slog.Logger, r ctransport.Receiver, cfg ServerConfig) *Server {
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	s := &Server{
		log: log,
		ctx: ctx,
		r:   r,
		cfg: cfg,

		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},

		conns: map[cconn.ID]*conn{},
	}

	context.AfterFunc(ctx, s.Close)

	return s
}

// ServeHTTP upgrades the request and serves the connection
// until either side closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// The upgrader has already written an error response.
		s.log.Debug("Websocket upgrade failed", "remote", req.RemoteAddr, "err", err)
		return
	}

	c := &conn{
		id:      cconn.NewID(),
		ws:      ws,
		out:     make(chan []byte, s.cfg.OutboundQueueSize),
		closing: make(chan struct{}),
	}

	if err := s.register(c); err != nil {
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
			time.Now().Add(s.cfg.WriteTimeout),
		)
		_ = ws.Close()
		return
	}

	log := s.log.With("conn", c.id, "remote", req.RemoteAddr)
	log.Info("Accepted websocket connection")

	s.r.Connected(c.id)

	writerDone := make(chan struct{})
	go s.writeLoop(log, c, writerDone)

	s.readLoop(log, c)

	c.close("read loop ended")
	<-writerDone

	s.unregister(c)
	s.r.Disconnected(c.id)
	log.Info("Websocket connection closed")
}

func (s *Server) register(c *conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errServerClosed
	}
	s.conns[c.id] = c
	s.states.Add(c.id)
	s.wg.Add(1)
	return nil
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	s.states.Remove(c.id)
	s.wg.Done()
}

func (s *Server) readLoop(log *slog.Logger, c *conn) {
	c.ws.SetReadLimit(s.cfg.ReadLimit)

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("Websocket read failed", "err", err)
			}
			return
		}

		if mt != websocket.BinaryMessage {
			log.Debug("Ignoring non-binary websocket message", "type", mt)
			continue
		}

		// Delivery errors are already logged and never fatal to the connection.
		_ = ctransport.Deliver(s.ctx, log, s.r, &s.states, c.id, data)
	}
}

func (s *Server) writeLoop(log *slog.Logger, c *conn, done chan<- struct{}) {
	defer close(done)
	defer c.ws.Close()

	for {
		select {
		case <-c.closing:
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason),
				time.Now().Add(s.cfg.WriteTimeout),
			)
			return

		case frame := <-c.out:
			if err := c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				log.Info("Failed to set websocket write deadline", "err", err)
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				log.Info("Websocket write failed", "err", err)

				// Closing the socket unblocks the read loop.
				return
			}
		}
	}
}

// Send queues frame for conn without blocking.
func (s *Server) Send(id cconn.ID, frame []byte) error {
	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cannot send to %s: %w", id, ctransport.ErrUnknownConnection)
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
func (s *Server) SetState(id cconn.ID, st cconn.State) {
	s.states.Set(id, st)
}

// Disconnect closes the connection with a normal close frame.
func (s *Server) Disconnect(id cconn.ID, reason string) error {
	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cannot disconnect %s: %w", id, ctransport.ErrUnknownConnection)
	}

	s.states.Set(id, cconn.StateDisconnecting)
	c.close(reason)
	return nil
}

// Len reports the number of open connections.
func (s *Server) Len() int {
	return s.states.Len()
}

// Close stops accepting connections and closes every open one.
// It does not wait for handlers to return; use Wait for that.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close("server closing")
	}
}

// Wait blocks until every connection handler has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}
