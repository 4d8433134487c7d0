// Package cquictest contains in-memory implementations of [cquic.Conn]
// for tests that do not need a real QUIC stack.
package cquictest

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gordian-engine/coop/ctransport/cquic"
)

// PipeConn is one end of an in-memory connection pair
// created by [NewPipe].
type PipeConn struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	peer *PipeConn

	// Streams opened by the peer, awaiting AcceptUniStream.
	incoming chan cquic.ReceiveStream

	datagrams chan []byte

	addr pipeAddr

	// Set when this side called CloseWithError.
	CloseCode   cquic.ApplicationErrorCode
	CloseReason string
}

var _ cquic.Conn = (*PipeConn)(nil)

// ErrPipeClosed is the cause of a PipeConn's context when either end closes.
var ErrPipeClosed = errors.New("pipe closed")

// NewPipe returns two connected ends.
// Both ends close when ctx is canceled.
func NewPipe(ctx context.Context) (a, b *PipeConn) {
	ctx, cancel := context.WithCancelCause(ctx)

	a = newPipeEnd(ctx, cancel, "pipe-a")
	b = newPipeEnd(ctx, cancel, "pipe-b")
	a.peer, b.peer = b, a
	return a, b
}

func newPipeEnd(ctx context.Context, cancel context.CancelCauseFunc, name string) *PipeConn {
	return &PipeConn{
		ctx:    ctx,
		cancel: cancel,

		incoming:  make(chan cquic.ReceiveStream, 8),
		datagrams: make(chan []byte, 32),

		addr: pipeAddr(name),
	}
}

// AcceptUniStream implements [cquic.Conn].
func (c *PipeConn) AcceptUniStream(ctx context.Context) (cquic.ReceiveStream, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-c.ctx.Done():
		return nil, context.Cause(c.ctx)
	case s := <-c.incoming:
		return s, nil
	}
}

// OpenUniStreamSync implements [cquic.Conn].
func (c *PipeConn) OpenUniStreamSync(ctx context.Context) (cquic.SendStream, error) {
	pr, pw := io.Pipe()

	// Closing the connection unblocks both ends of the stream.
	context.AfterFunc(c.ctx, func() {
		_ = pr.CloseWithError(ErrPipeClosed)
	})

	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-c.ctx.Done():
		return nil, context.Cause(c.ctx)
	case c.peer.incoming <- pipeReceiveStream{pr: pr}:
		return pipeSendStream{pw: pw}, nil
	}
}

// SendDatagram implements [cquic.Conn].
// Datagrams are dropped if the peer's buffer is full.
func (c *PipeConn) SendDatagram(p []byte) error {
	if err := context.Cause(c.ctx); err != nil {
		return err
	}

	select {
	case c.peer.datagrams <- append([]byte(nil), p...):
	default:
	}
	return nil
}

// ReceiveDatagram implements [cquic.Conn].
func (c *PipeConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-c.ctx.Done():
		return nil, context.Cause(c.ctx)
	case b := <-c.datagrams:
		return b, nil
	}
}

// CloseWithError implements [cquic.Conn].
// It closes both ends.
func (c *PipeConn) CloseWithError(code cquic.ApplicationErrorCode, msg string) error {
	c.CloseCode = code
	c.CloseReason = msg
	c.cancel(ErrPipeClosed)
	return nil
}

// Context implements [cquic.Conn].
func (c *PipeConn) Context() context.Context {
	return c.ctx
}

// RemoteAddr implements [cquic.Conn].
func (c *PipeConn) RemoteAddr() net.Addr {
	return c.peer.addr
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

type pipeReceiveStream struct {
	pr *io.PipeReader
}

func (s pipeReceiveStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s pipeReceiveStream) CancelRead(cquic.StreamErrorCode) {
	_ = s.pr.CloseWithError(ErrPipeClosed)
}

func (s pipeReceiveStream) SetReadDeadline(time.Time) error { return nil }

type pipeSendStream struct {
	pw *io.PipeWriter
}

func (s pipeSendStream) Write(p []byte) (int, error) { return s.pw.Write(p) }

func (s pipeSendStream) CancelWrite(cquic.StreamErrorCode) {
	_ = s.pw.CloseWithError(ErrPipeClosed)
}

func (s pipeSendStream) Close() error { return s.pw.Close() }

func (s pipeSendStream) SetWriteDeadline(time.Time) error { return nil }
