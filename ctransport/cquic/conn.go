package cquic

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ApplicationErrorCode is used for [Conn.CloseWithError].
type ApplicationErrorCode uint64

// Application error codes sent when closing a connection.
const (
	CodeNormal ApplicationErrorCode = iota
	CodeProtocolViolation
	CodeShuttingDown
)

// StreamErrorCode is used for [ReceiveStream.CancelRead]
// and [SendStream.CancelWrite].
type StreamErrorCode uint64

// Stream error codes.
const (
	StreamCodeFrameTooLarge StreamErrorCode = iota + 1
	StreamCodeClosing
)

// Conn is the subset of a QUIC connection used by the transport.
// Use [WrapConn] to adapt a [quic.Connection].
type Conn interface {
	AcceptUniStream(context.Context) (ReceiveStream, error)
	OpenUniStreamSync(context.Context) (SendStream, error)

	SendDatagram([]byte) error
	ReceiveDatagram(context.Context) ([]byte, error)

	CloseWithError(code ApplicationErrorCode, msg string) error

	// Canceled when the connection closes for any reason.
	Context() context.Context

	RemoteAddr() net.Addr
}

// ReceiveStream is the read side of a unidirectional stream.
type ReceiveStream interface {
	Read([]byte) (int, error)
	CancelRead(StreamErrorCode)
	SetReadDeadline(time.Time) error
}

// SendStream is the write side of a unidirectional stream.
type SendStream interface {
	Write([]byte) (int, error)
	CancelWrite(StreamErrorCode)
	Close() error
	SetWriteDeadline(time.Time) error
}

var _ Conn = ConnAdapter{}

// ConnAdapter wraps a [quic.Connection], implementing [Conn].
type ConnAdapter struct {
	qc quic.Connection
}

// WrapConn wraps qc so it satisfies [Conn].
func WrapConn(qc quic.Connection) ConnAdapter {
	return ConnAdapter{qc: qc}
}

func (c ConnAdapter) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	s, err := c.qc.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return receiveStreamAdapter{s: s}, nil
}

func (c ConnAdapter) OpenUniStreamSync(ctx context.Context) (SendStream, error) {
	s, err := c.qc.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return sendStreamAdapter{s: s}, nil
}

func (c ConnAdapter) SendDatagram(p []byte) error {
	return c.qc.SendDatagram(p)
}

func (c ConnAdapter) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.qc.ReceiveDatagram(ctx)
}

func (c ConnAdapter) CloseWithError(code ApplicationErrorCode, msg string) error {
	if (code >> 62) > 0 {
		panic(fmt.Errorf(
			"BUG: application error code must fit in 62 bits (got 0x%x)", code,
		))
	}
	return c.qc.CloseWithError(quic.ApplicationErrorCode(code), msg)
}

func (c ConnAdapter) Context() context.Context { return c.qc.Context() }

func (c ConnAdapter) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }

type receiveStreamAdapter struct {
	s quic.ReceiveStream
}

func (a receiveStreamAdapter) Read(p []byte) (int, error) { return a.s.Read(p) }

func (a receiveStreamAdapter) CancelRead(code StreamErrorCode) {
	a.s.CancelRead(quic.StreamErrorCode(code))
}

func (a receiveStreamAdapter) SetReadDeadline(t time.Time) error {
	return a.s.SetReadDeadline(t)
}

type sendStreamAdapter struct {
	s quic.SendStream
}

func (a sendStreamAdapter) Write(p []byte) (int, error) { return a.s.Write(p) }

func (a sendStreamAdapter) CancelWrite(code StreamErrorCode) {
	a.s.CancelWrite(quic.StreamErrorCode(code))
}

func (a sendStreamAdapter) Close() error { return a.s.Close() }

func (a sendStreamAdapter) SetWriteDeadline(t time.Time) error {
	return a.s.SetWriteDeadline(t)
}

// DefaultQUICConfig returns the quic-go configuration
// expected by the transport.
// Datagrams must be enabled for datagram frame types to be used.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: 5 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

// WrapListener adapts ql to a [Listener].
func WrapListener(ql *quic.Listener) Listener {
	return AcceptFunc(func(ctx context.Context) (Conn, error) {
		qc, err := ql.Accept(ctx)
		if err != nil {
			return nil, err
		}
		return WrapConn(qc), nil
	})
}
