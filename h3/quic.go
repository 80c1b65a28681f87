package h3

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"

	"github.com/quic-go/quic-go"
)

// NextProtoH3 is the ALPN protocol id of HTTP/3.
const NextProtoH3 = "h3"

// Stream is a bidirectional request stream.
type Stream interface {
	io.Reader
	io.Writer

	// Close ends the send side (FIN).
	Close() error

	StreamID() int64
	CancelRead(code ErrorCode)
	CancelWrite(code ErrorCode)
}

// ReceiveStream is a unidirectional stream opened by the peer.
type ReceiveStream interface {
	io.Reader
	StreamID() int64
	CancelRead(code ErrorCode)
}

// SendStream is a unidirectional stream opened locally.
type SendStream interface {
	io.Writer
	Close() error
	CancelWrite(code ErrorCode)
}

// QuicConn is the part of a QUIC connection used by the HTTP/3 client.
type QuicConn interface {
	OpenStreamSync(ctx context.Context) (Stream, error)
	OpenUniStream() (SendStream, error)
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)
	CloseWithError(code ErrorCode, reason string) error

	// Context is done when the connection is closed.
	Context() context.Context

	TLS() tls.ConnectionState
}

// DialFunc opens a QUIC connection negotiating h3.
type DialFunc func(ctx context.Context, addr string, tlsConf *tls.Config) (QuicConn, error)

// Dialer returns a DialFunc using quic-go with conf, which may be nil.
func Dialer(conf *quic.Config) DialFunc {
	return func(ctx context.Context, addr string, tlsConf *tls.Config) (QuicConn, error) {
		return DialQUIC(ctx, addr, tlsConf, conf)
	}
}

// DialQUIC connects to addr with ALPN h3.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, conf *quic.Config) (QuicConn, error) {
	tc := tlsConf.Clone()
	tc.NextProtos = []string{NextProtoH3}
	c, err := quic.DialAddr(ctx, addr, tc, conf)
	if err != nil {
		return nil, err
	}
	if p := c.ConnectionState().TLS.NegotiatedProtocol; p != NextProtoH3 {
		c.CloseWithError(quic.ApplicationErrorCode(ErrCodeVersionFallback), "alpn "+p)
		return nil, errors.New("h3: server negotiated " + p)
	}
	return &quicConn{c: c}, nil
}

// TransportFailure reports whether a connect error originates in the QUIC transport -
// handshake or idle timeout, transport error, stateless reset, network error - rather
// than an application-level close or a cancelled context.
func TransportFailure(err error) bool {
	if err == nil {
		return false
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var (
		transportErr *quic.TransportError
		idleErr      *quic.IdleTimeoutError
		hsErr        *quic.HandshakeTimeoutError
		resetErr     *quic.StatelessResetError
		vnErr        *quic.VersionNegotiationError
		netErr       net.Error
	)
	return errors.As(err, &transportErr) || errors.As(err, &idleErr) ||
		errors.As(err, &hsErr) || errors.As(err, &resetErr) ||
		errors.As(err, &vnErr) || errors.As(err, &netErr)
}

type quicConn struct {
	c quic.Connection
}

func (q *quicConn) OpenStreamSync(ctx context.Context) (Stream, error) {
	s, err := q.c.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{s}, nil
}

func (q *quicConn) OpenUniStream() (SendStream, error) {
	s, err := q.c.OpenUniStream()
	if err != nil {
		return nil, err
	}
	return sendStream{s}, nil
}

func (q *quicConn) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	s, err := q.c.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return receiveStream{s}, nil
}

func (q *quicConn) CloseWithError(code ErrorCode, reason string) error {
	return q.c.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (q *quicConn) Context() context.Context {
	return q.c.Context()
}

func (q *quicConn) TLS() tls.ConnectionState {
	return q.c.ConnectionState().TLS
}

type quicStream struct {
	s quic.Stream
}

func (s quicStream) Read(p []byte) (int, error)  { return s.s.Read(p) }
func (s quicStream) Write(p []byte) (int, error) { return s.s.Write(p) }
func (s quicStream) Close() error                { return s.s.Close() }
func (s quicStream) StreamID() int64             { return int64(s.s.StreamID()) }
func (s quicStream) CancelRead(code ErrorCode) {
	s.s.CancelRead(quic.StreamErrorCode(code))
}
func (s quicStream) CancelWrite(code ErrorCode) {
	s.s.CancelWrite(quic.StreamErrorCode(code))
}

type sendStream struct {
	s quic.SendStream
}

func (s sendStream) Write(p []byte) (int, error) { return s.s.Write(p) }
func (s sendStream) Close() error                { return s.s.Close() }
func (s sendStream) CancelWrite(code ErrorCode) {
	s.s.CancelWrite(quic.StreamErrorCode(code))
}

type receiveStream struct {
	s quic.ReceiveStream
}

func (s receiveStream) Read(p []byte) (int, error) { return s.s.Read(p) }
func (s receiveStream) StreamID() int64            { return int64(s.s.StreamID()) }
func (s receiveStream) CancelRead(code ErrorCode) {
	s.s.CancelRead(quic.StreamErrorCode(code))
}
