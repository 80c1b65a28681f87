package nio

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Debug enables verbose frame tracing.
var Debug = false

type tlsHandshakeTimeoutError struct{}

func (tlsHandshakeTimeoutError) Timeout() bool   { return true }
func (tlsHandshakeTimeoutError) Temporary() bool { return true }
func (tlsHandshakeTimeoutError) Error() string   { return "mhttp: TLS handshake timeout" }

// ErrHandshakeTimeout is returned by HandshakeTimeout when d expires first. It implements
// net.Error with Timeout() true.
var ErrHandshakeTimeout net.Error = tlsHandshakeTimeoutError{}

// HandshakeTimeout runs the TLS handshake bounded by d (3s if zero) and by ctx. On failure
// the underlying plain connection is closed, to release the transport.
func HandshakeTimeout(ctx context.Context, tlsConn *tls.Conn, d time.Duration, plainConn net.Conn) error {
	if d == 0 {
		d = 3 * time.Second
	}
	hctx, cf := context.WithTimeout(ctx, d)
	defer cf()

	err := tlsConn.HandshakeContext(hctx)
	if err == nil {
		return nil
	}
	if plainConn != nil {
		plainConn.Close()
	} else {
		tlsConn.Close()
	}
	if ctx.Err() == nil && hctx.Err() == context.DeadlineExceeded {
		return ErrHandshakeTimeout
	}
	return err
}
