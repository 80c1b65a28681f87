package mhttp

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/costinm/mhttp/altsvc"
	"github.com/costinm/mhttp/nio"
	"github.com/pkg/errors"
)

// ErrH3RequiresTLS is returned when HTTP/3 only is requested for a plaintext origin.
var ErrH3RequiresTLS = errors.New("mhttp: HTTP/3 requires an https origin")

// ALPNDowngradeError is returned by an HTTP/2 attempt when the server selected HTTP/1.1.
// Conn is the established TLS connection, usable for HTTP/1.1 without a new handshake.
type ALPNDowngradeError struct {
	Conn     *tls.Conn
	Protocol string
}

func (e *ALPNDowngradeError) Error() string {
	p := e.Protocol
	if p == "" {
		p = "no ALPN"
	}
	return "mhttp: server selected " + p + " instead of h2"
}

// ConnectTimeoutError is returned when a connection attempt did not complete within
// the connect timeout.
type ConnectTimeoutError struct {
	Proto string
	Addr  string
	Err   error
}

func (e *ConnectTimeoutError) Error() string {
	return "mhttp: " + e.Proto + " connect to " + e.Addr + " timed out"
}

func (e *ConnectTimeoutError) Unwrap() error { return e.Err }
func (e *ConnectTimeoutError) Timeout() bool { return true }

func isConnectTimeout(err error) bool {
	var te *ConnectTimeoutError
	return errors.As(err, &te)
}

// connectError turns the error of an attempt bounded by dctx into a ConnectTimeoutError if
// the connect timeout expired, or the transport gave up with a timeout of its own (QUIC
// handshake and idle timeouts), rather than the caller's context.
func connectError(ctx, dctx context.Context, proto, addr string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var ne net.Error
	if dctx.Err() == context.DeadlineExceeded || errors.Is(err, nio.ErrHandshakeTimeout) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return &ConnectTimeoutError{Proto: proto, Addr: addr, Err: err}
	}
	return err
}

// tlsConfig returns the TLS config for a connection to origin o: the server name is the
// origin host, also for alternate services.
func (c *Client) tlsConfig(o altsvc.Origin, protos ...string) *tls.Config {
	conf := c.TLSConfig.Clone()
	conf.ServerName = o.Host
	conf.NextProtos = protos
	return conf
}

// dialTCP opens a plain connection to addr, bounded by the connect timeout.
func (c *Client) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	dctx, cf := context.WithTimeout(ctx, c.Config.ConnectTimeout.Duration)
	defer cf()
	nc, err := c.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, connectError(ctx, dctx, "tcp", addr, err)
	}
	return nc, nil
}

// dialTLS connects to origin o offering protos with ALPN. The handshake is bounded by the
// connect timeout; on failure the raw connection is closed.
func (c *Client) dialTLS(ctx context.Context, o altsvc.Origin, protos ...string) (*tls.Conn, error) {
	addr := o.Authority()
	nc, err := c.dialTCP(ctx, addr)
	if err != nil {
		return nil, err
	}
	tc := tls.Client(nc, c.tlsConfig(o, protos...))
	if err := nio.HandshakeTimeout(ctx, tc, c.Config.ConnectTimeout.Duration, nc); err != nil {
		if errors.Is(err, nio.ErrHandshakeTimeout) {
			return nil, &ConnectTimeoutError{Proto: "tls", Addr: addr, Err: err}
		}
		return nil, errors.Wrapf(err, "mhttp: tls %s", addr)
	}
	return tc, nil
}
