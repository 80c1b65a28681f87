package mhttp

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/pkg/errors"
)

// bufConn keeps the read buffer of a connection returned to the idle pool.
type bufConn struct {
	net.Conn
	br *bufio.Reader
}

func (b *bufConn) Read(p []byte) (int, error) {
	return b.br.Read(p)
}

// h1Exchange runs one HTTP/1.1 request on a connection it owns until the response body
// is consumed, when a reusable connection returns to the idle pool.
type h1Exchange struct {
	c    *Client
	key  string
	conn net.Conn
	br   *bufio.Reader

	// upgrade asks for h2c with the request.
	upgrade bool

	mu       sync.Mutex
	body     io.Closer
	canceled bool
	released bool
}

func (c *Client) newH1Exchange(key string, nc net.Conn) *h1Exchange {
	x := &h1Exchange{c: c, key: key, conn: nc}
	if bc, ok := nc.(*bufConn); ok {
		x.conn, x.br = bc.Conn, bc.br
	} else {
		x.br = bufio.NewReader(nc)
	}
	return x
}

// h1Conn returns an idle connection for e, or dials a new one. Secure origins negotiate
// http/1.1 with ALPN.
func (c *Client) h1Conn(ctx context.Context, e *Exchange) (net.Conn, error) {
	if nc := c.H1.Get(e.Key); nc != nil {
		return nc, nil
	}
	ConnectAttempts.Increment(ctx, "h1")
	if !e.Origin.IsSecure() {
		return c.dialTCP(ctx, e.Origin.Authority())
	}
	return c.dialTLS(ctx, e.Origin, "http/1.1")
}

func (x *h1Exchange) sealed() {}

func (x *h1Exchange) tlsState() *tls.ConnectionState {
	if tc, ok := x.conn.(*tls.Conn); ok {
		cs := tc.ConnectionState()
		return &cs
	}
	return nil
}

func (x *h1Exchange) roundTrip(req *http.Request) (*http.Response, error) {
	if x.upgrade {
		return x.upgradeRoundTrip(req)
	}
	if err := req.Write(x.conn); err != nil {
		x.conn.Close()
		return nil, errors.Wrap(err, "h1: write request")
	}
	resp, err := http.ReadResponse(x.br, req)
	if err != nil {
		x.conn.Close()
		return nil, errors.Wrap(err, "h1: read response")
	}
	x.wrapBody(req, resp)
	return resp, nil
}

func (x *h1Exchange) wrapBody(req *http.Request, resp *http.Response) {
	resp.TLS = x.tlsState()
	b := &h1Body{x: x, rc: resp.Body, reuse: !resp.Close && !req.Close}
	if resp.Body == http.NoBody {
		b.eof = true
	}
	resp.Body = b
	x.mu.Lock()
	x.body = b
	canceled := x.canceled
	x.mu.Unlock()
	if canceled {
		b.Close()
	}
}

// cancel closes the connection, unless it already went back to the idle pool.
func (x *h1Exchange) cancel(err error) {
	x.mu.Lock()
	released := x.released
	x.canceled = true
	x.mu.Unlock()
	if !released {
		x.conn.Close()
	}
}

// release returns the connection to the idle pool.
func (x *h1Exchange) release() {
	x.mu.Lock()
	if x.canceled {
		x.mu.Unlock()
		return
	}
	x.released = true
	x.mu.Unlock()
	x.c.H1.Put(x.key, &bufConn{Conn: x.conn, br: x.br})
}

// h1Body releases the connection once the body was read to the end.
type h1Body struct {
	x     *h1Exchange
	rc    io.ReadCloser
	reuse bool

	mu     sync.Mutex
	eof    bool
	closed bool
}

func (b *h1Body) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err == io.EOF {
		b.mu.Lock()
		b.eof = true
		b.mu.Unlock()
	}
	return n, err
}

func (b *h1Body) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	eof := b.eof
	b.mu.Unlock()

	err := b.rc.Close()
	if eof && b.reuse {
		b.x.release()
	} else {
		b.x.conn.Close()
	}
	return err
}
