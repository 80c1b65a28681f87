package mhttp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/costinm/mhttp/altsvc"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

// h2Conn is a pooled HTTP/2 connection.
type h2Conn struct {
	key string
	cc  *http2.ClientConn
	tls *tls.ConnectionState

	mu sync.Mutex
	// spare counts reservations made on cc by exchanges that ended up not using them.
	// The next RoundTrip consumes them, so Reserve hands them out first.
	spare int
}

func (c *Client) newH2Conn(key string, nc net.Conn) (*h2Conn, error) {
	cc, err := c.h2t.NewClientConn(nc)
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "h2: new connection")
	}
	hc := &h2Conn{key: key, cc: cc}
	if tc, ok := nc.(*tls.Conn); ok {
		cs := tc.ConnectionState()
		hc.tls = &cs
	}
	return hc, nil
}

// Key implements the pool connection contract.
func (hc *h2Conn) Key() string { return hc.key }

// AltService is always nil: HTTP/2 connections go to the origin.
func (hc *h2Conn) AltService() *altsvc.AltService { return nil }

func (hc *h2Conn) Reserve() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.spare > 0 {
		if st := hc.cc.State(); st.Closed || st.Closing {
			return false
		}
		hc.spare--
		return true
	}
	return hc.cc.ReserveNewRequest()
}

// unreserve returns a reservation that won't be used.
func (hc *h2Conn) unreserve() {
	hc.mu.Lock()
	hc.spare++
	hc.mu.Unlock()
}

func (hc *h2Conn) Close() error {
	return hc.cc.Close()
}

// attemptH2 returns an HTTP/2 connection to e's origin with one stream reserved, pooled or
// new. If the server selects HTTP/1.1 the error is an *ALPNDowngradeError carrying the
// TLS connection.
func (c *Client) attemptH2(ctx context.Context, e *Exchange) (*h2Conn, error) {
	if pc := c.H2.Get(e.Key); pc != nil {
		return pc.(*h2Conn), nil
	}
	var nc net.Conn
	if e.Origin.IsSecure() {
		ConnectAttempts.Increment(ctx, "h2")
		tc, err := c.dialTLS(ctx, e.Origin, http2.NextProtoTLS, "http/1.1")
		if err != nil {
			return nil, err
		}
		if p := tc.ConnectionState().NegotiatedProtocol; p != http2.NextProtoTLS {
			c.H1.MarkNoH2(e.Key)
			return nil, &ALPNDowngradeError{Conn: tc, Protocol: p}
		}
		nc = tc
	} else {
		// Prior knowledge, the origin accepted an h2c upgrade before.
		ConnectAttempts.Increment(ctx, "h2c")
		tcp, err := c.dialTCP(ctx, e.Origin.Authority())
		if err != nil {
			return nil, err
		}
		nc = tcp
	}
	hc, err := c.newH2Conn(e.Key, nc)
	if err != nil {
		return nil, err
	}
	c.H2.Put(hc)
	if !hc.Reserve() {
		return nil, errors.New("h2: new connection has no stream available")
	}
	return hc, nil
}

// h2Path serves e over HTTP/2 when possible. A downgraded TLS connection is used for
// HTTP/1.1 as is. Plaintext origins use h2c: prior knowledge once an upgrade succeeded,
// else an Upgrade on the first request.
func (c *Client) h2Path(ctx context.Context, e *Exchange) (exchangeImpl, error) {
	if !e.Origin.IsSecure() {
		if pc := c.H2.Get(e.Key); pc != nil {
			return &h2Exchange{c: c, conn: pc.(*h2Conn)}, nil
		}
		if !c.knownH2C(e.Key) {
			nc, err := c.h1Conn(ctx, e)
			if err != nil {
				return nil, err
			}
			x := c.newH1Exchange(e.Key, nc)
			x.upgrade = !c.Config.DisableH2C && !c.H1.NoH2(e.Key) && upgradable(e.Request)
			return x, nil
		}
	} else if c.H1.NoH2(e.Key) {
		nc, err := c.h1Conn(ctx, e)
		if err != nil {
			return nil, err
		}
		return c.newH1Exchange(e.Key, nc), nil
	}

	hc, err := c.attemptH2(ctx, e)
	var de *ALPNDowngradeError
	if errors.As(err, &de) {
		c.Logger.Info("alpn downgrade", "key", e.Key, "proto", de.Protocol)
		return c.newH1Exchange(e.Key, de.Conn), nil
	}
	if err != nil {
		return nil, err
	}
	return &h2Exchange{c: c, conn: hc}, nil
}

// h2Exchange runs a request on a reserved stream of an HTTP/2 connection.
type h2Exchange struct {
	c    *Client
	conn *h2Conn

	mu       sync.Mutex
	body     io.Closer
	started  bool
	canceled bool
}

func (x *h2Exchange) sealed() {}

func (x *h2Exchange) tlsState() *tls.ConnectionState { return x.conn.tls }

func (x *h2Exchange) roundTrip(req *http.Request) (*http.Response, error) {
	x.mu.Lock()
	if x.canceled {
		x.mu.Unlock()
		return nil, ErrCancelled
	}
	x.started = true
	x.mu.Unlock()

	resp, err := x.conn.cc.RoundTrip(req)
	if err != nil {
		if !x.conn.cc.CanTakeNewRequest() {
			x.c.H2.Remove(x.conn)
		}
		return nil, err
	}
	x.mu.Lock()
	x.body = resp.Body
	canceled := x.canceled
	x.mu.Unlock()
	if canceled {
		resp.Body.Close()
	}
	return resp, nil
}

// cancel resets the stream. The connection stays usable. A stream reserved but not
// started yet is given back to the connection.
func (x *h2Exchange) cancel(error) {
	x.mu.Lock()
	if x.canceled {
		x.mu.Unlock()
		return
	}
	x.canceled = true
	started, b := x.started, x.body
	x.mu.Unlock()
	if !started {
		x.conn.unreserve()
		return
	}
	if b != nil {
		b.Close()
	}
}
