package mhttp

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"sync"

	"github.com/costinm/mhttp/altsvc"
	"github.com/costinm/mhttp/h3"
	"github.com/costinm/mhttp/pool"
	"github.com/pkg/errors"
)

// errNoH3Stream is returned when the HTTP/3 connection an exchange waited for has no
// stream left.
var errNoH3Stream = errors.New("h3: no stream available on the shared connection")

// h3Candidate picks the endpoint of an HTTP/3 attempt for e: an advertised alternate
// service, or nil for a direct connection to the origin. ok is false when no HTTP/3
// attempt may be made.
func (c *Client) h3Candidate(e *Exchange) (alt *altsvc.AltService, ok bool) {
	if e.Discovery != pool.HTTP3URIOnly {
		for _, s := range c.Registry.Lookup(e.Origin, altsvc.ALPN(h3.NextProtoH3)) {
			if s.Advertised() {
				return s, true
			}
		}
	}
	if e.Discovery == pool.AltSvc {
		return nil, false
	}
	if c.directH3Failed(e.Key) {
		c.Logger.Debug("skip direct h3", "key", e.Key)
		return nil, false
	}
	return nil, true
}

func (c *Client) directH3Failed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noDirectH3.Contains(key)
}

// rememberDirectH3Failure records that a direct HTTP/3 attempt to key timed out. The
// memory is bounded: the oldest entries are forgotten first.
func (c *Client) rememberDirectH3Failure(key string) {
	c.mu.Lock()
	c.noDirectH3.Add(key)
	c.mu.Unlock()
}

// attemptH3 returns an HTTP/3 connection for e with one stream reserved. Concurrent
// exchanges share one connection attempt per key: only the first one connects, the
// others wait for its outcome.
//
// ctx must not be the exchange context: the attempt may outlive the exchange that started
// it, other exchanges can be waiting on it.
func (c *Client) attemptH3(ctx context.Context, e *Exchange, alt *altsvc.AltService) (*h3.ClientConn, error) {
	pp, owner := c.H3.AcquirePending(e.Key, e.Discovery, e.ID, alt)
	if !owner {
		conn, err := pp.Wait(ctx)
		if err != nil {
			return nil, err
		}
		cc := conn.(*h3.ClientConn)
		if !cc.Reserve() {
			if cc.StreamLimitReached() {
				c.H3.StreamLimitReached(cc)
			}
			return nil, errNoH3Stream
		}
		return cc, nil
	}

	cc, err := c.connectH3(ctx, e, alt)
	if err != nil {
		pp.Complete(nil, err)
		c.H3.RemoveCompleted(pp)
		return nil, err
	}
	if cur, ok := c.H3.PutIfAbsent(cc); !ok {
		cc.Close()
		cc = cur.(*h3.ClientConn)
	}
	pp.Complete(cc, nil)
	c.H3.RemoveCompleted(pp)
	if !cc.Reserve() {
		return nil, errNoH3Stream
	}
	return cc, nil
}

// connectH3 opens a QUIC connection to alt, or to the origin if alt is nil, and starts
// HTTP/3 on it. Transport failures invalidate an advertised alt; a direct attempt that
// times out is remembered so the origin is not tried again.
func (c *Client) connectH3(ctx context.Context, e *Exchange, alt *altsvc.AltService) (*h3.ClientConn, error) {
	addr := e.Origin.Authority()
	if alt != nil {
		addr = alt.Authority()
	}
	ConnectAttempts.Increment(ctx, "h3")

	dctx, cf := context.WithTimeout(ctx, c.Config.ConnectTimeout.Duration)
	defer cf()
	qc, err := c.DialQUIC(dctx, addr, c.tlsConfig(e.Origin, h3.NextProtoH3))
	if err != nil {
		err = connectError(ctx, dctx, "h3", addr, err)
		switch {
		case alt != nil && h3.TransportFailure(err):
			c.Logger.Info("h3 alt-svc failed, invalidating", "alt", alt.String(), "err", err)
			c.Registry.MarkInvalid(alt)
			AltSvcInvalidated.Inc()
		case alt == nil && isConnectTimeout(err):
			c.Logger.Info("direct h3 timed out", "key", e.Key)
			c.rememberDirectH3Failure(e.Key)
		}
		return nil, err
	}

	cs := qc.TLS()
	if alt == nil {
		id := altsvc.Identity{ALPN: h3.NextProtoH3, Host: e.Origin.Host, Port: e.Origin.Port}
		if svc, err := c.Registry.RegisterUnadvertised(id, e.Origin, cs); err == nil {
			alt = svc
		} else {
			c.Logger.Debug("direct h3 not registered", "key", e.Key, "err", err)
		}
	}

	var cc *h3.ClientConn
	cc, err = h3.NewClientConn(qc, h3.ClientOptions{
		Key:                  e.Key,
		Alt:                  alt,
		MaxConcurrentStreams: c.Config.MaxConcurrentStreams,
		Logger:               c.Logger,
		OnAltSvc: func(origin, field string) {
			c.AltSvc.ProcessFrame(0, origin, nil, &cs, field)
		},
		OnClose: func(cc *h3.ClientConn, err error) {
			c.H3.Remove(cc)
		},
	})
	return cc, err
}

// h3Exchange runs a request on a reserved stream of an HTTP/3 connection.
type h3Exchange struct {
	c    *Client
	conn *h3.ClientConn

	mu       sync.Mutex
	started  bool
	body     io.Closer
	canceled bool
}

func (x *h3Exchange) sealed() {}

func (x *h3Exchange) tlsState() *tls.ConnectionState {
	cs := x.conn.TLS()
	return &cs
}

func (x *h3Exchange) roundTrip(req *http.Request) (*http.Response, error) {
	if alt := x.conn.AltService(); alt != nil && alt.Advertised() {
		req = req.Clone(req.Context())
		req.Header.Set("Alt-Used", alt.Authority())
	}
	x.mu.Lock()
	if x.canceled {
		x.mu.Unlock()
		return nil, ErrCancelled
	}
	x.started = true
	x.mu.Unlock()
	resp, err := x.conn.RoundTrip(req)
	if err != nil {
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

// cancel resets the request stream. Before the request is sent it gives back the
// reserved stream.
func (x *h3Exchange) cancel(error) {
	x.mu.Lock()
	x.canceled = true
	started := x.started
	b := x.body
	x.mu.Unlock()
	if !started {
		x.conn.Unreserve()
	}
	if b != nil {
		b.Close()
	}
}
