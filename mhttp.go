// Package mhttp is an HTTP client that negotiates the protocol version per origin.
//
// Secure origins are tried over HTTP/3 first, using the alternate services the origin
// advertised with Alt-Svc or a direct QUIC connection, racing an HTTP/2 connection.
// HTTP/2 falls back to HTTP/1.1 when the server negotiates it with ALPN; plaintext
// origins use h2c when the server accepts the upgrade.
//
// Connections are pooled per origin: HTTP/3 connections in an advertised and an
// unadvertised pool, HTTP/2 one per origin, and idle HTTP/1.1 connections.
package mhttp

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/costinm/mhttp/altsvc"
	"github.com/costinm/mhttp/auth"
	"github.com/costinm/mhttp/h3"
	"github.com/costinm/mhttp/nio"
	"github.com/costinm/mhttp/pool"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slog"
	"golang.org/x/net/http2"
)

// Debug for dev support, will log verbose info, including HTTP/3 frames.
var Debug = false

// maxNoDirectH3 bounds the origins remembered as not answering direct HTTP/3.
const maxNoDirectH3 = 256

// Client is the session object: it holds the Alt-Svc cache, the connection pools and
// the dialers shared by all exchanges.
type Client struct {
	Config *Config

	Registry *altsvc.Registry
	AltSvc   *altsvc.Processor

	H1 *pool.H1Pool
	H2 *pool.H2Pool
	H3 *pool.H3Pool

	// TLSConfig is the base client config. ServerName and NextProtos are set per connection.
	TLSConfig *tls.Config

	// DialContext opens TCP connections.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// DialQUIC opens QUIC connections negotiating h3.
	DialQUIC h3.DialFunc

	Logger *slog.Logger
	Tracer trace.Tracer

	version   Version
	discovery pool.DiscoveryMode

	h2t *http2.Transport

	mu         sync.Mutex
	noDirectH3 *altsvc.BoundedSet[string]
	// h2c holds the plaintext origins that accepted an h2c upgrade.
	h2c map[string]bool
}

// New creates a client. A nil cfg uses DefaultConfig.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.setDefaults()
	v, err := cfg.version()
	if err != nil {
		return nil, err
	}
	mode, err := pool.ParseDiscoveryMode(cfg.Discovery)
	if err != nil {
		return nil, err
	}
	roots, err := auth.LoadRoots(cfg.RootCAs)
	if err != nil {
		return nil, err
	}
	if Debug {
		nio.Debug = true
	}

	logger := slog.Default().With("component", "mhttp")
	reg := altsvc.NewRegistrySize(cfg.MaxInvalidAltSvc)
	reg.UnadvertisedMaxAge = cfg.UnadvertisedMaxAge.Duration
	proc := altsvc.NewProcessor(reg)
	proc.AllowLocalhost = cfg.AllowLocalhostAltSvc

	h1 := pool.NewH1Pool()
	h1.MaxIdle = cfg.MaxIdleH1

	d := &net.Dialer{KeepAlive: 30 * time.Second}
	c := &Client{
		Config:      cfg,
		Registry:    reg,
		AltSvc:      proc,
		H1:          h1,
		H2:          pool.NewH2Pool(),
		H3:          pool.NewH3Pool(),
		TLSConfig:   auth.ClientTLSConfig(roots, cfg.InsecureSkipVerify),
		DialContext: d.DialContext,
		DialQUIC:    h3.Dialer(nil),
		Logger:      logger,
		Tracer:      otel.Tracer("github.com/costinm/mhttp"),
		version:     v,
		discovery:   mode,
		h2t:         &http2.Transport{AllowHTTP: true},
		noDirectH3:  altsvc.NewBoundedSet[string](maxNoDirectH3),
		h2c:         map[string]bool{},
	}
	return c, nil
}

// NewExchange creates an exchange for req. The version and discovery mode come from the
// request context (WithVersion, WithDiscovery), else from the client config. The exchange
// is cancelled with the cause of the request context when that ends.
func (c *Client) NewExchange(req *http.Request) (*Exchange, error) {
	v, mode := c.version, c.discovery
	o := optionsFrom(req.Context())
	if o.Version != VersionUnset {
		v = o.Version
	}
	if o.hasDiscovery {
		mode = o.Discovery
	}
	e, err := newExchange(req, v, mode)
	if err != nil {
		return nil, err
	}
	ctx := req.Context()
	context.AfterFunc(ctx, func() {
		e.Cancel(context.Cause(ctx))
	})
	return e, nil
}

// Send establishes e and sends its request. The Alt-Svc header of the response updates
// the cache.
func (c *Client) Send(e *Exchange) (*http.Response, error) {
	impl, err := c.establish(e)
	if err != nil {
		return nil, err
	}
	resp, err := impl.roundTrip(e.Request)
	if err != nil {
		if cause := e.Cause(); cause != nil {
			return nil, cause
		}
		return nil, err
	}
	c.processAltSvc(e, impl, resp)
	return resp, nil
}

// RoundTrip implements http.RoundTripper.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	e, err := c.NewExchange(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.Send(e)
	RequestLatency.Observe(req.Context(), req.Method, *req.URL, time.Since(start))
	code := "<error>"
	if err == nil {
		code = strconv.Itoa(resp.StatusCode)
	}
	RequestResult.Increment(req.Context(), code, req.Method, req.URL.Host)
	return resp, err
}

// Do sends req, like http.Client.Do without redirects or cookies.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.RoundTrip(req)
}

// HTTPClient returns an http.Client using c as transport.
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{Transport: c}
}

// ClearNonPersistent drops the alternate services not advertised with persist=1, and the
// memory of failed direct HTTP/3 attempts. Call it when the network changes.
func (c *Client) ClearNonPersistent() {
	c.Registry.ClearNonPersistent()
	c.mu.Lock()
	c.noDirectH3 = altsvc.NewBoundedSet[string](maxNoDirectH3)
	c.mu.Unlock()
	AltSvcEntries.Set(float64(c.Registry.Len()))
}

// Close closes all pooled connections.
func (c *Client) Close() error {
	var merr *multierror.Error
	for _, p := range []interface{ Close() error }{c.H1, c.H2, c.H3} {
		if err := p.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
