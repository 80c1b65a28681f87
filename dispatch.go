package mhttp

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/costinm/mhttp/altsvc"
	"github.com/costinm/mhttp/h3"
	"github.com/costinm/mhttp/pool"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// isWebSocket reports an HTTP/1.1 WebSocket upgrade request.
func isWebSocket(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
}

// establish selects the protocol for e and assigns the implementation. If e was
// cancelled meanwhile, the implementation is cancelled and the cause returned.
func (c *Client) establish(e *Exchange) (exchangeImpl, error) {
	ctx, span := c.Tracer.Start(e.ctx, "mhttp.establish", trace.WithAttributes(
		attribute.String("mhttp.key", e.Key),
		attribute.String("mhttp.exchange", e.ID.String()),
		attribute.String("mhttp.version", e.Version.String()),
		attribute.String("mhttp.discovery", e.Discovery.String()),
	))
	defer span.End()

	impl, outcome, err := c.dispatch(ctx, e)
	if outcome != raceNotStarted {
		span.SetAttributes(attribute.String("mhttp.race", outcome.String()))
		RaceOutcome.Increment(ctx, outcome.String())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("mhttp.proto", versionOf(impl).Proto()))
	if err := e.setImpl(impl); err != nil {
		return nil, err
	}
	return impl, nil
}

// dispatch picks the protocol:
//
//  1. HTTP/1.1 if requested, or for WebSocket upgrades.
//  2. HTTP/3 only over plaintext fails.
//  3. HTTP/2 if requested, for plaintext origins or when QUIC is disabled, with
//     downgrade to HTTP/1.1 and h2c.
//  4. Else HTTP/3, racing HTTP/2.
func (c *Client) dispatch(ctx context.Context, e *Exchange) (exchangeImpl, raceState, error) {
	switch {
	case e.Version == HTTP11 || isWebSocket(e.Request):
		nc, err := c.h1Conn(ctx, e)
		if err != nil {
			return nil, raceNotStarted, err
		}
		return c.newH1Exchange(e.Key, nc), raceNotStarted, nil
	case e.Version == HTTP3 && e.Discovery == pool.HTTP3URIOnly && !e.Origin.IsSecure():
		return nil, raceNotStarted, ErrH3RequiresTLS
	case e.Version == HTTP2 || !e.Origin.IsSecure() || c.Config.DisableH3:
		impl, err := c.h2Path(ctx, e)
		return impl, raceNotStarted, err
	}
	return c.h3Path(ctx, e)
}

// h3Path reuses a pooled HTTP/3 connection, or races a new HTTP/3 attempt against
// HTTP/2.
func (c *Client) h3Path(ctx context.Context, e *Exchange) (exchangeImpl, raceState, error) {
	if pc := c.H3.Lookup(e.Key, e.Discovery); pc != nil {
		return &h3Exchange{c: c, conn: pc.(*h3.ClientConn)}, raceWonByH3, nil
	}
	h3Only := e.Version == HTTP3 && e.Discovery == pool.HTTP3URIOnly
	alt, ok := c.h3Candidate(e)
	if !ok {
		if h3Only {
			return nil, raceFailed, errors.Errorf("mhttp: no HTTP/3 endpoint for %s", e.Key)
		}
		impl, err := c.h2Path(ctx, e)
		return impl, raceNotStarted, err
	}
	r := &race{
		h3Pinned:   e.Version == HTTP3,
		h3Only:     h3Only,
		h2Deferred: e.Discovery == pool.AltSvc && e.Version != HTTP3,
		noH2:       c.H1.NoH2(e.Key),
		pooledH1:   c.H1.HasIdle(e.Key),
	}
	return c.runRace(ctx, e, r, alt)
}

// attempt is the outcome of one connection attempt of a race.
type attempt struct {
	h3  *h3.ClientConn
	h2  *h2Conn
	h1  net.Conn
	err error
}

// runRace runs the attempts r asks for and applies their completions until r decides.
// Attempts that lose are abandoned, not aborted: their connections stay pooled and
// reservations are given back.
func (c *Client) runRace(ctx context.Context, e *Exchange, r *race, alt *altsvc.AltService) (exchangeImpl, raceState, error) {
	actx := context.WithoutCancel(ctx)
	h3ch := make(chan attempt, 1)
	h2ch := make(chan attempt, 1)

	go func() {
		cc, err := c.attemptH3(actx, e, alt)
		h3ch <- attempt{h3: cc, err: err}
	}()
	startH2 := func() {
		go func() {
			hc, err := c.attemptH2(actx, e)
			var de *ALPNDowngradeError
			if errors.As(err, &de) {
				h2ch <- attempt{h1: de.Conn}
				return
			}
			h2ch <- attempt{h2: hc, err: err}
		}()
	}

	var slow <-chan time.Time
	if alt == nil {
		t := time.NewTimer(c.Config.DirectH3Timeout.Duration)
		defer t.Stop()
		slow = t.C
	}

	var h3res, h2res attempt
	act := r.start()
	for {
		if act == actStartH2 {
			startH2()
			act = actWait
		}
		if act != actWait {
			break
		}
		select {
		case h3res = <-h3ch:
			h3ch = nil
			if h3res.err == nil {
				act = r.onH3Success()
			} else {
				c.Logger.Info("h3 attempt failed", "key", e.Key, "err", h3res.err)
				act = r.onH3Failed(h3res.err, isConnectTimeout(h3res.err))
			}
		case h2res = <-h2ch:
			h2ch = nil
			switch {
			case h2res.h1 != nil:
				act = r.onH2Downgrade()
			case h2res.err == nil:
				act = r.onH2Success()
			default:
				c.Logger.Info("h2 attempt failed", "key", e.Key, "err", h2res.err)
				act = r.onH2Failed(h2res.err)
			}
		case <-slow:
			slow = nil
			act = r.onH3Slow()
		case <-ctx.Done():
			act = actFail
		}
	}

	// Give back what the decision doesn't use.
	if act != actUseH3 {
		c.releaseAttempt(e, h3res)
	}
	if act != actUseH2 && act != actUseDowngrade {
		c.releaseAttempt(e, h2res)
	}
	if h3ch != nil {
		go func(ch chan attempt) { c.releaseAttempt(e, <-ch) }(h3ch)
	}
	if h2ch != nil && r.h2Started {
		go func(ch chan attempt) { c.releaseAttempt(e, <-ch) }(h2ch)
	}

	switch act {
	case actUseH3:
		return &h3Exchange{c: c, conn: h3res.h3}, r.state, nil
	case actUseH2:
		return &h2Exchange{c: c, conn: h2res.h2}, r.state, nil
	case actUseDowngrade:
		return c.newH1Exchange(e.Key, h2res.h1), r.state, nil
	case actUsePooledH1, actDialH1:
		nc, err := c.h1Conn(ctx, e)
		if err != nil {
			return nil, raceFailed, err
		}
		return c.newH1Exchange(e.Key, nc), r.state, nil
	}
	if err := context.Cause(ctx); err != nil {
		return nil, r.state, err
	}
	return nil, r.state, r.err()
}

func (c *Client) releaseAttempt(e *Exchange, a attempt) {
	switch {
	case a.h3 != nil:
		a.h3.Unreserve()
	case a.h2 != nil:
		a.h2.unreserve()
	case a.h1 != nil:
		c.H1.Put(e.Key, a.h1)
	}
}

// processAltSvc feeds the Alt-Svc header of resp to the registry.
func (c *Client) processAltSvc(e *Exchange, impl exchangeImpl, resp *http.Response) {
	vals := resp.Header.Values("Alt-Svc")
	if len(vals) == 0 {
		return
	}
	c.AltSvc.ProcessHeader(e.Origin, resp.StatusCode, impl.tlsState(), strings.Join(vals, ", "))
	AltSvcEntries.Set(float64(c.Registry.Len()))
}
