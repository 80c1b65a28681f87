package mhttp

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"

	"github.com/costinm/mhttp/altsvc"
	"github.com/costinm/mhttp/pool"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrCancelled is the cancellation cause when Cancel is called with a nil error.
var ErrCancelled = errors.New("mhttp: exchange cancelled")

type exchangeState int

const (
	// exchangeConnecting: no implementation yet, a cancellation is recorded.
	exchangeConnecting exchangeState = iota
	// exchangeEstablished: cancellation goes to the implementation.
	exchangeEstablished
	// exchangeCancelled is terminal.
	exchangeCancelled
)

// Exchange is one request/response, independent of the protocol version that serves it.
//
// Cancel may race with connection establishment. Before an implementation is assigned
// the cause is recorded and applied when it is; after, it is delivered to the
// implementation directly. Either way it is delivered at most once.
type Exchange struct {
	ID      uuid.UUID
	Request *http.Request

	// Version is the requested version, VersionUnset to negotiate.
	Version   Version
	Discovery pool.DiscoveryMode

	Origin altsvc.Origin

	// Key is the pool key of Origin.
	Key string

	ctx  context.Context
	stop context.CancelCauseFunc

	mu    sync.Mutex
	state exchangeState
	impl  exchangeImpl
	cause error
}

func newExchange(req *http.Request, v Version, mode pool.DiscoveryMode) (*Exchange, error) {
	if req.URL == nil {
		return nil, errors.New("mhttp: nil request URL")
	}
	o, err := altsvc.OriginFromURL(req.URL)
	if err != nil {
		return nil, err
	}
	ctx, stop := context.WithCancelCause(req.Context())
	e := &Exchange{
		ID:        uuid.New(),
		Version:   v,
		Discovery: mode,
		Origin:    o,
		Key:       pool.Key(o),
		ctx:       ctx,
		stop:      stop,
	}
	e.Request = req.WithContext(ctx)
	return e, nil
}

// Context is done when the exchange is cancelled or its request context ends.
func (e *Exchange) Context() context.Context {
	return e.ctx
}

// Cancel aborts the exchange with err. Only the first call has an effect.
func (e *Exchange) Cancel(err error) {
	if err == nil {
		err = ErrCancelled
	}
	e.mu.Lock()
	if e.state == exchangeCancelled {
		e.mu.Unlock()
		return
	}
	impl := e.impl
	e.state, e.cause = exchangeCancelled, err
	e.mu.Unlock()

	e.stop(err)
	if impl != nil {
		impl.cancel(err)
	}
}

// Cause returns the cancellation cause, nil if not cancelled.
func (e *Exchange) Cause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cause
}

// Proto returns the version of the implementation serving the exchange, VersionUnset
// before one is assigned.
func (e *Exchange) Proto() Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.impl == nil {
		return VersionUnset
	}
	return versionOf(e.impl)
}

// setImpl assigns the implementation. If the exchange was cancelled first, the recorded
// cause is applied to impl and returned.
func (e *Exchange) setImpl(impl exchangeImpl) error {
	e.mu.Lock()
	switch e.state {
	case exchangeConnecting:
		e.impl, e.state = impl, exchangeEstablished
		e.mu.Unlock()
		return nil
	case exchangeCancelled:
		if e.impl == nil {
			e.impl = impl
		}
		cause := e.cause
		e.mu.Unlock()
		impl.cancel(cause)
		return cause
	}
	e.mu.Unlock()
	panic("mhttp: exchange implementation assigned twice")
}

// exchangeImpl is the protocol specific half of an exchange. The set of implementations
// is closed: *h1Exchange, *h2Exchange and *h3Exchange.
type exchangeImpl interface {
	roundTrip(req *http.Request) (*http.Response, error)

	// cancel closes the stream, or the connection for HTTP/1.1.
	cancel(err error)

	tlsState() *tls.ConnectionState

	sealed()
}

func versionOf(impl exchangeImpl) Version {
	switch impl.(type) {
	case *h1Exchange:
		return HTTP11
	case *h2Exchange:
		return HTTP2
	case *h3Exchange:
		return HTTP3
	}
	return VersionUnset
}
