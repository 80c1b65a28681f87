package h3

import (
	"context"
	"crypto/tls"
	"math"
	"sync"

	"github.com/costinm/mhttp/altsvc"
	"github.com/costinm/mhttp/nio"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go/quicvarint"
	"golang.org/x/exp/slog"
)

// ErrConnClosed is returned for requests on a closed or draining connection.
var ErrConnClosed = errors.New("h3: connection closed")

// DefaultMaxConcurrentStreams is the stream budget of a connection when not configured.
const DefaultMaxConcurrentStreams = 100

// ClientOptions configure a ClientConn.
type ClientOptions struct {
	// Key is the pool key of the origin served by the connection.
	Key string

	// Alt is the alternate service the connection was made to, nil for a direct one.
	Alt *altsvc.AltService

	// MaxConcurrentStreams is the number of requests in flight after which Reserve fails.
	MaxConcurrentStreams int

	// OnAltSvc receives the origin and field value of ALTSVC frames on the control stream.
	OnAltSvc func(origin, field string)

	// OnClose is called once when the connection ends.
	OnClose func(c *ClientConn, err error)

	Logger *slog.Logger
}

// ClientConn is an HTTP/3 client connection. It implements the pool connection contract:
// Reserve claims a stream, RoundTrip uses it.
type ClientConn struct {
	opts  ClientOptions
	qc    QuicConn
	stats *nio.Stats

	// settings is closed once the server SETTINGS arrived.
	settings chan struct{}

	mu           sync.Mutex
	peer         Settings
	control      bool
	active       int
	reserved     int
	limited      bool
	goaway       bool
	closed       bool
	closeErr     error
	closeHandled bool
}

// NewClientConn starts HTTP/3 on an established QUIC connection: it opens the control
// stream with our SETTINGS and starts accepting the server's unidirectional streams.
func NewClientConn(qc QuicConn, opts ClientOptions) (*ClientConn, error) {
	if opts.MaxConcurrentStreams <= 0 {
		opts.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "h3")
	}
	c := &ClientConn{
		opts:     opts,
		qc:       qc,
		stats:    nio.NewStats(),
		settings: make(chan struct{}),
	}

	ctrl, err := qc.OpenUniStream()
	if err != nil {
		qc.CloseWithError(ErrCodeInternalError, "")
		return nil, errors.Wrap(err, "h3: control stream")
	}
	b := nio.GetBuffer()
	b.WriteVarint(StreamTypeControl)
	AppendFrame(b, FrameSettings, Settings{
		SettingQPACKMaxTableCapacity: 0,
		SettingMaxFieldSectionSize:   DefaultMaxFrameSize,
	}.Encode())
	_, err = ctrl.Write(b.Bytes())
	b.Recycle()
	if err != nil {
		qc.CloseWithError(ErrCodeInternalError, "")
		return nil, errors.Wrap(err, "h3: control stream")
	}

	go c.acceptUniStreams()
	return c, nil
}

// Key implements the pool connection contract.
func (c *ClientConn) Key() string { return c.opts.Key }

// AltService is the alternate service the connection was made to, nil if direct.
func (c *ClientConn) AltService() *altsvc.AltService { return c.opts.Alt }

// TLS returns the handshake state.
func (c *ClientConn) TLS() tls.ConnectionState { return c.qc.TLS() }

// Stats returns the frame counters of the connection.
func (c *ClientConn) Stats() *nio.Stats { return c.stats }

// Reserve claims one request stream. It fails once the connection is closed, received
// GOAWAY, or has MaxConcurrentStreams requests in flight.
func (c *ClientConn) Reserve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.goaway {
		return false
	}
	if c.active+c.reserved >= c.opts.MaxConcurrentStreams {
		c.limited = true
		return false
	}
	c.reserved++
	return true
}

// Unreserve returns a reservation that won't be used.
func (c *ClientConn) Unreserve() {
	c.mu.Lock()
	if c.reserved > 0 {
		c.reserved--
	}
	c.mu.Unlock()
}

// StreamLimitReached is true when the last Reserve failed only because all streams were
// in use.
func (c *ClientConn) StreamLimitReached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limited && !c.closed && !c.goaway
}

// PeerSettings returns the server SETTINGS, nil before they arrive.
func (c *ClientConn) PeerSettings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// WaitSettings blocks until the server SETTINGS arrived or ctx is done.
func (c *ClientConn) WaitSettings(ctx context.Context) error {
	select {
	case <-c.settings:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.qc.Context().Done():
		return ErrConnClosed
	}
}

// Err returns the error that closed the connection, nil while open.
func (c *ClientConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close closes the connection with H3_NO_ERROR.
func (c *ClientConn) Close() error {
	err := c.qc.CloseWithError(ErrCodeNoError, "")
	c.closeWith(ErrConnClosed)
	return err
}

// connError closes the connection, and so all its streams, with the error code of e.
func (c *ClientConn) connError(e *ConnError) {
	c.mu.Lock()
	first := !c.closed
	c.mu.Unlock()
	if first {
		c.opts.Logger.Info("h3 connection error", "key", c.opts.Key, "code", e.Code.String(), "reason", e.Reason)
		c.qc.CloseWithError(e.Code, e.Reason)
	}
	c.closeWith(e)
}

func (c *ClientConn) closeWith(err error) {
	c.mu.Lock()
	if c.closeHandled {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeHandled = true
	c.closeErr = err
	c.mu.Unlock()
	if c.opts.OnClose != nil {
		c.opts.OnClose(c, err)
	}
}

func (c *ClientConn) acceptUniStreams() {
	for {
		s, err := c.qc.AcceptUniStream(c.qc.Context())
		if err != nil {
			c.closeWith(err)
			return
		}
		go c.handleUniStream(s)
	}
}

func (c *ClientConn) handleUniStream(s ReceiveStream) {
	t, err := quicvarint.Read(quicvarint.NewReader(s))
	if err != nil {
		return
	}
	switch t {
	case StreamTypeControl:
		c.mu.Lock()
		dup := c.control
		c.control = true
		c.mu.Unlock()
		if dup {
			c.connError(connErrorf(ErrCodeStreamCreationError, "second control stream"))
			return
		}
		r := NewStreamReader(s.StreamID(), NewControlVerifier(), &controlHandler{c: c})
		r.OnConnError = c.connError
		r.Stats = c.stats
		r.Logger = c.opts.Logger
		r.Request(math.MaxInt64)
		r.ReadFrom(s)
	case StreamTypePush:
		// No MAX_PUSH_ID was sent, push is not allowed.
		c.connError(connErrorf(ErrCodeIDError, "push stream"))
	case StreamTypeQPACKEncoder, StreamTypeQPACKDecoder:
		// Dynamic table capacity is 0: nothing useful can arrive here. Drain.
		buf := nio.GetDataBufferChunk(1 << 10)
		defer nio.PutDataBufferChunk(buf)
		for {
			if _, err := s.Read(buf); err != nil {
				return
			}
		}
	default:
		s.CancelRead(ErrCodeStreamCreationError)
	}
}

// controlHandler processes the server control stream.
type controlHandler struct {
	c        *ClientConn
	settings bool
}

func (h *controlHandler) HandleFrame(f Frame, p []byte) error {
	c := h.c
	if nio.Debug {
		c.opts.Logger.Debug("h3 control frame", "key", c.opts.Key, "frame", f.String())
	}
	switch f.Type {
	case FrameSettings:
		if h.settings {
			return connErrorf(ErrCodeFrameUnexpected, "second SETTINGS")
		}
		s, err := ParseSettings(p)
		if err != nil {
			return err
		}
		h.settings = true
		c.mu.Lock()
		c.peer = s
		c.mu.Unlock()
		close(c.settings)
	case FrameGoAway:
		id, err := ParseGoAway(p)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.goaway = true
		c.mu.Unlock()
		c.opts.Logger.Info("h3 goaway", "key", c.opts.Key, "id", id)
	case FrameAltSvc:
		origin, field, err := altsvc.DecodeFrame(p)
		if err != nil {
			c.opts.Logger.Debug("h3 bad ALTSVC frame", "err", err)
			return nil
		}
		if c.opts.OnAltSvc != nil {
			c.opts.OnAltSvc(origin, field)
		}
	case FrameCancelPush:
		return connErrorf(ErrCodeIDError, "CANCEL_PUSH without MAX_PUSH_ID")
	default:
		// HEADERS, PUSH_PROMISE, MAX_PUSH_ID (client only).
		return connErrorf(ErrCodeFrameUnexpected, "%v on control stream", f.Type)
	}
	return nil
}

func (h *controlHandler) HandleData([]byte, bool) error {
	return connErrorf(ErrCodeFrameUnexpected, "DATA on control stream")
}

func (h *controlHandler) HandleEnd(err error) {
	if _, ok := err.(*ConnError); ok {
		return
	}
	select {
	case <-h.c.qc.Context().Done():
		return
	default:
	}
	h.c.connError(connErrorf(ErrCodeClosedCriticalStream, "control stream closed"))
}
