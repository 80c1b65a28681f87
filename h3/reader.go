package h3

import (
	"io"
	"math"
	"sync"

	"github.com/costinm/mhttp/nio"
	"golang.org/x/exp/slog"
)

const (
	// DefaultMaxFrameSize limits the payload of buffered (non-DATA) frames.
	DefaultMaxFrameSize = 64 << 10

	// maxBuffered is the amount of unconsumed stream data after which ReadFrom stops
	// reading until the handler asks for more.
	maxBuffered = 256 << 10
)

// Handler receives the frames of one stream, in order, from a StreamReader.
// Calls are never concurrent.
type Handler interface {
	// HandleFrame is called with the complete payload of a frame other than DATA. The
	// payload is only valid during the call. Unknown frame types are skipped.
	HandleFrame(f Frame, payload []byte) error

	// HandleData is called with fragments of DATA payload, end is set on the last
	// fragment of a frame. p is only valid during the call.
	HandleData(p []byte, end bool) error

	// HandleEnd is called once: with nil when the stream ended after a complete frame,
	// else with the error that terminated it.
	HandleEnd(err error)
}

// StreamReader is the read loop of one HTTP/3 stream.
//
// Bytes arrive with Deliver, from any goroutine; the consumer grants demand with Request,
// one unit per handler call. Both schedule a pass of the SerialRunner, which parses frame
// headers, checks them with the Verifier and feeds the Handler while demand lasts. Order
// violations and malformed frames are connection errors, reported to OnConnError.
type StreamReader struct {
	ID int64

	MaxFrameSize uint64

	// OnConnError is called once with the connection error that ended the stream.
	OnConnError func(*ConnError)

	Stats  *nio.Stats
	Logger *slog.Logger

	verifier Verifier
	handler  Handler
	runner   *SerialRunner

	mu       sync.Mutex
	inbox    [][]byte
	eof      bool
	finErr   error
	demand   int64
	buffered int
	space    chan struct{}
	doneCh   chan struct{}

	// Owned by the running pass.
	buf       *nio.Buffer
	cur       Frame
	inFrame   bool
	remaining uint64
	done      bool
}

// NewStreamReader creates a reader for stream id, with no initial demand.
func NewStreamReader(id int64, v Verifier, h Handler) *StreamReader {
	r := &StreamReader{
		ID:           id,
		MaxFrameSize: DefaultMaxFrameSize,
		Logger:       slog.Default().With("component", "h3"),
		verifier:     v,
		handler:      h,
		buf:          nio.GetBuffer(),
		space:        make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
	}
	r.runner = NewSerialRunner(r.pass)
	return r
}

// Deliver queues stream data. p is copied.
func (r *StreamReader) Deliver(p []byte) {
	if len(p) == 0 {
		return
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	r.mu.Lock()
	r.inbox = append(r.inbox, cp)
	r.buffered += len(cp)
	r.mu.Unlock()
	r.runner.Run()
}

// Finish marks the end of the stream: err is nil for a clean FIN, or the reset or read
// error. A clean end is reported after the buffered frames are handled.
func (r *StreamReader) Finish(err error) {
	r.mu.Lock()
	r.eof = true
	r.finErr = err
	r.mu.Unlock()
	r.runner.Run()
}

// Request grants n more handler calls. Demand saturates at math.MaxInt64.
func (r *StreamReader) Request(n int64) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	if r.demand > math.MaxInt64-n {
		r.demand = math.MaxInt64
	} else {
		r.demand += n
	}
	r.mu.Unlock()
	r.runner.Run()
}

// Done is closed once the handler received HandleEnd.
func (r *StreamReader) Done() <-chan struct{} {
	return r.doneCh
}

// ReadFrom reads src until EOF or error, delivering everything. It pauses while too much
// data is waiting for demand. Meant to run in its own goroutine.
func (r *StreamReader) ReadFrom(src io.Reader) {
	chunk := nio.GetDataBufferChunk(16 << 10)
	defer nio.PutDataBufferChunk(chunk)
	for {
		if !r.waitSpace() {
			return
		}
		select {
		case <-r.doneCh:
			return
		default:
		}
		n, err := src.Read(chunk)
		if n > 0 {
			r.Deliver(chunk[:n])
		}
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			r.Finish(err)
			return
		}
	}
}

func (r *StreamReader) waitSpace() bool {
	for {
		r.mu.Lock()
		full := r.buffered >= maxBuffered
		r.mu.Unlock()
		if !full {
			return true
		}
		select {
		case <-r.space:
		case <-r.doneCh:
			return false
		}
	}
}

func (r *StreamReader) takeDemand() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.demand <= 0 {
		return false
	}
	if r.demand != math.MaxInt64 {
		r.demand--
	}
	return true
}

// consumed releases n buffered bytes and wakes ReadFrom.
func (r *StreamReader) consumed(n int) {
	if n == 0 {
		return
	}
	r.mu.Lock()
	r.buffered -= n
	r.mu.Unlock()
	select {
	case r.space <- struct{}{}:
	default:
	}
}

func (r *StreamReader) pass() {
	if r.done {
		return
	}
	r.mu.Lock()
	for _, p := range r.inbox {
		r.buf.Append(p)
	}
	r.inbox = nil
	eof, finErr := r.eof, r.finErr
	r.mu.Unlock()

	if eof && finErr != nil {
		// Reset: buffered data is dropped.
		r.end(finErr)
		return
	}

	stalled := false
	for !r.done {
		progress, wait := r.step()
		if wait {
			stalled = true
			break
		}
		if !progress {
			break
		}
	}
	if r.done || stalled || !eof {
		return
	}
	if r.buf.Size() > 0 || r.inFrame {
		r.fail(connErrorf(ErrCodeFrameError, "stream %d ended inside a frame", r.ID))
		return
	}
	r.end(nil)
}

// step handles as much of one frame as possible. progress is false when more bytes are
// needed; wait is true when bytes are available but demand is not.
func (r *StreamReader) step() (progress, wait bool) {
	if !r.inFrame {
		f, n := ParseFrameHeader(r.buf.Bytes())
		if n == 0 {
			return false, false
		}
		r.buf.Skip(n)
		r.consumed(n)
		if !r.verifier.AllowsProcessing(f) {
			r.fail(connErrorf(ErrCodeFrameUnexpected, "%v not allowed on stream %d", f.Type, r.ID))
			return false, false
		}
		if f.Malformed {
			r.fail(connErrorf(ErrCodeFrameUnexpected, "reserved frame type 0x%x on stream %d", uint64(f.Type), r.ID))
			return false, false
		}
		if f.Type != FrameData && f.Type.Known() && f.Length > r.MaxFrameSize {
			r.fail(connErrorf(ErrCodeExcessiveLoad, "%v frame of %d bytes", f.Type, f.Length))
			return false, false
		}
		if nio.Debug {
			r.Logger.Debug("h3 frame", "stream", r.ID, "frame", f.String())
		}
		r.cur, r.remaining, r.inFrame = f, f.Length, true
	}

	switch {
	case r.cur.Type == FrameData:
		if r.remaining == 0 {
			r.complete()
			return true, false
		}
		avail := uint64(r.buf.Size())
		if avail == 0 {
			return false, false
		}
		if avail > r.remaining {
			avail = r.remaining
		}
		if !r.takeDemand() {
			return false, true
		}
		r.remaining -= avail
		end := r.remaining == 0
		err := r.handler.HandleData(r.buf.Bytes()[:avail], end)
		r.buf.Skip(int(avail))
		r.consumed(int(avail))
		if err != nil {
			r.fail(err)
			return false, false
		}
		if end {
			r.complete()
		}
		return true, false

	case !r.cur.Type.Known():
		n := uint64(r.buf.Size())
		if n > r.remaining {
			n = r.remaining
		}
		r.buf.Skip(int(n))
		r.consumed(int(n))
		r.remaining -= n
		if r.remaining > 0 {
			return false, false
		}
		r.complete()
		return true, false

	default:
		if uint64(r.buf.Size()) < r.remaining {
			return false, false
		}
		if !r.takeDemand() {
			return false, true
		}
		n := int(r.remaining)
		err := r.handler.HandleFrame(r.cur, r.buf.Bytes()[:n])
		r.buf.Skip(n)
		r.consumed(n)
		r.remaining = 0
		if err != nil {
			r.fail(err)
			return false, false
		}
		r.complete()
		return true, false
	}
}

func (r *StreamReader) complete() {
	if r.Stats != nil {
		r.Stats.Rcvd(int(r.cur.Length))
	}
	r.verifier.Completed(r.cur)
	r.inFrame = false
}

func (r *StreamReader) fail(err error) {
	if ce, ok := err.(*ConnError); ok && r.OnConnError != nil {
		r.OnConnError(ce)
	}
	r.end(err)
}

func (r *StreamReader) end(err error) {
	if r.done {
		return
	}
	r.done = true
	r.buf.Recycle()
	r.buf = nil
	close(r.doneCh)
	r.handler.HandleEnd(err)
}
