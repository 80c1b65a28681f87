package h3

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/costinm/mhttp/nio"
	"github.com/pkg/errors"
	"github.com/quic-go/qpack"
)

// Connection-specific headers are not allowed in HTTP/3 (RFC 9114 §4.2).
var hopHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
	"host":              true,
}

// RoundTrip sends req on a new request stream. A stream claimed with Reserve is used if
// there is one, else RoundTrip reserves one.
//
// Cancelling the request context resets the stream with H3_REQUEST_CANCELLED.
func (c *ClientConn) RoundTrip(req *http.Request) (*http.Response, error) {
	if !c.startRequest() {
		return nil, ErrConnClosed
	}
	ctx := req.Context()
	str, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		c.endRequest()
		return nil, errors.Wrap(err, "h3: open stream")
	}

	rs := &responseStream{
		c:       c,
		str:     str,
		req:     req,
		headers: make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
	rs.reader = NewStreamReader(str.StreamID(), NewRequestVerifier(true), rs)
	rs.reader.OnConnError = c.connError
	rs.reader.Stats = c.stats
	rs.reader.Logger = c.opts.Logger

	if err := c.writeRequest(str, req); err != nil {
		str.CancelWrite(ErrCodeRequestCancelled)
		str.CancelRead(ErrCodeRequestCancelled)
		c.endRequest()
		return nil, err
	}

	go rs.reader.ReadFrom(str)
	rs.reader.Request(1)

	select {
	case <-rs.headers:
	case <-ctx.Done():
		rs.cancel(ctx.Err())
		return nil, ctx.Err()
	}
	if rs.resp == nil {
		return nil, rs.err
	}
	go func() {
		select {
		case <-ctx.Done():
			rs.cancel(ctx.Err())
		case <-rs.reader.Done():
		}
	}()
	return rs.resp, nil
}

func (c *ClientConn) startRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.reserved > 0 {
		c.reserved--
	} else if c.goaway || c.active >= c.opts.MaxConcurrentStreams {
		return false
	}
	c.active++
	return true
}

func (c *ClientConn) endRequest() {
	c.mu.Lock()
	c.active--
	c.limited = false
	c.mu.Unlock()
}

func (c *ClientConn) writeRequest(str Stream, req *http.Request) error {
	hdr, err := EncodeRequestHeaders(req)
	if err != nil {
		return err
	}
	if err := WriteFrame(str, FrameHeaders, hdr); err != nil {
		return errors.Wrap(err, "h3: write headers")
	}
	c.stats.Sent(len(hdr))
	if req.Body != nil && req.Body != http.NoBody {
		chunk := nio.GetDataBufferChunk(16 << 10)
		defer nio.PutDataBufferChunk(chunk)
		for {
			n, rerr := req.Body.Read(chunk)
			if n > 0 {
				if err := WriteFrame(str, FrameData, chunk[:n]); err != nil {
					return errors.Wrap(err, "h3: write body")
				}
				c.stats.Sent(n)
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return errors.Wrap(rerr, "h3: read request body")
			}
		}
		req.Body.Close()
	}
	return str.Close()
}

// EncodeRequestHeaders returns the QPACK encoded HEADERS payload for req, static table only.
func EncodeRequestHeaders(req *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	enc := qpack.NewEncoder(&buf)
	authority := req.Host
	if authority == "" {
		authority = req.URL.Host
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	fields := []qpack.HeaderField{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: req.URL.Scheme},
		{Name: ":authority", Value: authority},
		{Name: ":path", Value: req.URL.RequestURI()},
	}
	for k, vs := range req.Header {
		lk := strings.ToLower(k)
		if hopHeaders[lk] || lk == "content-length" {
			continue
		}
		for _, v := range vs {
			fields = append(fields, qpack.HeaderField{Name: lk, Value: v})
		}
	}
	if req.ContentLength > 0 {
		fields = append(fields, qpack.HeaderField{Name: "content-length", Value: strconv.FormatInt(req.ContentLength, 10)})
	}
	for _, f := range fields {
		if err := enc.WriteField(f); err != nil {
			return nil, errors.Wrap(err, "h3: qpack")
		}
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// responseStream is the Handler of a request stream, and the response body.
type responseStream struct {
	c      *ClientConn
	str    Stream
	req    *http.Request
	reader *StreamReader

	// headers is closed once resp or err is set.
	headers chan struct{}
	resp    *http.Response
	err     error

	mu      sync.Mutex
	chunks  [][]byte
	ended   bool
	endErr  error
	closed  bool
	notify  chan struct{}
	trailer http.Header
	release sync.Once
}

func (rs *responseStream) HandleFrame(f Frame, p []byte) error {
	switch f.Type {
	case FrameHeaders:
		fields, err := qpack.NewDecoder(nil).DecodeFull(p)
		if err != nil {
			return connErrorf(ErrCodeGeneralProtocolError, "qpack: %v", err)
		}
		if rs.resp != nil {
			rs.mu.Lock()
			rs.trailer = http.Header{}
			for _, hf := range fields {
				rs.trailer.Add(hf.Name, hf.Value)
			}
			rs.mu.Unlock()
			return nil
		}
		resp, err := rs.response(fields)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 {
			// Interim response, wait for the final one.
			rs.reader.Request(1)
			return nil
		}
		rs.resp = resp
		close(rs.headers)
	case FramePushPromise:
		return connErrorf(ErrCodeIDError, "PUSH_PROMISE without MAX_PUSH_ID")
	}
	return nil
}

func (rs *responseStream) response(fields []qpack.HeaderField) (*http.Response, error) {
	resp := &http.Response{
		Proto:         "HTTP/3.0",
		ProtoMajor:    3,
		Header:        http.Header{},
		Request:       rs.req,
		ContentLength: -1,
		Body:          rs,
	}
	cs := rs.c.qc.TLS()
	resp.TLS = &cs
	for _, hf := range fields {
		if strings.HasPrefix(hf.Name, ":") {
			if hf.Name != ":status" {
				return nil, &StreamError{StreamID: rs.str.StreamID(), Code: ErrCodeMessageError, Reason: "pseudo-header " + hf.Name}
			}
			code, err := strconv.Atoi(hf.Value)
			if err != nil || code < 100 || code > 999 {
				return nil, &StreamError{StreamID: rs.str.StreamID(), Code: ErrCodeMessageError, Reason: "bad :status " + hf.Value}
			}
			resp.StatusCode = code
			resp.Status = hf.Value + " " + http.StatusText(code)
			continue
		}
		resp.Header.Add(hf.Name, hf.Value)
	}
	if resp.StatusCode == 0 {
		return nil, &StreamError{StreamID: rs.str.StreamID(), Code: ErrCodeMessageError, Reason: "missing :status"}
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			resp.ContentLength = n
		}
	}
	if rs.req.Method == http.MethodHead {
		resp.Body = http.NoBody
	}
	return resp, nil
}

func (rs *responseStream) HandleData(p []byte, end bool) error {
	cp := make([]byte, len(p))
	copy(cp, p)
	rs.mu.Lock()
	rs.chunks = append(rs.chunks, cp)
	rs.mu.Unlock()
	rs.wake()
	return nil
}

func (rs *responseStream) HandleEnd(err error) {
	if err != nil {
		if ce, ok := err.(*StreamError); ok {
			rs.str.CancelRead(ce.Code)
			rs.str.CancelWrite(ce.Code)
		}
	}
	rs.mu.Lock()
	rs.ended = true
	rs.endErr = err
	if rs.trailer != nil && rs.resp != nil {
		rs.resp.Trailer = rs.trailer
	}
	rs.mu.Unlock()
	if rs.resp == nil {
		if err == nil {
			err = &StreamError{StreamID: rs.str.StreamID(), Code: ErrCodeRequestIncomplete, Reason: "no response"}
		}
		rs.err = err
		close(rs.headers)
	}
	rs.wake()
	rs.done()
}

func (rs *responseStream) wake() {
	select {
	case rs.notify <- struct{}{}:
	default:
	}
}

func (rs *responseStream) done() {
	rs.release.Do(rs.c.endRequest)
}

// Read implements the response body. Each time the queue is empty it asks the read loop
// for one more frame.
func (rs *responseStream) Read(p []byte) (int, error) {
	for {
		rs.mu.Lock()
		if rs.closed {
			rs.mu.Unlock()
			return 0, errors.New("h3: read on closed body")
		}
		if len(rs.chunks) > 0 {
			n := copy(p, rs.chunks[0])
			if n == len(rs.chunks[0]) {
				rs.chunks[0] = nil
				rs.chunks = rs.chunks[1:]
			} else {
				rs.chunks[0] = rs.chunks[0][n:]
			}
			rs.mu.Unlock()
			return n, nil
		}
		if rs.ended {
			err := rs.endErr
			rs.mu.Unlock()
			if err == nil {
				return 0, io.EOF
			}
			return 0, err
		}
		rs.mu.Unlock()

		rs.reader.Request(1)
		select {
		case <-rs.notify:
		case <-rs.req.Context().Done():
			rs.cancel(rs.req.Context().Err())
			return 0, rs.req.Context().Err()
		}
	}
}

// Close discards the rest of the body, resetting the stream if it didn't end.
func (rs *responseStream) Close() error {
	rs.mu.Lock()
	rs.closed = true
	ended := rs.ended
	rs.mu.Unlock()
	if !ended {
		rs.cancel(context.Canceled)
	}
	return nil
}

// cancel resets both directions of the stream. The read loop then ends with the reset error.
func (rs *responseStream) cancel(err error) {
	rs.str.CancelRead(ErrCodeRequestCancelled)
	rs.str.CancelWrite(ErrCodeRequestCancelled)
	rs.reader.Finish(errors.Wrap(err, "h3: request cancelled"))
}
