package mhttp

import (
	"encoding/base64"
	"encoding/binary"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Settings sent with an h2c upgrade, in the HTTP2-Settings header and the preface.
var h2cSettings = []http2.Setting{
	{ID: http2.SettingHeaderTableSize, Val: 0},
	{ID: http2.SettingEnablePush, Val: 0},
}

// h2cSettingsHeader is the HTTP2-Settings value: the SETTINGS payload, base64url.
func h2cSettingsHeader() string {
	b := make([]byte, 0, 6*len(h2cSettings))
	for _, s := range h2cSettings {
		b = binary.BigEndian.AppendUint16(b, uint16(s.ID))
		b = binary.BigEndian.AppendUint32(b, s.Val)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// upgradable reports whether req can carry an h2c upgrade: only requests without a body.
func upgradable(req *http.Request) bool {
	if req.Body != nil && req.Body != http.NoBody {
		return false
	}
	return req.Header.Get("Upgrade") == "" && req.Method != http.MethodConnect
}

func (c *Client) knownH2C(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h2c[key]
}

func (c *Client) markH2C(key string) {
	c.mu.Lock()
	c.h2c[key] = true
	c.mu.Unlock()
}

// upgradeRoundTrip sends req over HTTP/1.1 asking to upgrade to h2c. Any answer but 101
// is a plain HTTP/1.1 response, and the origin is not asked again. On 101 the response
// arrives on HTTP/2 stream 1; the connection is closed after it and later requests use h2c
// with prior knowledge.
func (x *h1Exchange) upgradeRoundTrip(req *http.Request) (*http.Response, error) {
	ureq := req.Clone(req.Context())
	ureq.Header.Set("Connection", "Upgrade, HTTP2-Settings")
	ureq.Header.Set("Upgrade", "h2c")
	ureq.Header.Set("HTTP2-Settings", h2cSettingsHeader())

	if err := ureq.Write(x.conn); err != nil {
		x.conn.Close()
		return nil, errors.Wrap(err, "h2c: write upgrade")
	}
	resp, err := http.ReadResponse(x.br, ureq)
	if err != nil {
		x.conn.Close()
		return nil, errors.Wrap(err, "h2c: read upgrade response")
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		x.c.H1.MarkNoH2(x.key)
		resp.Request = req
		x.wrapBody(req, resp)
		return resp, nil
	}
	resp.Body.Close()

	x.c.markH2C(x.key)
	x.c.Logger.Debug("h2c upgrade", "key", x.key)

	s := &h2cStream{x: x, req: req, fr: http2.NewFramer(x.conn, x.br)}
	s.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	if _, err := io.WriteString(x.conn, http2.ClientPreface); err != nil {
		x.conn.Close()
		return nil, err
	}
	if err := s.fr.WriteSettings(h2cSettings...); err != nil {
		x.conn.Close()
		return nil, err
	}
	hresp, err := s.readHeaders()
	if err != nil {
		x.conn.Close()
		return nil, err
	}
	x.mu.Lock()
	x.body = hresp.Body
	canceled := x.canceled
	x.mu.Unlock()
	if canceled {
		hresp.Body.Close()
	}
	return hresp, nil
}

// h2cStream reads the response to an upgraded request: stream 1 of the new HTTP/2
// connection. It is pull based, frames are read as the body is.
//
// The upgraded connection serves only stream 1 and is closed with GOAWAY when the body
// is done. http2.Transport cannot adopt a connection whose preface and first stream were
// already sent, so later requests open prior-knowledge h2c connections owned by the
// transport instead.
type h2cStream struct {
	x   *h1Exchange
	req *http.Request
	fr  *http2.Framer

	resp *http.Response

	mu     sync.Mutex
	buf    []byte
	ended  bool
	err    error
	closed bool
}

// next reads and handles one frame.
func (s *h2cStream) next() error {
	f, err := s.fr.ReadFrame()
	if err != nil {
		return err
	}
	switch f := f.(type) {
	case *http2.SettingsFrame:
		if !f.IsAck() {
			return s.fr.WriteSettingsAck()
		}
	case *http2.PingFrame:
		if !f.IsAck() {
			return s.fr.WritePing(true, f.Data)
		}
	case *http2.GoAwayFrame:
		if f.LastStreamID < 1 {
			return errors.Errorf("h2c: GOAWAY %v", f.ErrCode)
		}
	case *http2.RSTStreamFrame:
		if f.StreamID == 1 {
			return errors.Errorf("h2c: stream reset %v", f.ErrCode)
		}
	case *http2.MetaHeadersFrame:
		if f.StreamID != 1 {
			return nil
		}
		if s.resp == nil {
			return s.headers(f)
		}
		// Trailers
		for _, hf := range f.RegularFields() {
			if s.resp.Trailer == nil {
				s.resp.Trailer = http.Header{}
			}
			s.resp.Trailer.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
		}
		s.ended = true
	case *http2.DataFrame:
		if f.StreamID != 1 {
			return nil
		}
		if s.resp == nil {
			return errors.New("h2c: DATA before HEADERS")
		}
		if n := len(f.Data()); n > 0 {
			s.buf = append(s.buf, f.Data()...)
			if err := s.fr.WriteWindowUpdate(0, uint32(n)); err != nil {
				return err
			}
			if !f.StreamEnded() {
				if err := s.fr.WriteWindowUpdate(1, uint32(n)); err != nil {
					return err
				}
			}
		}
		if f.StreamEnded() {
			s.ended = true
		}
	}
	return nil
}

func (s *h2cStream) headers(f *http2.MetaHeadersFrame) error {
	code, err := strconv.Atoi(f.PseudoValue("status"))
	if err != nil {
		return errors.New("h2c: bad :status")
	}
	if code >= 100 && code < 200 {
		return nil
	}
	resp := &http.Response{
		Status:        strconv.Itoa(code) + " " + http.StatusText(code),
		StatusCode:    code,
		Proto:         "HTTP/2.0",
		ProtoMajor:    2,
		Header:        http.Header{},
		ContentLength: -1,
		Request:       s.req,
		Body:          (*h2cBody)(s),
	}
	for _, hf := range f.RegularFields() {
		resp.Header.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			resp.ContentLength = n
		}
	}
	for _, k := range resp.Header.Values("Trailer") {
		for _, t := range strings.Split(k, ",") {
			if resp.Trailer == nil {
				resp.Trailer = http.Header{}
			}
			resp.Trailer[http.CanonicalHeaderKey(strings.TrimSpace(t))] = nil
		}
	}
	s.resp = resp
	s.ended = f.StreamEnded()
	return nil
}

func (s *h2cStream) readHeaders() (*http.Response, error) {
	for s.resp == nil {
		if err := s.next(); err != nil {
			return nil, err
		}
	}
	if s.req.Method == http.MethodHead {
		s.ended = true
	}
	return s.resp, nil
}

// h2cBody is the body of an upgraded response.
type h2cBody h2cStream

func (b *h2cBody) Read(p []byte) (int, error) {
	s := (*h2cStream)(b)
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		if s.ended {
			s.finish()
			return 0, io.EOF
		}
		if err := s.next(); err != nil {
			s.err = err
			s.x.conn.Close()
		}
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (b *h2cBody) Close() error {
	s := (*h2cStream)(b)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = errors.New("h2c: body closed")
	}
	s.finish()
	return nil
}

// finish ends the upgraded connection. Later requests open new h2c connections.
func (s *h2cStream) finish() {
	if s.closed {
		return
	}
	s.closed = true
	if err := s.fr.WriteGoAway(1, http2.ErrCodeNo, nil); err != nil {
		s.x.c.Logger.Debug("h2c goaway", "key", s.x.key, "err", err)
	}
	s.x.conn.Close()
}
