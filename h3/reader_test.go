package h3

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/costinm/mhttp/nio"
	"github.com/google/go-cmp/cmp"
)

type recorder struct {
	events []string
	data   bytes.Buffer
	ended  bool
	err    error
	fail   error
}

func (r *recorder) HandleFrame(f Frame, p []byte) error {
	r.events = append(r.events, f.Type.String()+":"+string(p))
	return r.fail
}

func (r *recorder) HandleData(p []byte, end bool) error {
	r.data.Write(p)
	if end {
		r.events = append(r.events, "DATA:"+r.data.String())
		r.data.Reset()
	}
	return nil
}

func (r *recorder) HandleEnd(err error) {
	r.ended = true
	r.err = err
}

func encode(fs ...interface{}) []byte {
	b := nio.NewBuffer(64)
	for i := 0; i < len(fs); i += 2 {
		AppendFrame(b, fs[i].(FrameType), []byte(fs[i+1].(string)))
	}
	return append([]byte(nil), b.Bytes()...)
}

func TestStreamReader(t *testing.T) {
	wire := encode(FrameHeaders, "h1", FrameType(0x21), "ignored", FrameData, "hello ", FrameData, "world", FrameHeaders, "t1")

	t.Run("byte-at-a-time", func(t *testing.T) {
		h := &recorder{}
		r := NewStreamReader(0, NewRequestVerifier(true), h)
		r.Request(1 << 20)
		for i := range wire {
			r.Deliver(wire[i : i+1])
		}
		r.Finish(nil)
		want := []string{"HEADERS:h1", "DATA:hello ", "DATA:world", "HEADERS:t1"}
		if diff := cmp.Diff(want, h.events); diff != "" {
			t.Error(diff)
		}
		if !h.ended || h.err != nil {
			t.Error(h.ended, h.err)
		}
	})

	t.Run("demand", func(t *testing.T) {
		h := &recorder{}
		r := NewStreamReader(0, NewRequestVerifier(true), h)
		r.Deliver(wire)
		r.Finish(nil)
		if len(h.events) != 0 || h.ended {
			t.Fatal("delivered without demand", h.events)
		}
		r.Request(1)
		if len(h.events) != 1 {
			t.Fatal(h.events)
		}
		r.Request(3)
		if len(h.events) != 4 || !h.ended {
			t.Error(h.events, h.ended)
		}
		select {
		case <-r.Done():
		default:
			t.Error("not done")
		}
	})

	t.Run("order-violation", func(t *testing.T) {
		h := &recorder{}
		var connErr *ConnError
		r := NewStreamReader(0, NewRequestVerifier(true), h)
		r.OnConnError = func(e *ConnError) { connErr = e }
		r.Request(10)
		r.Deliver(encode(FrameData, "x"))
		if connErr == nil || connErr.Code != ErrCodeFrameUnexpected {
			t.Fatal(connErr)
		}
		if !h.ended || h.err != connErr {
			t.Error(h.err)
		}
		// Later data is ignored.
		r.Deliver(encode(FrameHeaders, "h"))
		if len(h.events) != 0 {
			t.Error(h.events)
		}
	})

	t.Run("reserved-type", func(t *testing.T) {
		h := &recorder{}
		var connErr *ConnError
		r := NewStreamReader(0, NewRequestVerifier(true), h)
		r.OnConnError = func(e *ConnError) { connErr = e }
		r.Request(10)
		r.Deliver(encode(FrameHeaders, "h", FrameType(0x8), "w"))
		if connErr == nil || connErr.Code != ErrCodeFrameUnexpected {
			t.Error(connErr)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		h := &recorder{}
		var connErr *ConnError
		r := NewStreamReader(0, NewRequestVerifier(true), h)
		r.OnConnError = func(e *ConnError) { connErr = e }
		r.Request(10)
		w := encode(FrameHeaders, "headers")
		r.Deliver(w[:len(w)-2])
		r.Finish(nil)
		if connErr == nil || connErr.Code != ErrCodeFrameError {
			t.Error(connErr)
		}
	})

	t.Run("too-large", func(t *testing.T) {
		h := &recorder{}
		var connErr *ConnError
		r := NewStreamReader(0, NewRequestVerifier(true), h)
		r.MaxFrameSize = 4
		r.OnConnError = func(e *ConnError) { connErr = e }
		r.Request(10)
		r.Deliver(encode(FrameHeaders, "headers"))
		if connErr == nil || connErr.Code != ErrCodeExcessiveLoad {
			t.Error(connErr)
		}
	})

	t.Run("reset", func(t *testing.T) {
		h := &recorder{}
		r := NewStreamReader(0, NewRequestVerifier(true), h)
		reset := errors.New("reset")
		r.Deliver(wire)
		r.Finish(reset)
		if !h.ended || h.err != reset || len(h.events) != 0 {
			t.Error(h.events, h.err)
		}
	})

	t.Run("handler-error", func(t *testing.T) {
		h := &recorder{fail: &StreamError{Code: ErrCodeMessageError}}
		var connErr *ConnError
		r := NewStreamReader(0, NewRequestVerifier(true), h)
		r.OnConnError = func(e *ConnError) { connErr = e }
		r.Request(10)
		r.Deliver(wire)
		if connErr != nil || h.err != h.fail {
			t.Error(connErr, h.err)
		}
	})

	t.Run("read-from", func(t *testing.T) {
		h := &recorder{}
		r := NewStreamReader(0, NewRequestVerifier(true), h)
		r.Request(100)
		r.ReadFrom(io.MultiReader(bytes.NewReader(wire[:3]), bytes.NewReader(wire[3:])))
		if len(h.events) != 4 || !h.ended || h.err != nil {
			t.Error(h.events, h.err)
		}
	})
}
