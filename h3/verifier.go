package h3

import (
	"fmt"
)

// Verifier checks the order of frames received on one stream. Verifiers are not safe for
// concurrent use; each stream is read by one goroutine at a time.
//
// AllowsProcessing is called once per frame header. If it returns true the frame is in
// progress until Completed is called for it, once its payload was consumed. While a frame
// is in progress only further fragments of the same type are accepted.
type Verifier interface {
	AllowsProcessing(f Frame) bool

	// Completed panics if f is not the frame in progress.
	Completed(f Frame)
}

// tracker is the in-progress bookkeeping shared by all verifiers.
type tracker struct {
	busy       bool
	inProgress FrameType
}

func (t *tracker) continuing(f Frame) (ok, busy bool) {
	if !t.busy {
		return false, false
	}
	return f.Type == t.inProgress, true
}

func (t *tracker) start(f Frame) {
	t.busy = true
	t.inProgress = f.Type
}

func (t *tracker) completed(f Frame) {
	if f.Malformed {
		return
	}
	if !t.busy || f.Type != t.inProgress {
		panic(fmt.Sprintf("h3: completed %v, in progress %v (busy=%v)", f.Type, t.inProgress, t.busy))
	}
	t.busy = false
}

// ControlVerifier checks the server control stream: the first frame must be SETTINGS.
type ControlVerifier struct {
	tracker
	started bool
}

func NewControlVerifier() *ControlVerifier {
	return &ControlVerifier{}
}

func (v *ControlVerifier) AllowsProcessing(f Frame) bool {
	if f.Malformed {
		return true
	}
	if ok, busy := v.continuing(f); busy {
		return ok
	}
	if !v.started {
		if f.Type != FrameSettings {
			return false
		}
		v.started = true
	}
	v.start(f)
	return true
}

func (v *ControlVerifier) Completed(f Frame) {
	v.completed(f)
}

// MessageVerifier checks request, response and push streams: HEADERS, then DATA, then at
// most one trailing HEADERS after which nothing else may carry message content.
type MessageVerifier struct {
	tracker

	// allowPush accepts PUSH_PROMISE, only on response streams.
	allowPush bool

	headers  bool
	data     bool
	trailers bool
}

// NewRequestVerifier returns a verifier for a request stream. response is true when the
// stream is read by the client, where the server may send PUSH_PROMISE.
func NewRequestVerifier(response bool) *MessageVerifier {
	return &MessageVerifier{allowPush: response}
}

// NewPushVerifier returns a verifier for a server push stream. A pushed response can't
// itself promise a push.
func NewPushVerifier() *MessageVerifier {
	return &MessageVerifier{}
}

func (v *MessageVerifier) AllowsProcessing(f Frame) bool {
	if f.Malformed {
		return true
	}
	if ok, busy := v.continuing(f); busy {
		return ok
	}
	switch f.Type {
	case FrameHeaders:
		if v.trailers {
			return false
		}
		if v.headers && v.data {
			v.trailers = true
		}
		v.headers = true
	case FrameData:
		if !v.headers || v.trailers {
			return false
		}
		v.data = true
	case FramePushPromise:
		if !v.allowPush {
			return false
		}
	default:
		if f.Type.Known() {
			// Control stream frames.
			return false
		}
	}
	v.start(f)
	return true
}

func (v *MessageVerifier) Completed(f Frame) {
	v.completed(f)
}

// Trailers returns true once a trailing HEADERS frame was accepted.
func (v *MessageVerifier) Trailers() bool {
	return v.trailers
}
