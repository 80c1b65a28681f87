package h3

import (
	"testing"
)

func frames(types ...FrameType) []Frame {
	res := make([]Frame, len(types))
	for i, t := range types {
		res[i] = Frame{Type: t, Length: 1}
	}
	return res
}

// run feeds the frames to v, completing each accepted one, and returns the index of the
// first rejected frame or -1.
func run(v Verifier, fs []Frame) int {
	for i, f := range fs {
		if !v.AllowsProcessing(f) {
			return i
		}
		v.Completed(f)
	}
	return -1
}

func TestMessageVerifier(t *testing.T) {
	const unknown = FrameType(0x21)
	for _, tc := range []struct {
		name     string
		v        func() Verifier
		frames   []Frame
		rejected int
	}{
		{"headers-data-trailers", resp, frames(FrameHeaders, FrameData, FrameData, FrameHeaders), -1},
		{"data-after-trailers", resp, frames(FrameHeaders, FrameData, FrameHeaders, FrameData), 3},
		{"headers-after-trailers", resp, frames(FrameHeaders, FrameData, FrameHeaders, FrameHeaders), 3},
		{"data-first", resp, frames(FrameData), 0},
		{"interim-headers", resp, frames(FrameHeaders, FrameHeaders, FrameData, FrameHeaders), -1},
		{"headers-only", resp, frames(FrameHeaders, FrameHeaders), -1},
		{"push-promise-response", resp, frames(FrameHeaders, FramePushPromise, FrameData), -1},
		{"push-promise-request", req, frames(FrameHeaders, FramePushPromise), 1},
		{"push-promise-push", push, frames(FrameHeaders, FramePushPromise), 1},
		{"push-stream", push, frames(FrameHeaders, FrameData, FrameHeaders), -1},
		{"settings", resp, frames(FrameHeaders, FrameSettings), 1},
		{"goaway", resp, frames(FrameGoAway), 0},
		{"max-push-id", req, frames(FrameHeaders, FrameMaxPushID), 1},
		{"unknown", resp, frames(unknown, FrameHeaders, unknown, FrameData, unknown), -1},
		{"malformed", resp, []Frame{{Type: 0x2, Malformed: true}, {Type: FrameHeaders}}, -1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := run(tc.v(), tc.frames); got != tc.rejected {
				t.Errorf("rejected at %d, want %d", got, tc.rejected)
			}
		})
	}
}

func resp() Verifier { return NewRequestVerifier(true) }
func req() Verifier  { return NewRequestVerifier(false) }
func push() Verifier { return NewPushVerifier() }

func TestControlVerifier(t *testing.T) {
	const unknown = FrameType(0x21)
	ctrl := func() Verifier { return NewControlVerifier() }
	for _, tc := range []struct {
		name     string
		frames   []Frame
		rejected int
	}{
		{"settings-first", frames(FrameSettings, FrameGoAway, FrameAltSvc, unknown), -1},
		{"goaway-first", frames(FrameGoAway, FrameSettings), 0},
		{"unknown-first", frames(unknown, FrameSettings), 0},
		{"malformed-first", []Frame{{Type: 0x6, Malformed: true}, {Type: FrameSettings}}, -1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := run(ctrl(), tc.frames); got != tc.rejected {
				t.Errorf("rejected at %d, want %d", got, tc.rejected)
			}
		})
	}
}

func TestVerifierInProgress(t *testing.T) {
	v := NewRequestVerifier(true)
	h := Frame{Type: FrameHeaders}
	d := Frame{Type: FrameData}
	if !v.AllowsProcessing(h) {
		t.Fatal("headers")
	}
	// Another HEADERS fragment is accepted, a different type is not.
	if !v.AllowsProcessing(h) || v.AllowsProcessing(d) {
		t.Error("in progress")
	}
	v.Completed(h)

	defer func() {
		if recover() == nil {
			t.Error("Completed for a frame not in progress must panic")
		}
	}()
	v.Completed(d)
}
