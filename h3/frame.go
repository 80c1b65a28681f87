package h3

import (
	"bytes"
	"io"
	"strconv"

	"github.com/costinm/mhttp/nio"
	"github.com/quic-go/quic-go/quicvarint"
)

// FrameType is an HTTP/3 frame type.
type FrameType uint64

const (
	FrameData        FrameType = 0x0
	FrameHeaders     FrameType = 0x1
	FrameCancelPush  FrameType = 0x3
	FrameSettings    FrameType = 0x4
	FramePushPromise FrameType = 0x5
	FrameGoAway      FrameType = 0x7
	// FrameAltSvc carries an RFC 7838 ALTSVC payload on the control stream.
	FrameAltSvc    FrameType = 0xa
	FrameMaxPushID FrameType = 0xd
)

// Unidirectional stream types (RFC 9114 §6.2, RFC 9204 §4.2).
const (
	StreamTypeControl      = 0x00
	StreamTypePush         = 0x01
	StreamTypeQPACKEncoder = 0x02
	StreamTypeQPACKDecoder = 0x03
)

var frameNames = map[FrameType]string{
	FrameData:        "DATA",
	FrameHeaders:     "HEADERS",
	FrameCancelPush:  "CANCEL_PUSH",
	FrameSettings:    "SETTINGS",
	FramePushPromise: "PUSH_PROMISE",
	FrameGoAway:      "GOAWAY",
	FrameAltSvc:      "ALTSVC",
	FrameMaxPushID:   "MAX_PUSH_ID",
}

func (t FrameType) String() string {
	if s, ok := frameNames[t]; ok {
		return s
	}
	return "UNKNOWN_0x" + strconv.FormatUint(uint64(t), 16)
}

// Known returns true for the frame types this implementation understands.
func (t FrameType) Known() bool {
	_, ok := frameNames[t]
	return ok
}

// Reserved returns true for HTTP/2 frame types that are not allowed in HTTP/3
// (PRIORITY, PING, WINDOW_UPDATE, CONTINUATION).
func (t FrameType) Reserved() bool {
	switch t {
	case 0x2, 0x6, 0x8, 0x9:
		return true
	}
	return false
}

// Frame is a decoded frame header. The payload follows it on the stream.
type Frame struct {
	Type   FrameType
	Length uint64

	// Malformed frames bypass order verification; the decoder reports the error.
	Malformed bool
}

func (f Frame) String() string {
	s := f.Type.String() + "/" + strconv.FormatUint(f.Length, 10)
	if f.Malformed {
		s += "/malformed"
	}
	return s
}

// ParseFrameHeader decodes a frame header from the start of b. It returns the header
// length, or 0 if b doesn't yet hold a complete header.
func ParseFrameHeader(b []byte) (Frame, int) {
	r := bytes.NewReader(b)
	t, err := quicvarint.Read(r)
	if err != nil {
		return Frame{}, 0
	}
	l, err := quicvarint.Read(r)
	if err != nil {
		return Frame{}, 0
	}
	f := Frame{Type: FrameType(t), Length: l}
	f.Malformed = f.Type.Reserved()
	return f, len(b) - r.Len()
}

// AppendFrame writes a complete frame to b.
func AppendFrame(b *nio.Buffer, t FrameType, payload []byte) {
	b.WriteVarint(uint64(t))
	b.WriteVarint(uint64(len(payload)))
	b.Append(payload)
}

// WriteFrame writes a complete frame to w in a single Write.
func WriteFrame(w io.Writer, t FrameType, payload []byte) error {
	b := nio.GetBuffer()
	defer b.Recycle()
	AppendFrame(b, t, payload)
	_, err := w.Write(b.Bytes())
	return err
}
