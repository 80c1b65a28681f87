package altsvc

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrShortFrame is returned for ALTSVC payloads shorter than their declared origin.
var ErrShortFrame = errors.New("altsvc: short ALTSVC frame")

// DecodeFrame splits an ALTSVC frame payload (RFC 7838 §4) into the origin and the
// Alt-Svc field value:
//
//	Origin-Len (16) | Origin? (*) | Alt-Svc-Field-Value (*)
func DecodeFrame(payload []byte) (origin, field string, err error) {
	if len(payload) < 2 {
		return "", "", ErrShortFrame
	}
	n := int(binary.BigEndian.Uint16(payload))
	if len(payload) < 2+n {
		return "", "", ErrShortFrame
	}
	return string(payload[2 : 2+n]), string(payload[2+n:]), nil
}

// EncodeFrame builds an ALTSVC frame payload.
func EncodeFrame(origin, field string) []byte {
	b := make([]byte, 2, 2+len(origin)+len(field))
	binary.BigEndian.PutUint16(b, uint16(len(origin)))
	b = append(b, origin...)
	return append(b, field...)
}
