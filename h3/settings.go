package h3

import (
	"bytes"

	"github.com/costinm/mhttp/nio"
	"github.com/quic-go/quic-go/quicvarint"
)

// Setting identifiers.
const (
	SettingQPACKMaxTableCapacity = 0x01
	SettingMaxFieldSectionSize   = 0x06
	SettingQPACKBlockedStreams   = 0x07
)

// Settings are the parameters of a SETTINGS frame, by identifier.
type Settings map[uint64]uint64

// Encode returns the SETTINGS frame payload.
func (s Settings) Encode() []byte {
	b := nio.NewBuffer(8 * (len(s) + 1))
	for id, v := range s {
		b.WriteVarint(id)
		b.WriteVarint(v)
	}
	return b.Bytes()
}

// ParseSettings decodes a SETTINGS payload. Duplicate identifiers and the HTTP/2 settings
// that HTTP/3 reserves are H3_SETTINGS_ERROR.
func ParseSettings(p []byte) (Settings, error) {
	s := Settings{}
	r := bytes.NewReader(p)
	for r.Len() > 0 {
		id, err := quicvarint.Read(r)
		if err != nil {
			return nil, connErrorf(ErrCodeFrameError, "truncated SETTINGS")
		}
		v, err := quicvarint.Read(r)
		if err != nil {
			return nil, connErrorf(ErrCodeFrameError, "truncated SETTINGS")
		}
		switch id {
		case 0x00, 0x02, 0x03, 0x04, 0x05:
			return nil, connErrorf(ErrCodeSettingsError, "reserved setting 0x%x", id)
		}
		if _, dup := s[id]; dup {
			return nil, connErrorf(ErrCodeSettingsError, "duplicate setting 0x%x", id)
		}
		s[id] = v
	}
	return s, nil
}

// ParseGoAway decodes the stream or push id of a GOAWAY payload.
func ParseGoAway(p []byte) (uint64, error) {
	r := bytes.NewReader(p)
	id, err := quicvarint.Read(r)
	if err != nil || r.Len() != 0 {
		return 0, connErrorf(ErrCodeFrameError, "bad GOAWAY")
	}
	return id, nil
}
