// Package altsvc implements the client side of HTTP Alternative Services (RFC 7838):
// the origin and alternate-service model, the per-client registry with expiry and a
// bounded ban-list, and the Alt-Svc header / ALTSVC frame parser.
package altsvc

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotSecure is returned when an alternate service is requested for an http origin.
	ErrNotSecure = errors.New("altsvc: origin is not secure")

	// ErrNoSNI is returned when the connection proving an alternate service did not send SNI.
	ErrNoSNI = errors.New("altsvc: connection has no SNI server name")
)

// Identity is the protocol identity of an advertised endpoint.
type Identity struct {
	ALPN string
	Host string
	Port int
}

// Authority returns host:port of the alternate endpoint.
func (id Identity) Authority() string {
	return net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
}

func (id Identity) String() string {
	return id.ALPN + "=" + id.Authority()
}

// AltService is an alternate endpoint for an origin. Immutable once created; the Registry
// decides whether it is still active.
type AltService struct {
	id         Identity
	origin     Origin
	deadline   time.Time
	persist    bool
	advertised bool

	authority     string
	sameAuthority bool
}

// New creates an alternate service. Only secure origins may have alternate services.
//
// advertised is false for services discovered by a successful direct connection, rather
// than by an Alt-Svc header or frame.
func New(id Identity, origin Origin, deadline time.Time, persist, advertised bool) (*AltService, error) {
	if !origin.IsSecure() {
		return nil, ErrNotSecure
	}
	if id.Port <= 0 || id.Port > 65535 {
		return nil, errors.Errorf("altsvc: invalid port %d", id.Port)
	}
	if id.Host == "" {
		id.Host = origin.Host
	}
	a := id.Authority()
	return &AltService{
		id:            id,
		origin:        origin,
		deadline:      deadline,
		persist:       persist,
		advertised:    advertised,
		authority:     a,
		sameAuthority: a == origin.Authority(),
	}, nil
}

func (s *AltService) Identity() Identity { return s.id }
func (s *AltService) Origin() Origin     { return s.origin }
func (s *AltService) ALPN() string       { return s.id.ALPN }
func (s *AltService) Host() string       { return s.id.Host }
func (s *AltService) Port() int          { return s.id.Port }
func (s *AltService) Deadline() time.Time {
	return s.deadline
}
func (s *AltService) Persist() bool { return s.persist }

// Advertised is false for opportunistically discovered (direct connection) services.
func (s *AltService) Advertised() bool { return s.advertised }

// Authority is the host:port to connect to, also sent in the alt-used header.
func (s *AltService) Authority() string { return s.authority }

// SameAuthorityAsOrigin is true if the alternate endpoint is the origin's own host:port.
func (s *AltService) SameAuthorityAsOrigin() bool { return s.sameAuthority }

// Expired returns true once the deadline is reached.
func (s *AltService) Expired(now time.Time) bool {
	return !now.Before(s.deadline)
}

// Value returns the wire form of the service, with max-age computed relative to now.
func (s *AltService) Value(now time.Time) Value {
	ma := s.deadline.Sub(now)
	if ma < 0 {
		ma = 0
	}
	v := Value{ALPN: s.id.ALPN, Port: s.id.Port, MaxAge: ma.Truncate(time.Second), Persist: s.persist}
	if !s.sameHost() {
		v.Host = s.id.Host
	}
	return v
}

func (s *AltService) sameHost() bool {
	return s.id.Host == s.origin.Host
}

func (s *AltService) String() string {
	return fmt.Sprintf("%s -> %s (advertised=%v, deadline=%s)", s.origin, s.id, s.advertised,
		s.deadline.Format(time.RFC3339))
}
