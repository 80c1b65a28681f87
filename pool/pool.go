// Package pool holds the client's connection pools: idle HTTP/1.1 connections, HTTP/2
// connections keyed by origin, and HTTP/3 connections split by how the endpoint was
// discovered, together with the tracker of in-flight HTTP/3 connection attempts.
package pool

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/costinm/mhttp/altsvc"
	"github.com/pkg/errors"
)

// ErrClosed completes attempts still pending when the pool is closed.
var ErrClosed = errors.New("pool: closed")

// DiscoveryMode selects how HTTP/3 endpoints may be found for a request.
type DiscoveryMode int

const (
	// Any races direct HTTP/3 against HTTP/2 and uses advertised services too.
	Any DiscoveryMode = iota
	// AltSvc only uses endpoints advertised with Alt-Svc.
	AltSvc
	// HTTP3URIOnly only connects to the request authority itself.
	HTTP3URIOnly
)

func (m DiscoveryMode) String() string {
	switch m {
	case AltSvc:
		return "alt-svc"
	case HTTP3URIOnly:
		return "http3-uri-only"
	}
	return "any"
}

// ParseDiscoveryMode accepts the String form, case-insensitive. Empty means Any.
func ParseDiscoveryMode(s string) (DiscoveryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return Any, nil
	case "alt-svc", "alt_svc", "altsvc":
		return AltSvc, nil
	case "http3-uri-only", "http_3_uri_only":
		return HTTP3URIOnly, nil
	}
	return Any, errors.Errorf("pool: unknown discovery mode %q", s)
}

// Key returns the pool key of an origin: "<scheme>:<host>:<port>".
func Key(o altsvc.Origin) string {
	return o.Scheme + ":" + o.Host + ":" + strconv.Itoa(o.Port)
}

// KeyURL is Key for the origin of u, with the port defaulted from the scheme.
func KeyURL(u *url.URL) (string, error) {
	o, err := altsvc.OriginFromURL(u)
	if err != nil {
		return "", err
	}
	return Key(o), nil
}

// Conn is a multiplexed connection held by a pool.
type Conn interface {
	// Key is the pool key of the origin the connection serves.
	Key() string

	// AltService is the alternate service the connection was made to, nil for a direct
	// connection to the origin.
	AltService() *altsvc.AltService

	// Reserve claims capacity for one more stream. It returns false once the connection
	// can't take new requests, and the pool then evicts it.
	Reserve() bool

	Close() error
}

// advertised reports which HTTP/3 map a connection or attempt belongs to.
func advertised(alt *altsvc.AltService) bool {
	return alt != nil && alt.Advertised()
}
