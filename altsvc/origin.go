package altsvc

import (
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/idna"
)

// ErrBadOrigin is returned for origins that are not http/https, have no host or an invalid port.
var ErrBadOrigin = errors.New("altsvc: invalid origin")

// Origin identifies an authority as scheme, host and port.
//
// Host is canonical: DNS names are lower-cased (IDNA to ASCII), IPv6 literals have
// the brackets stripped. Origin is a value type and can be used as a map key.
type Origin struct {
	Scheme string
	Host   string
	Port   int
}

// DefaultPort returns 443 for https and 80 for http.
func DefaultPort(scheme string) int {
	if strings.EqualFold(scheme, "https") {
		return 443
	}
	return 80
}

// NewOrigin validates and canonicalizes an origin.
func NewOrigin(scheme, host string, port int) (Origin, error) {
	scheme = strings.ToLower(scheme)
	if scheme != "http" && scheme != "https" {
		return Origin{}, errors.Wrapf(ErrBadOrigin, "scheme %q", scheme)
	}
	if port <= 0 || port > 65535 {
		return Origin{}, errors.Wrapf(ErrBadOrigin, "port %d", port)
	}
	h, err := canonicalHost(host)
	if err != nil {
		return Origin{}, err
	}
	return Origin{Scheme: scheme, Host: h, Port: port}, nil
}

// OriginFromURL extracts the origin of an absolute http or https URL, defaulting the port.
func OriginFromURL(u *url.URL) (Origin, error) {
	if u == nil {
		return Origin{}, errors.Wrap(ErrBadOrigin, "nil URL")
	}
	port := DefaultPort(u.Scheme)
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Origin{}, errors.Wrapf(ErrBadOrigin, "port %q", p)
		}
		port = n
	}
	return NewOrigin(u.Scheme, u.Hostname(), port)
}

// ParseOrigin parses the ASCII serialization of an origin (RFC 6454 §6.2), as carried by
// ALTSVC frames on stream 0.
func ParseOrigin(s string) (Origin, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Origin{}, errors.Wrap(ErrBadOrigin, err.Error())
	}
	if u.Path != "" && u.Path != "/" || u.RawQuery != "" || u.User != nil {
		return Origin{}, errors.Wrapf(ErrBadOrigin, "not an origin: %q", s)
	}
	return OriginFromURL(u)
}

func canonicalHost(host string) (string, error) {
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		lit := host[1 : len(host)-1]
		if a, err := netip.ParseAddr(lit); err != nil || !a.Is6() {
			return "", errors.Wrapf(ErrBadOrigin, "host %q", host)
		}
		return lit, nil
	}
	if host == "" {
		return "", errors.Wrap(ErrBadOrigin, "empty host")
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return host, nil
	}
	a, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// Names idna rejects (underscores, etc) are still usable as keys.
		return strings.ToLower(host), nil
	}
	return a, nil
}

// IsSecure returns true for https origins.
func (o Origin) IsSecure() bool {
	return o.Scheme == "https"
}

// Authority returns host:port, with IPv6 literals bracketed.
func (o Origin) Authority() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// String returns the ASCII serialization, omitting the default port.
func (o Origin) String() string {
	if o.Port == DefaultPort(o.Scheme) {
		if strings.Contains(o.Host, ":") {
			return o.Scheme + "://[" + o.Host + "]"
		}
		return o.Scheme + "://" + o.Host
	}
	return o.Scheme + "://" + o.Authority()
}

// IsLocalhost returns true for loopback literals and "localhost" names.
func (o Origin) IsLocalhost() bool {
	if o.Host == "localhost" || strings.HasSuffix(o.Host, ".localhost") {
		return true
	}
	a, err := netip.ParseAddr(o.Host)
	return err == nil && a.IsLoopback()
}
