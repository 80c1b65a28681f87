package mhttp

import (
	"context"

	"github.com/costinm/mhttp/pool"
	"github.com/pkg/errors"
)

// Version is an HTTP protocol version.
type Version int

const (
	// VersionUnset lets the client pick, preferring HTTP/3 for secure origins.
	VersionUnset Version = iota
	HTTP11
	HTTP2
	HTTP3
)

func (v Version) String() string {
	switch v {
	case HTTP11:
		return "1.1"
	case HTTP2:
		return "2"
	case HTTP3:
		return "3"
	}
	return ""
}

// Proto returns the protocol name used in responses, "HTTP/1.1", "HTTP/2.0" or "HTTP/3.0".
func (v Version) Proto() string {
	switch v {
	case HTTP11:
		return "HTTP/1.1"
	case HTTP2:
		return "HTTP/2.0"
	case HTTP3:
		return "HTTP/3.0"
	}
	return ""
}

// ParseVersion accepts "", "1.1", "2" and "3", with an optional "HTTP/" prefix.
func ParseVersion(s string) (Version, error) {
	switch s {
	case "":
		return VersionUnset, nil
	case "1.1", "HTTP/1.1", "h1":
		return HTTP11, nil
	case "2", "2.0", "HTTP/2", "HTTP/2.0", "h2":
		return HTTP2, nil
	case "3", "3.0", "HTTP/3", "HTTP/3.0", "h3":
		return HTTP3, nil
	}
	return VersionUnset, errors.Errorf("mhttp: unknown version %q", s)
}

// RequestOptions override the client's version and discovery settings for one request.
type RequestOptions struct {
	Version Version

	Discovery    pool.DiscoveryMode
	hasDiscovery bool
}

type optionsKey struct{}

func optionsFrom(ctx context.Context) RequestOptions {
	o, _ := ctx.Value(optionsKey{}).(RequestOptions)
	return o
}

// WithVersion returns a context requesting version v for requests made with it.
func WithVersion(ctx context.Context, v Version) context.Context {
	o := optionsFrom(ctx)
	o.Version = v
	return context.WithValue(ctx, optionsKey{}, o)
}

// WithDiscovery returns a context selecting the HTTP/3 discovery mode for requests made
// with it.
func WithDiscovery(ctx context.Context, m pool.DiscoveryMode) context.Context {
	o := optionsFrom(ctx)
	o.Discovery, o.hasDiscovery = m, true
	return context.WithValue(ctx, optionsKey{}, o)
}
