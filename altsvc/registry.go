package altsvc

import (
	"crypto/tls"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/slog"
)

const (
	// DefaultMaxAge applies when an Alt-Svc value has no usable "ma" parameter, and to
	// services registered after a direct connection.
	DefaultMaxAge = 24 * time.Hour

	// MaxInvalid is the capacity of the ban-list of failed alternate services.
	MaxInvalid = 20
)

type invalidKey struct {
	origin Origin
	id     Identity
}

// Registry caches the alternate services known for each origin, in preference order.
//
// One mutex guards both the active lists and the ban-list, so an entry can't be returned
// by Lookup while it is concurrently marked invalid. Go mutexes are not reentrant: methods
// that both read and write hold the lock once and use the *Locked helpers.
type Registry struct {
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// UnadvertisedMaxAge is the lifetime of services registered by RegisterUnadvertised.
	UnadvertisedMaxAge time.Duration

	Logger *slog.Logger

	mu       sync.Mutex
	services map[Origin][]*AltService
	invalid  *BoundedSet[invalidKey]
}

// NewRegistry creates an empty registry with the default ban-list capacity.
func NewRegistry() *Registry {
	return NewRegistrySize(MaxInvalid)
}

// NewRegistrySize creates a registry with a custom ban-list capacity.
func NewRegistrySize(maxInvalid int) *Registry {
	return &Registry{
		Clock:              time.Now,
		UnadvertisedMaxAge: DefaultMaxAge,
		Logger:             slog.Default().With("component", "altsvc"),
		services:           map[Origin][]*AltService{},
		invalid:            NewBoundedSet[invalidKey](maxInvalid),
	}
}

// Replace discards the current services of origin and installs svcs, minus any identity
// currently banned. An empty result removes the origin. A new Alt-Svc value replaces, it
// does not merge (RFC 7838 §3).
func (r *Registry) Replace(origin Origin, svcs []*AltService) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make([]*AltService, 0, len(svcs))
	for _, s := range svcs {
		if s == nil || s.origin != origin {
			continue
		}
		if r.invalid.Contains(invalidKey{origin, s.id}) {
			r.Logger.Debug("altsvc skip invalid", "origin", origin.String(), "alt", s.id.String())
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		delete(r.services, origin)
		return
	}
	r.services[origin] = kept
}

// RegisterUnadvertised records a successful direct connection as a non-advertised alternate
// service. The connection must have used SNI; a successful connection lifts any ban on id.
func (r *Registry) RegisterUnadvertised(id Identity, origin Origin, cs tls.ConnectionState) (*AltService, error) {
	if !origin.IsSecure() {
		return nil, ErrNotSecure
	}
	if cs.ServerName == "" {
		return nil, ErrNoSNI
	}
	svc, err := New(id, origin, r.Clock().Add(r.UnadvertisedMaxAge), false, false)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.invalid.Remove(invalidKey{origin, svc.id})
	now := r.Clock()
	list := r.pruneLocked(origin, now)
	for _, s := range list {
		if s.id == svc.id {
			return s, nil
		}
	}
	r.services[origin] = append(list, svc)
	return svc, nil
}

// Clear drops all services of origin.
func (r *Registry) Clear(origin Origin) {
	r.mu.Lock()
	delete(r.services, origin)
	r.mu.Unlock()
}

// ClearNonPersistent drops every service not advertised with persist=1, as required on a
// network configuration change.
func (r *Registry) ClearNonPersistent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for o, list := range r.services {
		kept := list[:0:0]
		for _, s := range list {
			if s.persist {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(r.services, o)
		} else {
			r.services[o] = kept
		}
	}
}

// MarkInvalid removes svc from its origin and bans its identity until the ban-list evicts it.
func (r *Registry) MarkInvalid(svc *AltService) {
	if svc == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(svc)
	if ev, ok := r.invalid.Add(invalidKey{svc.origin, svc.id}); ok {
		r.Logger.Debug("altsvc ban evicted", "origin", ev.origin.String(), "alt", ev.id.String())
	}
}

// IsInvalid returns true while id is banned for origin.
func (r *Registry) IsInvalid(origin Origin, id Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalid.Contains(invalidKey{origin, id})
}

// InvalidCount returns the size of the ban-list.
func (r *Registry) InvalidCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalid.Len()
}

// Lookup returns the active services of origin whose ALPN matches, in preference order.
// Expired entries are pruned. A nil match accepts every ALPN.
func (r *Registry) Lookup(origin Origin, match func(alpn string) bool) []*AltService {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.pruneLocked(origin, r.Clock())
	var res []*AltService
	for _, s := range list {
		if match == nil || match(s.id.ALPN) {
			res = append(res, s)
		}
	}
	return res
}

// LookupURL is Lookup for the origin of u. Invalid URLs have no services.
func (r *Registry) LookupURL(u *url.URL, match func(alpn string) bool) []*AltService {
	o, err := OriginFromURL(u)
	if err != nil {
		return nil
	}
	return r.Lookup(o, match)
}

// IsActive returns true if svc is still registered and not expired.
func (r *Registry) IsActive(svc *AltService) bool {
	if svc == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.pruneLocked(svc.origin, r.Clock()) {
		if s == svc {
			return true
		}
	}
	return false
}

// Len returns the number of registered services across all origins, including entries
// that expired but were not pruned yet.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.services {
		n += len(l)
	}
	return n
}

// Origins returns the origins with registered services, sorted.
func (r *Registry) Origins() []Origin {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]Origin, 0, len(r.services))
	for o := range r.services {
		res = append(res, o)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].String() < res[j].String()
	})
	return res
}

// ALPN returns a match function accepting the given protocol ids.
func ALPN(names ...string) func(string) bool {
	return func(alpn string) bool {
		for _, n := range names {
			if n == alpn {
				return true
			}
		}
		return false
	}
}

func (r *Registry) pruneLocked(origin Origin, now time.Time) []*AltService {
	list := r.services[origin]
	if len(list) == 0 {
		return nil
	}
	kept := list[:0:0]
	for _, s := range list {
		if !s.Expired(now) {
			kept = append(kept, s)
		}
	}
	if len(kept) == len(list) {
		return list
	}
	if len(kept) == 0 {
		delete(r.services, origin)
		return nil
	}
	r.services[origin] = kept
	return kept
}

func (r *Registry) removeLocked(svc *AltService) {
	list := r.services[svc.origin]
	kept := list[:0:0]
	for _, s := range list {
		if s.id != svc.id {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(r.services, svc.origin)
		return
	}
	r.services[svc.origin] = kept
}
