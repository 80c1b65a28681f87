package pool

import (
	"fmt"
	"sync"

	"github.com/costinm/mhttp/altsvc"
	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

// H3Pool holds HTTP/3 connections and attempts in two maps: connections made to
// header-advertised alternate services, and direct or opportunistic ones. A connection
// is never in both.
type H3Pool struct {
	Logger *slog.Logger

	mu           sync.Mutex
	advertised   map[string]Conn
	unadvertised map[string]Conn

	pendingAdv   map[string]marker
	pendingUnadv map[string]marker
}

func NewH3Pool() *H3Pool {
	return &H3Pool{
		Logger:       slog.Default().With("component", "pool"),
		advertised:   map[string]Conn{},
		unadvertised: map[string]Conn{},
		pendingAdv:   map[string]marker{},
		pendingUnadv: map[string]marker{},
	}
}

func (p *H3Pool) conns(adv bool) (this, other map[string]Conn) {
	if adv {
		return p.advertised, p.unadvertised
	}
	return p.unadvertised, p.advertised
}

func (p *H3Pool) pending(adv bool) map[string]marker {
	if adv {
		return p.pendingAdv
	}
	return p.pendingUnadv
}

// Lookup returns a pooled connection for key usable in mode, with one stream reserved.
// Connections that can't be reserved are evicted.
//
// AltSvc only considers advertised connections. HTTP3URIOnly prefers direct connections
// and accepts an advertised one only if it is on the origin's own authority. Any
// accepts both, advertised first.
func (p *H3Pool) Lookup(key string, mode DiscoveryMode) Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch mode {
	case AltSvc:
		return p.reserveLocked(p.advertised, key, false)
	case HTTP3URIOnly:
		if c := p.reserveLocked(p.unadvertised, key, false); c != nil {
			return c
		}
		return p.reserveLocked(p.advertised, key, true)
	default:
		if c := p.reserveLocked(p.advertised, key, false); c != nil {
			return c
		}
		return p.reserveLocked(p.unadvertised, key, false)
	}
}

func (p *H3Pool) reserveLocked(m map[string]Conn, key string, sameAuthority bool) Conn {
	c := m[key]
	if c == nil {
		return nil
	}
	if sameAuthority && (c.AltService() == nil || !c.AltService().SameAuthorityAsOrigin()) {
		return nil
	}
	if !c.Reserve() {
		delete(m, key)
		if sl, ok := c.(streamLimited); ok && sl.StreamLimitReached() {
			p.markLimitLocked(c)
		}
		p.Logger.Debug("h3 evict", "key", key)
		return nil
	}
	return c
}

// streamLimited is implemented by connections that can tell a full stream budget apart
// from a closed or draining connection.
type streamLimited interface {
	StreamLimitReached() bool
}

// PutIfAbsent installs c unless another connection is already pooled for its key, in
// which case that connection is returned.
func (p *H3Pool) PutIfAbsent(c Conn) (Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.checkLocked(c)
	if cur := m[c.Key()]; cur != nil && cur != c {
		return cur, false
	}
	p.putLocked(m, c)
	return c, true
}

// Put installs c, replacing any connection pooled for its key, and supersedes a
// stream-limit marker for it.
func (p *H3Pool) Put(c Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.putLocked(p.checkLocked(c), c)
}

func (p *H3Pool) putLocked(m map[string]Conn, c Conn) {
	m[c.Key()] = c
	pm := p.pending(advertised(c.AltService()))
	if _, ok := pm[c.Key()].(streamLimit); ok {
		delete(pm, c.Key())
	}
}

// checkLocked returns the map c belongs to, and panics if c is pooled in the other one.
func (p *H3Pool) checkLocked(c Conn) map[string]Conn {
	m, other := p.conns(advertised(c.AltService()))
	if other[c.Key()] == c {
		p.Logger.Error("h3 connection in both pools", "key", c.Key())
		panic(fmt.Sprintf("pool: h3 connection %s in both advertised and unadvertised pools", c.Key()))
	}
	return m
}

// Remove drops c if it is the connection pooled for its key.
func (p *H3Pool) Remove(c Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.checkLocked(c)
	if m[c.Key()] != c {
		return false
	}
	delete(m, c.Key())
	return true
}

// FindPending returns the in-flight attempt for key usable in mode, using the same rules
// as Lookup. Stream-limit markers and completed attempts are not returned.
func (p *H3Pool) FindPending(key string, mode DiscoveryMode) *Pending {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.findPendingLocked(key, mode)
}

func (p *H3Pool) findPendingLocked(key string, mode DiscoveryMode) *Pending {
	get := func(adv, sameAuthority bool) *Pending {
		pp, ok := p.pending(adv)[key].(*Pending)
		if !ok || pp.completed() {
			return nil
		}
		if sameAuthority && (pp.Alt == nil || !pp.Alt.SameAuthorityAsOrigin()) {
			return nil
		}
		return pp
	}
	switch mode {
	case AltSvc:
		return get(true, false)
	case HTTP3URIOnly:
		if pp := get(false, false); pp != nil {
			return pp
		}
		return get(true, true)
	default:
		if pp := get(true, false); pp != nil {
			return pp
		}
		return get(false, false)
	}
}

// AddPending registers pp. A second outstanding attempt for the same key and pool is a
// bookkeeping bug: it is logged and pp is not installed.
func (p *H3Pool) AddPending(pp *Pending) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addPendingLocked(pp)
}

func (p *H3Pool) addPendingLocked(pp *Pending) bool {
	m := p.pending(advertised(pp.Alt))
	if cur, ok := m[pp.Key].(*Pending); ok && cur != pp && !cur.completed() {
		p.Logger.Error("duplicate pending h3 connection", "key", pp.Key,
			"exchange", pp.ExchangeID.String(), "owner", cur.ExchangeID.String())
		return false
	}
	m[pp.Key] = pp
	return true
}

// AcquirePending returns the attempt an exchange should wait on. If an outstanding
// attempt usable in mode exists it is returned with owner false. Otherwise a new attempt
// for alt (nil for direct) is registered and returned with owner true; the caller must
// connect, Complete it and call RemoveCompleted.
func (p *H3Pool) AcquirePending(key string, mode DiscoveryMode, id uuid.UUID, alt *altsvc.AltService) (pp *Pending, owner bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur := p.findPendingLocked(key, mode); cur != nil {
		return cur, false
	}
	// A streamLimit marker never starts an attempt by itself, and it is not something to
	// wait on. The first exchange that needs a connection for key replaces it with its
	// own attempt. The exhausted connection already left the pool, so it stays unused.
	pp = NewPending(key, id, alt)
	if !p.addPendingLocked(pp) {
		// The slot holds an attempt mode can't use directly. Only one may be
		// outstanding per key, so wait on it.
		cur, _ := p.pending(advertised(alt))[key].(*Pending)
		return cur, false
	}
	return pp, true
}

// RemoveCompleted removes pp's entry, if the tracker still holds an entry for the same
// attempt. It never removes another exchange's marker.
func (p *H3Pool) RemoveCompleted(pp *Pending) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.pending(advertised(pp.Alt))
	cur, ok := m[pp.Key].(*Pending)
	if !ok || !cur.sameAttempt(pp) {
		return false
	}
	delete(m, pp.Key)
	return true
}

// StreamLimitReached evicts c, which can't open more streams, and marks its key so that
// no lookup reuses it until a new connection is put.
func (p *H3Pool) StreamLimitReached(c Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.checkLocked(c)
	if m[c.Key()] == c {
		delete(m, c.Key())
	}
	p.markLimitLocked(c)
}

func (p *H3Pool) markLimitLocked(c Conn) {
	pm := p.pending(advertised(c.AltService()))
	if cur, ok := pm[c.Key()].(*Pending); ok && !cur.completed() {
		return
	}
	pm[c.Key()] = streamLimit{conn: c}
}

// Len returns the number of pooled connections, advertised and direct.
func (p *H3Pool) Len() (adv, direct int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.advertised), len(p.unadvertised)
}

// Close closes all pooled connections and fails the outstanding attempts' waiters.
func (p *H3Pool) Close() error {
	p.mu.Lock()
	var conns []Conn
	for _, m := range []map[string]Conn{p.advertised, p.unadvertised} {
		for _, c := range m {
			conns = append(conns, c)
		}
	}
	var waiting []*Pending
	for _, m := range []map[string]marker{p.pendingAdv, p.pendingUnadv} {
		for _, mk := range m {
			if pp, ok := mk.(*Pending); ok {
				waiting = append(waiting, pp)
			}
		}
	}
	p.advertised, p.unadvertised = map[string]Conn{}, map[string]Conn{}
	p.pendingAdv, p.pendingUnadv = map[string]marker{}, map[string]marker{}
	p.mu.Unlock()
	for _, pp := range waiting {
		pp.Complete(nil, ErrClosed)
	}
	for _, c := range conns {
		c.Close()
	}
	return nil
}
