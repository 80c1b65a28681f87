package pool

import (
	"sync"

	"golang.org/x/exp/slog"
)

// H2Pool keeps at most one HTTP/2 connection per origin key.
type H2Pool struct {
	Logger *slog.Logger

	mu    sync.Mutex
	conns map[string]Conn
}

func NewH2Pool() *H2Pool {
	return &H2Pool{
		Logger: slog.Default().With("component", "pool"),
		conns:  map[string]Conn{},
	}
}

// Get returns a connection for key with one stream reserved, or nil. A connection that
// can't be reserved is evicted.
func (p *H2Pool) Get(key string) Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.conns[key]
	if c == nil {
		return nil
	}
	if !c.Reserve() {
		delete(p.conns, key)
		p.Logger.Debug("h2 evict", "key", key)
		return nil
	}
	return c
}

// Put installs c, replacing any previous connection for its key. The previous connection
// is not closed, in-flight streams finish on it.
func (p *H2Pool) Put(c Conn) {
	p.mu.Lock()
	p.conns[c.Key()] = c
	p.mu.Unlock()
}

// Remove drops c if it is still the pooled connection for its key.
func (p *H2Pool) Remove(c Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[c.Key()] != c {
		return false
	}
	delete(p.conns, c.Key())
	return true
}

func (p *H2Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes and drops all connections.
func (p *H2Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = map[string]Conn{}
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return nil
}
