package pool

import (
	"net"
	"sync"
)

// H1Pool keeps idle HTTP/1.1 connections per origin key, and remembers the origins whose
// server answered an HTTP/2 attempt with HTTP/1.1.
type H1Pool struct {
	// MaxIdle is the number of idle connections kept per key. Zero means 4.
	MaxIdle int

	mu   sync.Mutex
	idle map[string][]net.Conn
	noH2 map[string]bool
}

func NewH1Pool() *H1Pool {
	return &H1Pool{
		idle: map[string][]net.Conn{},
		noH2: map[string]bool{},
	}
}

// Get removes and returns the most recently used idle connection for key, or nil.
func (p *H1Pool) Get(key string) net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.idle[key]
	if len(l) == 0 {
		return nil
	}
	c := l[len(l)-1]
	l[len(l)-1] = nil
	if len(l) == 1 {
		delete(p.idle, key)
	} else {
		p.idle[key] = l[:len(l)-1]
	}
	return c
}

// HasIdle returns true if at least one idle connection exists for key.
func (p *H1Pool) HasIdle(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[key]) > 0
}

// Put returns c to the idle list. When the list is full c is closed instead.
func (p *H1Pool) Put(key string, c net.Conn) {
	max := p.MaxIdle
	if max <= 0 {
		max = 4
	}
	p.mu.Lock()
	if len(p.idle[key]) >= max {
		p.mu.Unlock()
		c.Close()
		return
	}
	p.idle[key] = append(p.idle[key], c)
	p.mu.Unlock()
}

// MarkNoH2 records that the server for key negotiated HTTP/1.1 instead of HTTP/2.
func (p *H1Pool) MarkNoH2(key string) {
	p.mu.Lock()
	p.noH2[key] = true
	p.mu.Unlock()
}

// NoH2 returns true if the server for key is known to lack HTTP/2.
func (p *H1Pool) NoH2(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.noH2[key]
}

// Close closes all idle connections.
func (p *H1Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = map[string][]net.Conn{}
	p.mu.Unlock()
	for _, l := range idle {
		for _, c := range l {
			c.Close()
		}
	}
	return nil
}
