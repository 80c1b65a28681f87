package pool

import (
	"context"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/costinm/mhttp/altsvc"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type fakeConn struct {
	key    string
	alt    *altsvc.AltService
	limit  int32
	used   int32
	closed atomic.Bool
}

func (c *fakeConn) Key() string                    { return c.key }
func (c *fakeConn) AltService() *altsvc.AltService { return c.alt }
func (c *fakeConn) Reserve() bool {
	if c.closed.Load() {
		return false
	}
	return c.limit == 0 || atomic.AddInt32(&c.used, 1) <= c.limit
}
func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

var origin = altsvc.Origin{Scheme: "https", Host: "example.com", Port: 443}

func advSvc(t testing.TB, host string) *altsvc.AltService {
	s, err := altsvc.New(altsvc.Identity{ALPN: "h3", Host: host, Port: 443}, origin,
		time.Now().Add(time.Hour), false, true)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func directSvc(t testing.TB) *altsvc.AltService {
	s, err := altsvc.New(altsvc.Identity{ALPN: "h3", Port: 443}, origin,
		time.Now().Add(time.Hour), false, false)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestKey(t *testing.T) {
	for in, want := range map[string]string{
		"https://Example.com/x":     "https:example.com:443",
		"http://example.com":        "http:example.com:80",
		"HTTP://example.com:8080/":  "http:example.com:8080",
		"https://[2001:db8::1]:444": "https:2001:db8::1:444",
	} {
		u, _ := url.Parse(in)
		got, err := KeyURL(u)
		if err != nil || got != want {
			t.Error(in, got, err)
		}
	}
	for in, want := range map[string]DiscoveryMode{"": Any, "ALT-SVC": AltSvc, "http3-uri-only": HTTP3URIOnly} {
		if m, err := ParseDiscoveryMode(in); err != nil || m != want {
			t.Error(in, m, err)
		}
	}
	if _, err := ParseDiscoveryMode("h3"); err == nil {
		t.Error("bad mode accepted")
	}
}

func TestH3PoolLookup(t *testing.T) {
	key := Key(origin)

	t.Run("modes", func(t *testing.T) {
		p := NewH3Pool()
		adv := &fakeConn{key: key, alt: advSvc(t, "alt.example.com")}
		p.Put(adv)
		if p.Lookup(key, AltSvc) != adv || p.Lookup(key, Any) != adv {
			t.Error("advertised not found")
		}
		if p.Lookup(key, HTTP3URIOnly) != nil {
			t.Error("uri-only used a different authority")
		}
		direct := &fakeConn{key: key, alt: directSvc(t)}
		p.Put(direct)
		if p.Lookup(key, HTTP3URIOnly) != direct {
			t.Error("direct not found")
		}
		if a, d := p.Len(); a != 1 || d != 1 {
			t.Error(a, d)
		}
		p.Remove(direct)
		if p.Lookup(key, HTTP3URIOnly) != nil || p.Lookup(key, AltSvc) != adv {
			t.Error("remove")
		}

		same := &fakeConn{key: key, alt: advSvc(t, "example.com")}
		p.Put(same)
		if p.Lookup(key, HTTP3URIOnly) != same {
			t.Error("same-authority advertised conn rejected")
		}
	})

	t.Run("evict", func(t *testing.T) {
		p := NewH3Pool()
		c := &fakeConn{key: key, limit: 1}
		p.Put(c)
		if p.Lookup(key, Any) != c {
			t.Fatal("first reserve")
		}
		if p.Lookup(key, Any) != nil {
			t.Fatal("reserved past the limit")
		}
		if _, d := p.Len(); d != 0 {
			t.Error("not evicted")
		}
	})

	t.Run("put-if-absent", func(t *testing.T) {
		p := NewH3Pool()
		c1 := &fakeConn{key: key}
		c2 := &fakeConn{key: key}
		if got, ok := p.PutIfAbsent(c1); !ok || got != c1 {
			t.Fatal(got, ok)
		}
		if got, ok := p.PutIfAbsent(c2); ok || got != c1 {
			t.Fatal(got, ok)
		}
		if p.Remove(c2) {
			t.Error("removed a conn that wasn't pooled")
		}
	})
}

func TestPending(t *testing.T) {
	key := Key(origin)

	t.Run("acquire", func(t *testing.T) {
		p := NewH3Pool()
		id1, id2 := uuid.New(), uuid.New()
		pp, owner := p.AcquirePending(key, Any, id1, nil)
		if !owner {
			t.Fatal("first acquire not owner")
		}
		again, owner := p.AcquirePending(key, Any, id2, nil)
		if owner || again != pp {
			t.Fatal("second acquire started a new attempt")
		}
		if p.AddPending(NewPending(key, id2, nil)) {
			t.Error("duplicate pending installed")
		}
		// Advertised attempts use their own slot.
		ap := NewPending(key, id2, advSvc(t, "alt.example.com"))
		if !p.AddPending(ap) {
			t.Error("advertised pending rejected")
		}
		if p.FindPending(key, AltSvc) != ap || p.FindPending(key, HTTP3URIOnly) != pp {
			t.Error("find by mode")
		}

		// Another exchange can't remove the marker.
		if p.RemoveCompleted(NewPending(key, id2, nil)) {
			t.Error("removed another exchange's marker")
		}
		c := &fakeConn{key: key}
		pp.Complete(c, nil)
		got, err := again.Wait(context.Background())
		if err != nil || got != c {
			t.Error(got, err)
		}
		if !p.RemoveCompleted(pp) || p.FindPending(key, HTTP3URIOnly) != nil {
			t.Error("remove completed")
		}
	})

	t.Run("wait-cancel", func(t *testing.T) {
		pp := NewPending(key, uuid.New(), nil)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if _, err := pp.Wait(ctx); err != context.DeadlineExceeded {
			t.Error(err)
		}
	})

	t.Run("stream-limit", func(t *testing.T) {
		p := NewH3Pool()
		c := &fakeConn{key: key}
		p.Put(c)
		p.StreamLimitReached(c)
		if p.Lookup(key, Any) != nil {
			t.Error("exhausted conn reused")
		}
		if p.FindPending(key, Any) != nil {
			t.Error("marker returned as an attempt")
		}
		// A new attempt supersedes the marker. If it fails the exhausted conn still
		// isn't reused.
		pp, owner := p.AcquirePending(key, Any, uuid.New(), nil)
		if !owner {
			t.Fatal("marker blocked a new attempt")
		}
		pp.Complete(nil, ErrClosed)
		p.RemoveCompleted(pp)
		if p.Lookup(key, Any) != nil || p.FindPending(key, Any) != nil {
			t.Error("exhausted conn reused after a failed attempt")
		}

		pp, owner = p.AcquirePending(key, Any, uuid.New(), nil)
		if !owner {
			t.Fatal("no new attempt after a failed one")
		}
		c2 := &fakeConn{key: key}
		p.Put(c2)
		pp.Complete(c2, nil)
		p.RemoveCompleted(pp)
		if p.Lookup(key, Any) != c2 {
			t.Error("new conn")
		}
	})

	t.Run("close", func(t *testing.T) {
		p := NewH3Pool()
		pp, _ := p.AcquirePending(key, Any, uuid.New(), nil)
		c := &fakeConn{key: "https:other:443"}
		p.Put(c)
		p.Close()
		if _, err := pp.Wait(context.Background()); err != ErrClosed {
			t.Error(err)
		}
		if !c.closed.Load() {
			t.Error("conn not closed")
		}
	})
}

func TestPendingConcurrent(t *testing.T) {
	p := NewH3Pool()
	key := Key(origin)
	var owners int32
	var mu sync.Mutex
	seen := map[*Pending]bool{}

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		mode := DiscoveryMode(i % 3)
		g.Go(func() error {
			pp, owner := p.AcquirePending(key, mode, uuid.New(), nil)
			if owner {
				atomic.AddInt32(&owners, 1)
			}
			mu.Lock()
			seen[pp] = true
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	if owners != 1 || len(seen) != 1 {
		t.Errorf("owners=%d attempts=%d", owners, len(seen))
	}
}

func TestH2Pool(t *testing.T) {
	p := NewH2Pool()
	c := &fakeConn{key: "https:example.com:443", limit: 2}
	p.Put(c)
	if p.Get(c.key) != c || p.Get(c.key) != c {
		t.Fatal("reserve")
	}
	if p.Get(c.key) != nil || p.Len() != 0 {
		t.Error("exhausted conn kept")
	}
	p.Put(c)
	if !p.Remove(c) || p.Remove(c) {
		t.Error("remove")
	}
}

func TestH1Pool(t *testing.T) {
	p := NewH1Pool()
	p.MaxIdle = 1
	a, b := net.Pipe()
	defer b.Close()
	c, d := net.Pipe()
	defer d.Close()

	p.Put("k", a)
	p.Put("k", c)
	if _, err := c.Write([]byte{1}); err == nil {
		t.Error("extra idle conn not closed")
	}
	if !p.HasIdle("k") || p.Get("k") != a || p.Get("k") != nil {
		t.Error("get")
	}
	if p.NoH2("k") {
		t.Error("noH2")
	}
	p.MarkNoH2("k")
	if !p.NoH2("k") {
		t.Error("noH2 not recorded")
	}
}
