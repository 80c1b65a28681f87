package altsvc

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	c := &fakeClock{now: time.Unix(1700000000, 0)}
	r := NewRegistry()
	r.Clock = c.Now
	return r, c
}

func mustOrigin(t testing.TB, s string) Origin {
	u, err := url.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	o, err := OriginFromURL(u)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func mustSvc(t testing.TB, o Origin, alpn, host string, port int, deadline time.Time) *AltService {
	s, err := New(Identity{ALPN: alpn, Host: host, Port: port}, o, deadline, false, true)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestOrigin(t *testing.T) {
	o := mustOrigin(t, "https://WWW.Example.COM/path")
	if o.Host != "www.example.com" || o.Port != 443 || o.Scheme != "https" {
		t.Error(o)
	}
	o = mustOrigin(t, "http://[::1]:8080")
	if o.Host != "::1" || o.Port != 8080 || o.Authority() != "[::1]:8080" {
		t.Error(o)
	}
	if o.String() != "http://[::1]:8080" || !o.IsLocalhost() || o.IsSecure() {
		t.Error(o.String())
	}
	if _, err := NewOrigin("ftp", "example.com", 21); err == nil {
		t.Error("ftp accepted")
	}
	if _, err := NewOrigin("https", "example.com", 0); err == nil {
		t.Error("port 0 accepted")
	}
	p, err := ParseOrigin("https://example.com")
	if err != nil || p != mustOrigin(t, "https://example.com:443") {
		t.Error(p, err)
	}
	if _, err := ParseOrigin("https://example.com/x"); err == nil {
		t.Error("path accepted in origin")
	}
}

func TestAltService(t *testing.T) {
	o := mustOrigin(t, "https://example.com")
	now := time.Now()
	s := mustSvc(t, o, "h3", "", 443, now.Add(time.Hour))
	if !s.SameAuthorityAsOrigin() || s.Authority() != "example.com:443" {
		t.Error(s)
	}
	s = mustSvc(t, o, "h3", "alt.example.com", 443, now.Add(time.Hour))
	if s.SameAuthorityAsOrigin() {
		t.Error(s)
	}
	if _, err := New(Identity{ALPN: "h3", Port: 443}, mustOrigin(t, "http://example.com"), now, false, true); err != ErrNotSecure {
		t.Error("insecure origin accepted", err)
	}
}

func TestRegistry(t *testing.T) {
	o := mustOrigin(t, "https://example.com")
	h3 := ALPN("h3")

	t.Run("replace-lookup", func(t *testing.T) {
		r, c := newTestRegistry()
		d := c.Now().Add(time.Hour)
		s1 := mustSvc(t, o, "h3", "a.example.com", 443, d)
		s2 := mustSvc(t, o, "h2", "b.example.com", 443, d)
		s3 := mustSvc(t, o, "h3", "c.example.com", 443, d)
		r.Replace(o, []*AltService{s1, s2, s3})

		got := r.Lookup(o, h3)
		if len(got) != 2 || got[0] != s1 || got[1] != s3 {
			t.Fatal(got)
		}
		if all := r.Lookup(o, nil); len(all) != 3 {
			t.Fatal(all)
		}

		// Overwrite, not merge
		r.Replace(o, []*AltService{s2})
		if got := r.Lookup(o, h3); len(got) != 0 {
			t.Error("replace merged", got)
		}
		r.Replace(o, nil)
		if len(r.Origins()) != 0 {
			t.Error("empty replace kept origin")
		}
	})

	t.Run("lazy-expiry", func(t *testing.T) {
		r, c := newTestRegistry()
		short := mustSvc(t, o, "h3", "a.example.com", 443, c.Now().Add(time.Minute))
		long := mustSvc(t, o, "h3", "b.example.com", 443, c.Now().Add(time.Hour))
		r.Replace(o, []*AltService{short, long})
		if !r.IsActive(short) {
			t.Fatal("not active")
		}
		c.Advance(time.Minute)
		if r.IsActive(short) {
			t.Error("expired service active")
		}
		if got := r.LookupURL(&url.URL{Scheme: "https", Host: "example.com"}, h3); len(got) != 1 || got[0] != long {
			t.Error(got)
		}
		if r.Len() != 1 {
			t.Error("expired entry not pruned", r.Len())
		}
	})

	t.Run("mark-invalid", func(t *testing.T) {
		r, c := newTestRegistry()
		d := c.Now().Add(time.Hour)
		s1 := mustSvc(t, o, "h3", "a.example.com", 443, d)
		s2 := mustSvc(t, o, "h3", "b.example.com", 443, d)
		r.Replace(o, []*AltService{s1, s2})
		r.MarkInvalid(s1)
		if r.IsActive(s1) || !r.IsInvalid(o, s1.Identity()) {
			t.Fatal("not invalidated")
		}

		// A fresh advertisement of the same identity is filtered.
		s1b := mustSvc(t, o, "h3", "a.example.com", 443, d)
		r.Replace(o, []*AltService{s1b, s2})
		if got := r.Lookup(o, h3); len(got) != 1 || got[0] != s2 {
			t.Error(got)
		}
	})

	t.Run("ban-eviction", func(t *testing.T) {
		r, c := newTestRegistry()
		d := c.Now().Add(time.Hour)
		first := mustSvc(t, o, "h3", "alt0.example.com", 443, d)
		r.MarkInvalid(first)
		for i := 1; i <= MaxInvalid; i++ {
			r.MarkInvalid(mustSvc(t, o, "h3", fmt.Sprintf("alt%d.example.com", i), 443, d))
			if r.InvalidCount() > MaxInvalid {
				t.Fatal("ban-list over capacity", r.InvalidCount())
			}
		}
		if r.IsInvalid(o, first.Identity()) {
			t.Error("oldest ban not evicted")
		}
		r.Replace(o, []*AltService{first})
		if got := r.Lookup(o, h3); len(got) != 1 {
			t.Error("evicted ban still applied", got)
		}
	})

	t.Run("register-unadvertised", func(t *testing.T) {
		r, _ := newTestRegistry()
		id := Identity{ALPN: "h3", Host: "example.com", Port: 443}
		if _, err := r.RegisterUnadvertised(id, o, tls.ConnectionState{}); err != ErrNoSNI {
			t.Error("registered without SNI", err)
		}
		if _, err := r.RegisterUnadvertised(id, mustOrigin(t, "http://example.com"),
			tls.ConnectionState{ServerName: "example.com"}); err != ErrNotSecure {
			t.Error("registered insecure", err)
		}

		svc, _ := New(id, o, time.Now().Add(time.Hour), false, true)
		r.MarkInvalid(svc)
		s, err := r.RegisterUnadvertised(id, o, tls.ConnectionState{ServerName: "example.com"})
		if err != nil {
			t.Fatal(err)
		}
		if s.Advertised() || !s.SameAuthorityAsOrigin() || r.IsInvalid(o, id) {
			t.Error(s)
		}
		if s.Deadline() != r.Clock().Add(DefaultMaxAge) {
			t.Error("deadline", s.Deadline())
		}
		if again, _ := r.RegisterUnadvertised(id, o, tls.ConnectionState{ServerName: "example.com"}); again != s {
			t.Error("duplicate registration")
		}
	})

	t.Run("persist", func(t *testing.T) {
		r, c := newTestRegistry()
		d := c.Now().Add(time.Hour)
		keep, _ := New(Identity{ALPN: "h3", Host: "a", Port: 443}, o, d, true, true)
		drop, _ := New(Identity{ALPN: "h3", Host: "b", Port: 443}, o, d, false, true)
		r.Replace(o, []*AltService{keep, drop})
		r.ClearNonPersistent()
		if got := r.Lookup(o, nil); len(got) != 1 || got[0] != keep {
			t.Error(got)
		}
		r.Clear(o)
		if r.Len() != 0 {
			t.Error("clear")
		}
	})
}

// A lookup concurrent with replace sees either the old or the new list, never a mix.
func TestRegistryAtomicReplace(t *testing.T) {
	r, c := newTestRegistry()
	o := mustOrigin(t, "https://example.com")
	d := c.Now().Add(time.Hour)
	a := []*AltService{
		mustSvc(t, o, "h3", "a1", 443, d),
		mustSvc(t, o, "h3", "a2", 443, d),
		mustSvc(t, o, "h3", "a3", 443, d),
	}
	b := []*AltService{
		mustSvc(t, o, "h3", "b1", 443, d),
		mustSvc(t, o, "h3", "b2", 443, d),
	}
	r.Replace(o, a)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				r.Replace(o, b)
			} else {
				r.Replace(o, a)
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		got := r.Lookup(o, ALPN("h3"))
		switch len(got) {
		case 3:
			for j := range a {
				if got[j] != a[j] {
					t.Fatal("mixed result", got)
				}
			}
		case 2:
			for j := range b {
				if got[j] != b[j] {
					t.Fatal("mixed result", got)
				}
			}
		default:
			t.Fatal("partial result", got)
		}
	}
	close(stop)
	wg.Wait()
}
