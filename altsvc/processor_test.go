package altsvc

import (
	"crypto/tls"
	"net/http"
	"testing"
	"time"
)

func TestProcessor(t *testing.T) {
	o := mustOrigin(t, "https://example.com")
	sni := &tls.ConnectionState{ServerName: "example.com"}

	t.Run("header", func(t *testing.T) {
		r, c := newTestRegistry()
		p := NewProcessor(r)
		got := p.ProcessHeader(o, http.StatusOK, sni, `h3=":443"; ma=60, h2="alt.example.com:8443"`)
		if len(got) != 2 {
			t.Fatal(got)
		}
		if got[0].Deadline() != c.Now().Add(time.Minute) || !got[0].Advertised() {
			t.Error(got[0])
		}
		if l := r.Lookup(o, nil); len(l) != 2 || l[1].Authority() != "alt.example.com:8443" {
			t.Error(l)
		}

		// Only invalid values: the registry is left unchanged.
		if got := p.ProcessHeader(o, http.StatusOK, sni, `h1=":80"`); got != nil {
			t.Error(got)
		}
		if r.Len() != 2 {
			t.Error("replaced with empty list")
		}

		p.ProcessHeader(o, http.StatusOK, sni, "clear")
		if r.Len() != 0 {
			t.Error("clear ignored")
		}
	})

	t.Run("ignored", func(t *testing.T) {
		r, _ := newTestRegistry()
		p := NewProcessor(r)
		p.ProcessHeader(o, http.StatusMisdirectedRequest, sni, `h3=":443"`)
		p.ProcessHeader(mustOrigin(t, "http://example.com"), http.StatusOK, sni, `h3=":443"`)
		p.ProcessHeader(o, http.StatusOK, nil, `h3=":443"`)
		p.ProcessHeader(o, http.StatusOK, &tls.ConnectionState{}, `h3=":443"`)
		if r.Len() != 0 {
			t.Error("advertisement accepted", r.Origins())
		}
	})

	t.Run("localhost", func(t *testing.T) {
		r, _ := newTestRegistry()
		p := NewProcessor(r)
		lo := mustOrigin(t, "https://localhost:8443")
		p.ProcessHeader(lo, http.StatusOK, nil, `h3=":8443"`)
		if r.Len() != 0 {
			t.Fatal("localhost accepted without AllowLocalhost")
		}
		p.AllowLocalhost = true
		if got := p.ProcessHeader(lo, http.StatusOK, nil, `h3=":8443"`); len(got) != 1 {
			t.Error(got)
		}
		if got := p.ProcessHeader(o, http.StatusOK, nil, `h3=":443"`); got != nil {
			t.Error("non-local origin accepted without SNI")
		}
	})

	t.Run("frame", func(t *testing.T) {
		r, _ := newTestRegistry()
		p := NewProcessor(r)
		if got := p.ProcessFrame(0, "", nil, sni, `h3=":443"`); got != nil {
			t.Error("stream 0 without origin", got)
		}
		if got := p.ProcessFrame(3, "https://example.com", &o, sni, `h3=":443"`); got != nil {
			t.Error("request stream with origin", got)
		}
		if got := p.ProcessFrame(0, "https://example.com", nil, sni, `h3=":443"`); len(got) != 1 {
			t.Error(got)
		}
		if got := p.ProcessFrame(5, "", &o, sni, `h2=":443"`); len(got) != 1 || got[0].ALPN() != "h2" {
			t.Error(got)
		}
		if l := r.Lookup(o, ALPN("h3")); len(l) != 0 {
			t.Error("frame merged instead of replaced", l)
		}
	})
}
