package altsvc

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseRoundTrip(t *testing.T) {
	for _, v := range []Value{
		{ALPN: "h3", Port: 443, MaxAge: time.Hour},
		{ALPN: "h3", Host: "alt.example.com", Port: 8443, MaxAge: 0, Persist: true},
		{ALPN: "h2", Host: "::1", Port: 443, MaxAge: DefaultMaxAge},
		{ALPN: "h3", Host: "10.0.0.1", Port: 1, MaxAge: 30 * time.Second},
	} {
		t.Run(v.String(), func(t *testing.T) {
			got, clear, err := ParseHeader(v.String())
			if err != nil || clear {
				t.Fatal(err, clear)
			}
			if diff := cmp.Diff([]Value{v}, got); diff != "" {
				t.Error(diff)
			}
		})
	}

	t.Run("list", func(t *testing.T) {
		vals := []Value{
			{ALPN: "h3", Port: 443, MaxAge: time.Hour},
			{ALPN: "h3", Host: "b.example.com", Port: 443, MaxAge: time.Minute, Persist: true},
		}
		got, _, err := ParseHeader(FormatHeader(vals))
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(vals, got); diff != "" {
			t.Error(diff)
		}
	})
}

func TestParseHeader(t *testing.T) {
	t.Run("clear", func(t *testing.T) {
		vals, clear, err := ParseHeader("clear")
		if !clear || vals != nil || err != nil {
			t.Fatal(vals, clear, err)
		}
		// Case sensitive
		if _, clear, _ = ParseHeader("Clear"); clear {
			t.Error("Clear is not the clear keyword")
		}
	})

	t.Run("defaults", func(t *testing.T) {
		vals, _, err := ParseHeader(`h3=":443"; ma=-5; persist=true; foo="a;b,c"`)
		if err != nil {
			t.Fatal(err)
		}
		want := []Value{{ALPN: "h3", Port: 443, MaxAge: DefaultMaxAge}}
		if diff := cmp.Diff(want, vals); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("bad-ma", func(t *testing.T) {
		vals, _, _ := ParseHeader(`h3=":443";ma=abc`)
		if len(vals) != 1 || vals[0].MaxAge != DefaultMaxAge {
			t.Error(vals)
		}
	})

	t.Run("huge-ma", func(t *testing.T) {
		vals, _, _ := ParseHeader(`h3=":443";ma=10000000000`)
		if len(vals) != 1 || vals[0].MaxAge < 290*365*24*time.Hour {
			t.Fatal(vals)
		}
		r := NewRegistry()
		o, _ := NewOrigin("https", "example.com", 443)
		svc, err := New(Identity{ALPN: "h3", Port: 443}, o, time.Now().Add(vals[0].MaxAge), false, true)
		if err != nil {
			t.Fatal(err)
		}
		r.Replace(o, []*AltService{svc})
		if !r.IsActive(svc) {
			t.Error("service with a huge max age expired")
		}
	})

	t.Run("percent-alpn", func(t *testing.T) {
		vals, _, err := ParseHeader(`%68%33=":443"`)
		if err != nil || len(vals) != 1 || vals[0].ALPN != "h3" {
			t.Error(vals, err)
		}
	})

	t.Run("skip", func(t *testing.T) {
		for _, bad := range []string{
			`h3":443"`,            // missing '='
			`h1=":443"`,           // not a secure alpn
			`http%2F1.1=":443"`,   // not a secure alpn
			`h3=:443`,             // not quoted
			`h3="host"`,           // no port
			`h3=":0"`,             // bad port
			`h3=":0443"`,          // not canonical
			`h3="::1:443"`,        // ambiguous v6
			`h3="[::1]:65536"`,    // out of range
			`h3=":443`,            // unterminated
			`h3="example.com:ab"`, // port not numeric
		} {
			vals, clear, err := ParseHeader(bad)
			if len(vals) != 0 || clear {
				t.Error("expected skip", bad, vals)
			}
			if err == nil {
				t.Error("expected skip error", bad)
			}
		}
	})

	t.Run("partial", func(t *testing.T) {
		vals, _, err := ParseHeader(`h1=":80", h3="alt.example.com:443"; ma=60, h2=":443"`)
		if err == nil {
			t.Error("expected informational error for h1")
		}
		want := []Value{
			{ALPN: "h3", Host: "alt.example.com", Port: 443, MaxAge: time.Minute},
			{ALPN: "h2", Port: 443, MaxAge: DefaultMaxAge},
		}
		if diff := cmp.Diff(want, vals); diff != "" {
			t.Error(diff)
		}
	})
}

func TestFrame(t *testing.T) {
	p := EncodeFrame("https://example.com", `h3=":443"`)
	o, f, err := DecodeFrame(p)
	if err != nil || o != "https://example.com" || f != `h3=":443"` {
		t.Fatal(o, f, err)
	}
	o, f, err = DecodeFrame(EncodeFrame("", "clear"))
	if err != nil || o != "" || f != "clear" {
		t.Fatal(o, f, err)
	}
	if _, _, err := DecodeFrame([]byte{0}); err != ErrShortFrame {
		t.Error(err)
	}
	if _, _, err := DecodeFrame(append([]byte{0, 10}, bytes.Repeat([]byte{'a'}, 5)...)); err != ErrShortFrame {
		t.Error(err)
	}
}
