package mhttp

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// fakeImpl records the cancellations it receives.
type fakeImpl struct {
	mu     sync.Mutex
	causes []error
}

func (f *fakeImpl) roundTrip(*http.Request) (*http.Response, error) { return nil, nil }
func (f *fakeImpl) tlsState() *tls.ConnectionState                  { return nil }
func (f *fakeImpl) sealed()                                          {}

func (f *fakeImpl) cancel(err error) {
	f.mu.Lock()
	f.causes = append(f.causes, err)
	f.mu.Unlock()
}

func (f *fakeImpl) cancelled() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.causes...)
}

func testExchange(t *testing.T) *Exchange {
	req, err := http.NewRequest(http.MethodGet, "https://example.com/a", nil)
	if err != nil {
		t.Fatal(err)
	}
	e, err := newExchange(req, VersionUnset, 0)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestExchange(t *testing.T) {
	t.Run("key", func(t *testing.T) {
		e := testExchange(t)
		if e.Key != "https:example.com:443" || e.Origin.Port != 443 {
			t.Fatal(e.Key, e.Origin)
		}
		if e.Request.Context() != e.Context() {
			t.Fatal("request not bound to the exchange context")
		}
	})

	t.Run("cancel before implementation", func(t *testing.T) {
		e := testExchange(t)
		errStop := errors.New("stop")
		e.Cancel(errStop)
		if e.Context().Err() == nil || context.Cause(e.Context()) != errStop {
			t.Fatal(context.Cause(e.Context()))
		}
		impl := &fakeImpl{}
		if err := e.setImpl(impl); err != errStop {
			t.Fatal(err)
		}
		if got := impl.cancelled(); len(got) != 1 || got[0] != errStop {
			t.Fatal(got)
		}
		// Later cancellations are ignored.
		e.Cancel(errors.New("again"))
		if got := impl.cancelled(); len(got) != 1 {
			t.Fatal(got)
		}
		if e.Cause() != errStop {
			t.Fatal(e.Cause())
		}
	})

	t.Run("cancel after implementation", func(t *testing.T) {
		e := testExchange(t)
		impl := &fakeImpl{}
		if err := e.setImpl(impl); err != nil {
			t.Fatal(err)
		}
		e.Cancel(nil)
		e.Cancel(nil)
		if got := impl.cancelled(); len(got) != 1 || got[0] != ErrCancelled {
			t.Fatal(got)
		}
	})

	t.Run("concurrent cancel and assignment", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			e := testExchange(t)
			impl := &fakeImpl{}
			var g errgroup.Group
			for j := 0; j < 4; j++ {
				g.Go(func() error {
					e.Cancel(nil)
					return nil
				})
			}
			g.Go(func() error {
				e.setImpl(impl)
				return nil
			})
			g.Wait()
			if got := impl.cancelled(); len(got) != 1 {
				t.Fatal("cancellations delivered", len(got))
			}
		}
	})

	t.Run("assigned twice", func(t *testing.T) {
		e := testExchange(t)
		e.setImpl(&fakeImpl{})
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic")
			}
		}()
		e.setImpl(&fakeImpl{})
	})

	t.Run("request context", func(t *testing.T) {
		c := newTestClient(t, nil)
		ctx, cf := context.WithCancelCause(context.Background())
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://example.com/", nil)
		e, err := c.NewExchange(req)
		if err != nil {
			t.Fatal(err)
		}
		errGone := errors.New("caller gone")
		cf(errGone)
		<-e.Context().Done()
		deadline := time.Now().Add(5 * time.Second)
		for e.Cause() != errGone {
			if time.Now().After(deadline) {
				t.Fatal(e.Cause())
			}
			time.Sleep(5 * time.Millisecond)
		}
	})

	t.Run("versions", func(t *testing.T) {
		for _, impl := range []struct {
			x exchangeImpl
			v Version
		}{
			{&h1Exchange{}, HTTP11},
			{&h2Exchange{}, HTTP2},
			{&h3Exchange{}, HTTP3},
			{&fakeImpl{}, VersionUnset},
		} {
			if got := versionOf(impl.x); got != impl.v {
				t.Error(got, impl.v)
			}
		}
	})
}
