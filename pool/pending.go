package pool

import (
	"context"
	"sync"
	"time"

	"github.com/costinm/mhttp/altsvc"
	"github.com/google/uuid"
)

// marker is a value of the pending tracker: either an in-flight *Pending attempt or a
// streamLimit placeholder.
type marker interface {
	isMarker()
}

// Pending is an in-flight HTTP/3 connection attempt. Exchanges that find it in the tracker
// wait on it instead of starting their own attempt.
type Pending struct {
	Key string

	// ExchangeID is the exchange that started the attempt.
	ExchangeID uuid.UUID

	// Alt is the alternate service being connected to, nil for a direct attempt.
	Alt *altsvc.AltService

	Started time.Time

	once sync.Once
	done chan struct{}
	conn Conn
	err  error
}

func (*Pending) isMarker() {}

// streamLimit replaces a connection that ran out of streams. It is not an attempt:
// lookups don't reuse anything for the key and don't wait on it either.
type streamLimit struct {
	conn Conn
}

func (streamLimit) isMarker() {}

// NewPending creates an attempt for key started by the exchange with id.
func NewPending(key string, id uuid.UUID, alt *altsvc.AltService) *Pending {
	return &Pending{
		Key:        key,
		ExchangeID: id,
		Alt:        alt,
		Started:    time.Now(),
		done:       make(chan struct{}),
	}
}

// Complete records the outcome and wakes the waiters. Only the first call has an effect.
func (p *Pending) Complete(c Conn, err error) {
	p.once.Do(func() {
		p.conn, p.err = c, err
		close(p.done)
	})
}

// Done is closed once the attempt completed.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. Only valid after Done is closed.
func (p *Pending) Result() (Conn, error) {
	return p.conn, p.err
}

// Wait blocks until the attempt completes or ctx is done.
func (p *Pending) Wait(ctx context.Context) (Conn, error) {
	select {
	case <-p.done:
		return p.conn, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) completed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// sameAttempt is the removal rule: the entry was created by the same exchange, for the
// same kind of endpoint.
func (p *Pending) sameAttempt(o *Pending) bool {
	if p == o {
		return true
	}
	if p.ExchangeID != o.ExchangeID || advertised(p.Alt) != advertised(o.Alt) {
		return false
	}
	if p.Alt == nil || o.Alt == nil {
		return p.Alt == o.Alt
	}
	return p.Alt.Authority() == o.Alt.Authority()
}
