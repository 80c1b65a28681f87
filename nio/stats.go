package nio

import (
	"expvar"
	"sync"
	"time"
)

// Stats for a connection or stream.
type Stats struct {
	mu   sync.Mutex
	Open time.Time

	// last frame sent
	LastWrite time.Time

	// last frame received
	LastRead time.Time

	SentBytes   int
	SentPackets int

	RcvdBytes   int
	RcvdPackets int
}

// NewStats returns stats with Open set to now.
func NewStats() *Stats {
	return &Stats{Open: time.Now()}
}

// Rcvd records n bytes received in one frame.
func (s *Stats) Rcvd(n int) {
	s.mu.Lock()
	s.RcvdBytes += n
	s.RcvdPackets++
	s.LastRead = time.Now()
	s.mu.Unlock()
	VarzRcvdFrames.Add(1)
}

// Sent records n bytes sent in one frame.
func (s *Stats) Sent(n int) {
	s.mu.Lock()
	s.SentBytes += n
	s.SentPackets++
	s.LastWrite = time.Now()
	s.mu.Unlock()
}

// Idle returns the time since the last frame in either direction.
func (s *Stats) Idle(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.Open
	if s.LastRead.After(last) {
		last = s.LastRead
	}
	if s.LastWrite.After(last) {
		last = s.LastWrite
	}
	return now.Sub(last)
}

// Varz interface.
// Varz is a wrapper for atomic operation, with a json http interface.
// Prometheus, OTel etc can directly use them.
var (
	// Number of HTTP/3 frames received, all connections.
	VarzRcvdFrames = expvar.NewInt("h3_frames_received_total")
)
