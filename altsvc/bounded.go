package altsvc

import (
	"github.com/golang-collections/collections/queue"
)

// BoundedSet is an insertion-ordered set with a fixed capacity. Adding a new key to a full
// set evicts the oldest key. Re-adding a present key does not refresh its position.
//
// Removal is lazy: the queue keeps stale entries, skipped on eviction by comparing the
// sequence number recorded in members. Not safe for concurrent use - callers hold their own lock.
type BoundedSet[K comparable] struct {
	capacity int
	seq      uint64
	members  map[K]uint64
	order    *queue.Queue
}

type boundedEntry[K comparable] struct {
	key K
	seq uint64
}

// NewBoundedSet returns an empty set. A capacity below 1 is treated as 1.
func NewBoundedSet[K comparable](capacity int) *BoundedSet[K] {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedSet[K]{
		capacity: capacity,
		members:  map[K]uint64{},
		order:    queue.New(),
	}
}

// Add inserts k. If the set was full, the oldest key is evicted and returned.
func (s *BoundedSet[K]) Add(k K) (evicted K, ok bool) {
	if _, present := s.members[k]; present {
		return evicted, false
	}
	if len(s.members) >= s.capacity {
		evicted, ok = s.evictOldest()
	}
	s.seq++
	s.members[k] = s.seq
	s.order.Enqueue(boundedEntry[K]{key: k, seq: s.seq})
	if s.order.Len() > 2*s.capacity {
		s.compact()
	}
	return evicted, ok
}

// Contains returns true if k is in the set.
func (s *BoundedSet[K]) Contains(k K) bool {
	_, ok := s.members[k]
	return ok
}

// Remove deletes k, returning true if it was present.
func (s *BoundedSet[K]) Remove(k K) bool {
	if _, ok := s.members[k]; !ok {
		return false
	}
	delete(s.members, k)
	return true
}

// Len is the number of keys in the set, never more than the capacity.
func (s *BoundedSet[K]) Len() int {
	return len(s.members)
}

// Keys returns the keys, oldest first.
func (s *BoundedSet[K]) Keys() []K {
	s.compact()
	keys := make([]K, 0, len(s.members))
	n := s.order.Len()
	for i := 0; i < n; i++ {
		e := s.order.Dequeue().(boundedEntry[K])
		keys = append(keys, e.key)
		s.order.Enqueue(e)
	}
	return keys
}

func (s *BoundedSet[K]) evictOldest() (K, bool) {
	for s.order.Len() > 0 {
		e := s.order.Dequeue().(boundedEntry[K])
		if seq, ok := s.members[e.key]; ok && seq == e.seq {
			delete(s.members, e.key)
			return e.key, true
		}
	}
	var zero K
	return zero, false
}

// compact drops stale queue entries, preserving order.
func (s *BoundedSet[K]) compact() {
	n := s.order.Len()
	for i := 0; i < n; i++ {
		e := s.order.Dequeue().(boundedEntry[K])
		if seq, ok := s.members[e.key]; ok && seq == e.seq {
			s.order.Enqueue(e)
		}
	}
}
