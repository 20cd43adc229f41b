// Package dedup provides bounded, insertion-ordered identifier sets used to drop
// duplicate inbound events and to recognize the bot's own outbound messages.
package dedup

import (
	"sync"

	"github.com/elliotchance/orderedmap/v3"
)

// Default high-water marks for the two sets kept by the event handler.
const (
	DefaultInboundCapacity = 1000
	DefaultSentCapacity    = 2000
)

// Set is a FIFO-bounded set of opaque identifiers. Once the set holds more than its
// capacity the oldest identifiers are evicted first. It is safe for concurrent use.
type Set struct {
	mu       sync.Mutex
	items    *orderedmap.OrderedMap[string, struct{}]
	capacity int
}

// NewSet creates a Set that never holds more than capacity identifiers.
func NewSet(capacity int) *Set {
	if capacity <= 0 {
		capacity = DefaultInboundCapacity
	}
	return &Set{
		items:    orderedmap.NewOrderedMap[string, struct{}](),
		capacity: capacity,
	}
}

// Add inserts id and reports whether it was absent. Check and insert happen atomically,
// so exactly one of several concurrent callers with the same id sees true.
func (s *Set) Add(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items.Get(id); ok {
		return false
	}
	s.items.Set(id, struct{}{})
	for s.items.Len() > s.capacity {
		oldest := s.items.Front()
		if oldest == nil {
			break
		}
		s.items.Delete(oldest.Key)
	}
	return true
}

// Contains reports whether id is currently held.
func (s *Set) Contains(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items.Get(id)
	return ok
}

// Len returns the number of identifiers held.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}

// Capacity returns the high-water mark.
func (s *Set) Capacity() int {
	return s.capacity
}
