// Package dedup suppresses repeated delivery of events already seen,
// keyed by adapter-scoped event id. The record is a bounded,
// insertion-ordered set: when the cap is exceeded the oldest entries
// are trimmed as a batch rather than one per insert, amortizing cost.
package dedup

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sunflowermm/xrkbot/pkg/event"
)

// DefaultCap bounds the set when no explicit capacity is configured.
const DefaultCap = 1000

type record struct {
	key  string
	seen time.Time
}

// Set is the bounded dedup record. Safe for concurrent use.
type Set struct {
	mu    sync.Mutex
	cap   int
	order []record
	keys  map[string]struct{}
}

// NewSet creates a dedup set with the given capacity.
// Non-positive capacities fall back to DefaultCap.
func NewSet(capacity int) *Set {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Set{
		cap:  capacity,
		keys: make(map[string]struct{}),
	}
}

// EnsureID fills in a synthesized event id when the source supplied
// none. Absence of an id is not an error: the generated form is
// <adapter>_<postType>_<unixms>_<random>.
func (s *Set) EnsureID(e *event.Event) string {
	if e.ID == "" {
		rand := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		e.ID = fmt.Sprintf("%s_%s_%d_%s", e.AdapterID, e.PostType, time.Now().UnixMilli(), rand)
	}
	return e.ID
}

// MarkProcessed records the event's (adapter, id) key. True means first
// sighting — proceed; false means duplicate — drop silently.
func (s *Set) MarkProcessed(e *event.Event) bool {
	key := e.AdapterID + ":" + e.ID
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.keys[key]; dup {
		return false
	}
	s.keys[key] = struct{}{}
	s.order = append(s.order, record{key: key, seen: time.Now()})

	if len(s.order) > s.cap {
		s.trimLocked(len(s.order) - s.cap)
	}
	return true
}

// Len returns the current number of tracked keys.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// EvictOlderThan drops entries first seen more than age ago and returns
// how many were removed. Used by the maintenance sweep for optional
// time-based eviction on top of the capacity bound.
func (s *Set) EvictOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n < len(s.order) && s.order[n].seen.Before(cutoff) {
		n++
	}
	if n > 0 {
		s.trimLocked(n)
	}
	return n
}

// trimLocked removes the oldest n entries in one pass.
func (s *Set) trimLocked(n int) {
	for _, r := range s.order[:n] {
		delete(s.keys, r.key)
	}
	s.order = append(s.order[:0], s.order[n:]...)
}
