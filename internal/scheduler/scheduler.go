// Package scheduler maintains the ordered registry of handler
// descriptors the dispatch engine walks.
//
// Handlers are added and withdrawn continuously (hot reload of handler
// packs), so the registry is backed by a binary min-heap keyed by
// (priority, registration sequence): O(log n) insert and remove instead
// of re-sorting the whole set on every change. Dispatch iterates a
// derived ascending snapshot rebuilt lazily whenever the heap mutates.
package scheduler

import (
	"context"
	"regexp"
	"sort"
	"sync"

	"github.com/sunflowermm/xrkbot/pkg/event"
)

// HandlerFunc processes a canonical event. A true result means handled:
// normal handlers short-circuit the walk, enhancers never do. Errors
// are logged at the walk boundary and treated as not-handled.
type HandlerFunc func(ctx context.Context, e *event.Event) (bool, error)

// Descriptor is a registered routing target.
type Descriptor struct {
	Name     string
	Priority int

	// Events filters by post type. Nil or empty means wildcard.
	Events []event.PostType

	// Trigger is matched against the flattened message text.
	// Nil means the handler matches regardless of text.
	Trigger *regexp.Regexp

	// MinRole is the minimum actor role required to reach this handler.
	MinRole event.Role

	// Enhancer handlers enrich the event and never stop the walk.
	Enhancer bool

	Fn HandlerFunc
}

// Accepts reports whether the descriptor's event filter admits a post type.
func (d *Descriptor) Accepts(pt event.PostType) bool {
	if len(d.Events) == 0 {
		return true
	}
	for _, e := range d.Events {
		if e == pt {
			return true
		}
	}
	return false
}

// TriggerMatches reports whether the trigger predicate admits an event.
func (d *Descriptor) TriggerMatches(e *event.Event) bool {
	if d.Trigger == nil {
		return true
	}
	return d.Trigger.MatchString(e.Text())
}

type entry struct {
	d   *Descriptor
	seq uint64
}

// less orders by (priority, registration sequence).
func (a *entry) less(b *entry) bool {
	if a.d.Priority != b.d.Priority {
		return a.d.Priority < b.d.Priority
	}
	return a.seq < b.seq
}

// Registry is the heap-backed descriptor set. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	heap    []*entry
	byName  map[string]*entry
	nextSeq uint64

	// ordered is the cached ascending view; rebuilt when dirty.
	ordered []*Descriptor
	dirty   bool
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*entry)}
}

// Register inserts a descriptor. A descriptor with a duplicate name
// replaces the existing one (same semantics as Replace).
func (r *Registry) Register(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byName[d.Name]; ok {
		r.replaceLocked(old, d)
		return
	}
	r.insertLocked(d)
}

// Unregister removes the descriptor with the given name.
// Returns false if no such handler is registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return false
	}
	r.removeAtLocked(r.indexOfLocked(e))
	delete(r.byName, name)
	r.dirty = true
	return true
}

// Replace atomically swaps the descriptor registered under d.Name.
// When the priority is unchanged the descriptor pointer is swapped in
// place, so in-flight walks holding the previous snapshot are never
// disturbed mid-walk. Registers d if the name was absent.
func (r *Registry) Replace(name string, d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.Name = name
	if old, ok := r.byName[name]; ok {
		r.replaceLocked(old, d)
		return
	}
	r.insertLocked(d)
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.d, true
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.heap)
}

// Peek returns the earliest descriptor without removing it.
func (r *Registry) Peek() (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.heap) == 0 {
		return nil, false
	}
	return r.heap[0].d, true
}

// ExtractMin removes and returns the earliest descriptor.
func (r *Registry) ExtractMin() (*Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.heap) == 0 {
		return nil, false
	}
	d := r.heap[0].d
	delete(r.byName, d.Name)
	r.removeAtLocked(0)
	r.dirty = true
	return d, true
}

// RemoveWhere removes every descriptor the predicate admits and returns
// how many were removed. O(n) scan with O(log n) repair per removal:
// the removed slot is filled by the last element, which is then sifted
// in both directions since its value is unconstrained relative to the
// new neighbors.
func (r *Registry) RemoveWhere(pred func(*Descriptor) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var victims []*entry
	for _, e := range r.heap {
		if pred(e.d) {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		delete(r.byName, e.d.Name)
		r.removeAtLocked(r.indexOfLocked(e))
	}
	if len(victims) > 0 {
		r.dirty = true
	}
	return len(victims)
}

// Ordered returns the ascending (priority, seq) view of all handlers.
// The slice is a shared snapshot: callers must not mutate it. It is
// rebuilt only when the heap changed since the last call.
func (r *Registry) Ordered() []*Descriptor {
	r.mu.RLock()
	if !r.dirty {
		view := r.ordered
		r.mu.RUnlock()
		return view
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirty {
		entries := make([]*entry, len(r.heap))
		copy(entries, r.heap)
		sort.Slice(entries, func(i, j int) bool { return entries[i].less(entries[j]) })
		view := make([]*Descriptor, len(entries))
		for i, e := range entries {
			view[i] = e.d
		}
		r.ordered = view
		r.dirty = false
	}
	return r.ordered
}

// --- heap internals (callers hold r.mu) ---

func (r *Registry) insertLocked(d *Descriptor) {
	e := &entry{d: d, seq: r.nextSeq}
	r.nextSeq++
	r.heap = append(r.heap, e)
	r.byName[d.Name] = e
	r.siftUpLocked(len(r.heap) - 1)
	r.dirty = true
}

func (r *Registry) replaceLocked(old *entry, d *Descriptor) {
	if old.d.Priority == d.Priority {
		// Atomic pointer swap: heap shape and tie-break seq are untouched.
		old.d = d
		r.byName[d.Name] = old
		r.dirty = true
		return
	}
	i := r.indexOfLocked(old)
	r.removeAtLocked(i)
	r.insertLocked(d)
}

func (r *Registry) indexOfLocked(e *entry) int {
	for i, h := range r.heap {
		if h == e {
			return i
		}
	}
	return -1
}

func (r *Registry) removeAtLocked(i int) {
	last := len(r.heap) - 1
	r.heap[i] = r.heap[last]
	r.heap[last] = nil
	r.heap = r.heap[:last]
	if i < last {
		// The replacement came from an unrelated subtree: repair both ways.
		r.siftDownLocked(i)
		r.siftUpLocked(i)
	}
}

func (r *Registry) siftUpLocked(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !r.heap[i].less(r.heap[parent]) {
			return
		}
		r.heap[i], r.heap[parent] = r.heap[parent], r.heap[i]
		i = parent
	}
}

func (r *Registry) siftDownLocked(i int) {
	n := len(r.heap)
	for {
		left, right := 2*i+1, 2*i+2
		smallest := i
		if left < n && r.heap[left].less(r.heap[smallest]) {
			smallest = left
		}
		if right < n && r.heap[right].less(r.heap[smallest]) {
			smallest = right
		}
		if smallest == i {
			return
		}
		r.heap[i], r.heap[smallest] = r.heap[smallest], r.heap[i]
		i = smallest
	}
}
