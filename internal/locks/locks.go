// Package locks provides named mutual exclusion keyed by conversation id.
// Lock entries are reference counted and reclaimed once no caller holds or
// waits on them, so the map does not grow with conversation history.
package locks

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Named is a set of named locks.
type Named struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty named-lock set.
func New() *Named {
	return &Named{entries: make(map[string]*entry)}
}

// Lock acquires the lock for name, creating it on first use.
func (n *Named) Lock(name string) {
	n.mu.Lock()
	e, ok := n.entries[name]
	if !ok {
		e = &entry{}
		n.entries[name] = e
	}
	e.refs++
	n.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the lock for name and reclaims the entry when the last
// reference drops.
func (n *Named) Unlock(name string) {
	n.mu.Lock()
	e, ok := n.entries[name]
	if ok {
		e.refs--
		if e.refs <= 0 {
			delete(n.entries, name)
		}
	}
	n.mu.Unlock()

	if ok {
		e.mu.Unlock()
	}
}

// Len returns the number of live lock entries.
func (n *Named) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}
