// Package gamelock hands out one mutex per game id. Entries live only while
// someone holds or waits for them.
package gamelock

import "sync"

// Handle is a held game lock. Release it exactly once.
type Handle struct {
	id   string
	mu   sync.Mutex
	refs int
}

// ID returns the game id the handle locks.
func (h *Handle) ID() string { return h.id }

// Registry maps game ids to locks.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*Handle)}
}

// Acquire blocks until the lock for id is held by the caller.
func (r *Registry) Acquire(id string) *Handle {
	r.mu.Lock()
	h, ok := r.locks[id]
	if !ok {
		h = &Handle{id: id}
		r.locks[id] = h
	}
	h.refs++
	r.mu.Unlock()

	h.mu.Lock()
	return h
}

// Release unlocks h and forgets it when nobody else wants it.
func (r *Registry) Release(h *Handle) {
	r.mu.Lock()
	h.refs--
	if h.refs == 0 {
		delete(r.locks, h.id)
	}
	r.mu.Unlock()

	h.mu.Unlock()
}

// Len returns the number of game ids currently locked or waited on.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
