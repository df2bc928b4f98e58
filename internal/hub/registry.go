package hub

import (
	"context"
	"sync"
)

// Registry maps room names to their actors. The mapping is stable: a
// connection is routed to its room's actor once, at accept time, and
// rooms share no mutable state with each other.
type Registry struct {
	ctx context.Context
	rec Recorder

	mu    sync.Mutex
	rooms map[string]*Hub
}

// NewRegistry creates a room registry. Actors started by Get run until
// ctx is cancelled.
func NewRegistry(ctx context.Context, rec Recorder) *Registry {
	return &Registry{
		ctx:   ctx,
		rec:   rec,
		rooms: make(map[string]*Hub),
	}
}

// Get returns the actor for the named room, starting it on first use.
func (r *Registry) Get(room string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.rooms[room]
	if !ok {
		h = NewHub(room, r.rec)
		r.rooms[room] = h
		go h.Run(r.ctx)
	}
	return h
}

// RoomCount returns the number of rooms started so far.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// SessionCount sums live sessions across all rooms.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, h := range r.rooms {
		total += h.SessionCount()
	}
	return total
}
