package transport

import "sync"

// Registry is the process-wide guard against duplicate connection attempts:
// two concurrently mounted views of the same room must not open two sockets
// for the same user. Keys are (roomID, userID); an entry is inserted before
// the async connect begins and removed on every exit path.
type Registry struct {
	mu         sync.Mutex
	connecting map[registryKey]bool
}

type registryKey struct {
	roomID string
	userID string
}

// NewRegistry creates an empty registry. One registry per process is the
// intended lifecycle; it is injected into every Channel.
func NewRegistry() *Registry {
	return &Registry{connecting: make(map[registryKey]bool)}
}

// Acquire marks (roomID, userID) as connecting. It returns false if another
// connect attempt for the same pair is already in flight.
func (r *Registry) Acquire(roomID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey{roomID, userID}
	if r.connecting[key] {
		return false
	}
	r.connecting[key] = true
	return true
}

// Release clears the connecting mark. Safe to call when not held.
func (r *Registry) Release(roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connecting, registryKey{roomID, userID})
}
