package document

import (
	"context"
	"sync"
)

// Backend is the strategy interface behind the store: how the authoritative
// per-room state is represented. Two implementations conform:
//
//   - MemoryBackend holds a plain snapshot and relies on the fingerprint
//     scheme for deduplication. Sufficient for the replace-on-every-change
//     protocol; no persistence.
//   - AutomergeBackend keeps the canonical serialization inside a replicated
//     CRDT text field, gaining convergence under partition replay and
//     offline persistence between sessions.
//
// Both satisfy the same observable contract: after Load(s), Snapshot returns
// content equal to s.
type Backend interface {
	// Load replaces the held tree wholesale.
	Load(ctx context.Context, snap Snapshot) error

	// Snapshot returns a deep copy of the held tree.
	Snapshot(ctx context.Context) (Snapshot, error)

	// Close releases any resources held by the backend.
	Close() error
}

// MemoryBackend is the plain-snapshot strategy.
type MemoryBackend struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{snap: Snapshot{}}
}

// Load replaces the held snapshot.
func (b *MemoryBackend) Load(_ context.Context, snap Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap = snap.Clone()
	return nil
}

// Snapshot returns a deep copy of the held snapshot.
func (b *MemoryBackend) Snapshot(_ context.Context) (Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap.Clone(), nil
}

// Close is a no-op for the in-memory backend.
func (b *MemoryBackend) Close() error {
	return nil
}
