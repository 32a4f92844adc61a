package document

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Snapshot is the complete element tree of one room at one instant: an
// ordered list of root elements with their subtrees. Snapshots are exchanged
// wholesale; there is no sub-tree patch format on the wire.
type Snapshot []Element

// Clone returns a deep copy. Holding a clone is always safe: the store never
// mutates a snapshot it has already published.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	out := make(Snapshot, len(s))
	for i, e := range s {
		out[i] = e.Clone()
	}
	return out
}

// Validate checks the structural invariants: unique ids, parent references
// consistent with nesting, containers-only children, and therefore a forest
// with no cycles. Roots must not carry a parent reference.
func (s Snapshot) Validate() error {
	seen := make(map[string]bool)
	for i := range s {
		if err := validateSubtree(&s[i], "", seen); err != nil {
			return errors.Wrap(err, "invalid snapshot")
		}
	}
	return nil
}

// Canonical returns the deterministic JSON encoding of the snapshot.
// encoding/json sorts map keys, so two snapshots with equal content always
// produce identical bytes. Empty child lists are normalized away by the
// omitempty tags. View flags never appear.
func (s Snapshot) Canonical() ([]byte, error) {
	if s == nil {
		s = Snapshot{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "canonical encoding failed")
	}
	return data, nil
}

// Fingerprint is the xxhash64 digest of the canonical encoding, rendered as
// fixed-width hex. Used for cheap equality and echo detection instead of
// deep structural diffing.
func (s Snapshot) Fingerprint() (string, error) {
	data, err := s.Canonical()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}

// FindElement returns a pointer to the element with the given id inside the
// snapshot, or nil. The pointer aliases the snapshot's own storage; callers
// own the snapshot they search.
func (s Snapshot) FindElement(id string) *Element {
	for i := range s {
		if found := findInSubtree(&s[i], id); found != nil {
			return found
		}
	}
	return nil
}

func findInSubtree(e *Element, id string) *Element {
	if e.ID == id {
		return e
	}
	for i := range e.Children {
		if found := findInSubtree(&e.Children[i], id); found != nil {
			return found
		}
	}
	return nil
}
