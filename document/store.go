package document

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Patch is a partial local edit to one element. Style properties merge per
// breakpoint, settings merge by key; nil maps leave the section untouched.
type Patch struct {
	Styles   map[Breakpoint]map[string]any
	Settings map[string]any
}

// ChangeFunc observes every accepted snapshot replacement. remote reports
// whether the change came from the network (sync/update) rather than a local
// edit; the change detector uses this to decide whether to broadcast.
type ChangeFunc func(snap Snapshot, remote bool)

// Store owns the authoritative local tree for one room. All mutation is
// copy-on-write: a new snapshot is produced on every change, so snapshots
// already handed out (mid-flight payloads, undo history) stay stable.
//
// The store is mutated both by local edits and by accepted remote updates;
// a snapshot failing validation is rejected and the last good state kept.
type Store struct {
	mu       sync.RWMutex
	backend  Backend
	current  Snapshot
	fp       string
	onChange ChangeFunc
	logger   *zap.Logger
}

// NewStore creates a store over the given backend.
func NewStore(backend Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		current: Snapshot{},
		logger:  logger,
	}
}

// SetOnChange registers the single change observer. Must be called before
// the store starts receiving traffic.
func (s *Store) SetOnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Load replaces the tree wholesale. Used both for the initial sync and for
// every accepted remote update, and by the host to seed a locally persisted
// tree.
func (s *Store) Load(ctx context.Context, snap Snapshot, remote bool) error {
	if err := snap.Validate(); err != nil {
		s.logger.Warn("Rejecting snapshot",
			zap.Bool("remote", remote),
			zap.Error(err))
		return err
	}
	return s.replace(ctx, snap.Clone(), remote)
}

// Mutate applies a partial edit to one element and publishes the resulting
// snapshot as a local change.
func (s *Store) Mutate(ctx context.Context, elementID string, patch Patch) error {
	return s.edit(ctx, func(next Snapshot) (Snapshot, error) {
		el := next.FindElement(elementID)
		if el == nil {
			return nil, errors.Errorf("element %q not found", elementID)
		}
		applyPatch(el, patch)
		return next, nil
	})
}

// Insert adds an element. An empty parentID appends a new root; otherwise
// the parent must be an existing container.
func (s *Store) Insert(ctx context.Context, parentID string, el Element) error {
	return s.edit(ctx, func(next Snapshot) (Snapshot, error) {
		el := el.Clone()
		if parentID == "" {
			el.ParentID = ""
			return append(next, el), nil
		}
		parent := next.FindElement(parentID)
		if parent == nil {
			return nil, errors.Errorf("parent %q not found", parentID)
		}
		if !parent.Type.IsContainer() {
			return nil, errors.Errorf("parent %q of type %s cannot hold children", parentID, parent.Type)
		}
		el.ParentID = parentID
		parent.Children = append(parent.Children, el)
		return next, nil
	})
}

// Remove deletes an element and its subtree.
func (s *Store) Remove(ctx context.Context, elementID string) error {
	return s.edit(ctx, func(next Snapshot) (Snapshot, error) {
		out, removed := removeFromSnapshot(next, elementID)
		if !removed {
			return nil, errors.Errorf("element %q not found", elementID)
		}
		return out, nil
	})
}

// Move detaches an element and reattaches it under newParentID at the given
// child index (clamped). An empty newParentID makes it a root.
func (s *Store) Move(ctx context.Context, elementID, newParentID string, index int) error {
	return s.edit(ctx, func(next Snapshot) (Snapshot, error) {
		el := next.FindElement(elementID)
		if el == nil {
			return nil, errors.Errorf("element %q not found", elementID)
		}
		detached := el.Clone()
		next, _ = removeFromSnapshot(next, elementID)

		if newParentID == "" {
			detached.ParentID = ""
			return insertRoot(next, detached, index), nil
		}
		parent := next.FindElement(newParentID)
		if parent == nil {
			return nil, errors.Errorf("parent %q not found", newParentID)
		}
		if !parent.Type.IsContainer() {
			return nil, errors.Errorf("parent %q of type %s cannot hold children", newParentID, parent.Type)
		}
		detached.ParentID = newParentID
		parent.Children = insertChild(parent.Children, detached, index)
		return next, nil
	})
}

// Snapshot returns a deep copy of the current tree.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Fingerprint returns the fingerprint of the current tree.
func (s *Store) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fp
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// edit runs fn over a copy of the current snapshot and publishes the result
// as a local change.
func (s *Store) edit(ctx context.Context, fn func(Snapshot) (Snapshot, error)) error {
	s.mu.RLock()
	working := s.current.Clone()
	s.mu.RUnlock()

	next, err := fn(working)
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return errors.Wrap(err, "edit produced an invalid snapshot")
	}
	return s.replace(ctx, next, false)
}

func (s *Store) replace(ctx context.Context, snap Snapshot, remote bool) error {
	fp, err := snap.Fingerprint()
	if err != nil {
		return err
	}
	if err := s.backend.Load(ctx, snap); err != nil {
		return errors.Wrap(err, "backend rejected snapshot")
	}

	s.mu.Lock()
	s.current = snap
	s.fp = fp
	onChange := s.onChange
	s.mu.Unlock()

	if onChange != nil {
		onChange(snap.Clone(), remote)
	}
	return nil
}

func applyPatch(el *Element, patch Patch) {
	if patch.Styles != nil {
		if el.Styles == nil {
			el.Styles = make(map[Breakpoint]map[string]any, len(patch.Styles))
		}
		for bp, props := range patch.Styles {
			if el.Styles[bp] == nil {
				el.Styles[bp] = make(map[string]any, len(props))
			}
			for k, v := range props {
				el.Styles[bp][k] = cloneValue(v)
			}
		}
	}
	if patch.Settings != nil {
		if el.Settings == nil {
			el.Settings = make(map[string]any, len(patch.Settings))
		}
		for k, v := range patch.Settings {
			el.Settings[k] = cloneValue(v)
		}
	}
}

func removeFromSnapshot(s Snapshot, id string) (Snapshot, bool) {
	for i := range s {
		if s[i].ID == id {
			return append(s[:i:i], s[i+1:]...), true
		}
		if removed := removeFromChildren(&s[i], id); removed {
			return s, true
		}
	}
	return s, false
}

func removeFromChildren(e *Element, id string) bool {
	for i := range e.Children {
		if e.Children[i].ID == id {
			e.Children = append(e.Children[:i:i], e.Children[i+1:]...)
			return true
		}
		if removeFromChildren(&e.Children[i], id) {
			return true
		}
	}
	return false
}

func insertRoot(s Snapshot, el Element, index int) Snapshot {
	if index < 0 || index > len(s) {
		index = len(s)
	}
	out := make(Snapshot, 0, len(s)+1)
	out = append(out, s[:index]...)
	out = append(out, el)
	return append(out, s[index:]...)
}

func insertChild(children []Element, el Element, index int) []Element {
	if index < 0 || index > len(children) {
		index = len(children)
	}
	out := make([]Element, 0, len(children)+1)
	out = append(out, children[:index]...)
	out = append(out, el)
	return append(out, children[index:]...)
}
