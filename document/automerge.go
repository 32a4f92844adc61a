package document

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const contentField = "content"

var docBucket = []byte("documents")

// AutomergeBackend is the CRDT strategy: the canonical serialization of the
// tree lives in a single replicated field of an automerge document. The
// saved document state is persisted to a bbolt bucket keyed by room id, so a
// client reopening the same room offline starts from its last known tree.
type AutomergeBackend struct {
	mu     sync.Mutex
	doc    *automerge.Doc
	db     *bolt.DB
	roomID string
	logger *zap.Logger
}

// NewAutomergeBackend opens (or creates) the bolt database at path and
// restores the room's document if a saved state exists.
func NewAutomergeBackend(path string, roomID string, logger *zap.Logger) (*AutomergeBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open document database")
	}

	var saved []byte
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(docBucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(roomID)); v != nil {
			saved = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to read saved document")
	}

	doc := automerge.New()
	if saved != nil {
		doc, err = automerge.Load(saved)
		if err != nil {
			// A corrupt saved state is not fatal; start fresh and let the
			// next sync repopulate it.
			logger.Warn("Discarding corrupt saved document",
				zap.String("room_id", roomID),
				zap.Error(err))
			doc = automerge.New()
		}
	}

	return &AutomergeBackend{
		doc:    doc,
		db:     db,
		roomID: roomID,
		logger: logger,
	}, nil
}

// Load writes the canonical encoding of the snapshot into the replicated
// content field and persists the document state.
func (b *AutomergeBackend) Load(_ context.Context, snap Snapshot) error {
	data, err := snap.Canonical()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.doc.Path(contentField).Set(string(data)); err != nil {
		return errors.Wrap(err, "failed to set document content")
	}
	return b.persistLocked()
}

// Snapshot decodes the tree held in the content field. An empty document
// yields an empty snapshot.
func (b *AutomergeBackend) Snapshot(_ context.Context) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, err := b.doc.Path(contentField).Get()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read document content")
	}
	if v.Kind() != automerge.KindStr {
		return Snapshot{}, nil
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(v.Str()), &snap); err != nil {
		return nil, errors.Wrap(err, "failed to decode document content")
	}
	return snap, nil
}

// Merge folds another replica's saved state into this document. Automerge
// resolves concurrent writes to the content field deterministically, so two
// replicas that merge each other's state converge without central
// arbitration.
func (b *AutomergeBackend) Merge(saved []byte) error {
	remote, err := automerge.Load(saved)
	if err != nil {
		return errors.Wrap(err, "failed to load remote replica state")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.doc.Merge(remote); err != nil {
		return errors.Wrap(err, "failed to merge remote replica state")
	}
	return b.persistLocked()
}

// SavedState returns the full serialized document, suitable for Merge on
// another replica.
func (b *AutomergeBackend) SavedState() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.doc.Save()
}

// Close persists the current state and closes the database.
func (b *AutomergeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.persistLocked(); err != nil {
		b.logger.Warn("Failed to persist document on close",
			zap.String("room_id", b.roomID),
			zap.Error(err))
	}
	return b.db.Close()
}

func (b *AutomergeBackend) persistLocked() error {
	state := b.doc.Save()
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(docBucket)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(b.roomID), state)
	})
	return errors.Wrap(err, "failed to persist document")
}
