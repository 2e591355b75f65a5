// Package objectstore wraps the BlockStore with typed load/store and
// the refcount bookkeeping that keeps the object graph consistent
// under concurrent branch mutation and incremental replication
// (spec §3 "Refcount Record", §4.3).
package objectstore

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/kestrel-sync/objgraph/internal/blockstore"
	"github.com/kestrel-sync/objgraph/pkg/objectid"
	"github.com/kestrel-sync/objgraph/pkg/objects"
	"github.com/kestrel-sync/objgraph/pkg/objerr"
)

const refcountKeyPrefix = "obj:rc:"

// Refcount is the two-counter pin record of spec §3: direct pins the
// object alone (used while incomplete); recursive pins the object and
// every transitive child.
type Refcount struct {
	Direct    uint64
	Recursive uint64
}

func (rc Refcount) isZero() bool { return rc.Direct == 0 && rc.Recursive == 0 }

func (rc Refcount) encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], rc.Direct)
	binary.LittleEndian.PutUint64(buf[8:16], rc.Recursive)
	return buf
}

func decodeRefcount(buf []byte) (Refcount, error) {
	if len(buf) != 16 {
		return Refcount{}, fmt.Errorf("objectstore: malformed refcount record (%d bytes)", len(buf))
	}
	return Refcount{
		Direct:    binary.LittleEndian.Uint64(buf[0:8]),
		Recursive: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// Store is the typed, refcounted layer over a content-addressed
// blockstore.Store.
type Store struct {
	db *badger.DB
	bs *blockstore.Store
}

// New constructs an ObjectStore. db and the blockstore share the same
// badger handle; refcount records live under a disjoint key prefix so
// a single badger transaction can update a block and its refcount
// record atomically.
func New(db *badger.DB, bs *blockstore.Store) *Store {
	return &Store{db: db, bs: bs}
}

func refcountKey(id objectid.ID) []byte {
	return []byte(refcountKeyPrefix + id.String())
}

func (s *Store) getRefcount(txn *badger.Txn, id objectid.ID) (Refcount, error) {
	item, err := txn.Get(refcountKey(id))
	if err == badger.ErrKeyNotFound {
		return Refcount{}, nil
	}
	if err != nil {
		return Refcount{}, err
	}
	var rc Refcount
	err = item.Value(func(v []byte) error {
		decoded, err := decodeRefcount(v)
		if err != nil {
			return err
		}
		rc = decoded
		return nil
	})
	return rc, err
}

func (s *Store) putRefcount(txn *badger.Txn, id objectid.ID, rc Refcount) error {
	return txn.Set(refcountKey(id), rc.encode())
}

// Refcount returns the current pin counts for id, both zero if id has
// no record.
func (s *Store) Refcount(ctx context.Context, id objectid.ID) (Refcount, error) {
	if err := ctx.Err(); err != nil {
		return Refcount{}, err
	}
	var rc Refcount
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rc, err = s.getRefcount(txn, id)
		return err
	})
	if err != nil {
		return Refcount{}, objerr.New(objerr.IO, "objectstore.Refcount", err)
	}
	return rc, nil
}

// StoreDirectory serializes d, writes its block if absent, and
// returns its ObjectId. It does not touch refcounts.
func (s *Store) StoreDirectory(ctx context.Context, d *objects.Directory) (objectid.ID, error) {
	return s.storeObject(ctx, d)
}

// StoreBlob serializes b, writes its block if absent, and returns its
// ObjectId. It does not touch refcounts.
func (s *Store) StoreBlob(ctx context.Context, b objects.Blob) (objectid.ID, error) {
	return s.storeObject(ctx, b)
}

func (s *Store) storeObject(ctx context.Context, o objects.Object) (objectid.ID, error) {
	id := objects.CalculateID(o)
	exists, err := s.bs.Exists(ctx, id)
	if err != nil {
		return objectid.ID{}, err
	}
	if exists {
		return id, nil
	}
	if err := s.bs.Store(ctx, id, objects.Encode(o)); err != nil {
		return objectid.ID{}, err
	}
	return id, nil
}

// LoadAny deserializes whichever object kind is stored at id,
// verifying the tag byte and content hash (spec §4.3: fails with
// Corruption on tag mismatch or hash mismatch — the latter is already
// enforced by blockstore.Load).
func (s *Store) LoadAny(ctx context.Context, id objectid.ID) (objects.Object, error) {
	raw, err := s.bs.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	obj, err := objects.Decode(raw)
	if err != nil {
		return nil, objerr.New(objerr.Corruption, "objectstore.LoadAny", err)
	}
	return obj, nil
}

// LoadDirectory loads and type-asserts a Directory object.
func (s *Store) LoadDirectory(ctx context.Context, id objectid.ID) (*objects.Directory, error) {
	obj, err := s.LoadAny(ctx, id)
	if err != nil {
		return nil, err
	}
	d, ok := obj.(*objects.Directory)
	if !ok {
		return nil, objerr.New(objerr.Corruption, "objectstore.LoadDirectory",
			fmt.Errorf("object %s is not a directory", id))
	}
	return d, nil
}

// LoadBlob loads and type-asserts a Blob object.
func (s *Store) LoadBlob(ctx context.Context, id objectid.ID) (objects.Blob, error) {
	obj, err := s.LoadAny(ctx, id)
	if err != nil {
		return nil, err
	}
	b, ok := obj.(objects.Blob)
	if !ok {
		return nil, objerr.New(objerr.Corruption, "objectstore.LoadBlob",
			fmt.Errorf("object %s is not a blob", id))
	}
	return b, nil
}

// IsComplete reports whether id's recursive refcount is positive,
// i.e. the object and all of its transitive children are present.
func (s *Store) IsComplete(ctx context.Context, id objectid.ID) (bool, error) {
	rc, err := s.Refcount(ctx, id)
	if err != nil {
		return false, err
	}
	return rc.Recursive > 0, nil
}

// childrenOf returns the unique children of id by loading it. A Blob
// has none.
func (s *Store) childrenOf(ctx context.Context, id objectid.ID) ([]objectid.ID, error) {
	obj, err := s.LoadAny(ctx, id)
	if err != nil {
		return nil, err
	}
	d, ok := obj.(*objects.Directory)
	if !ok {
		return nil, nil
	}
	var children []objectid.ID
	err = d.ForEachUniqueChild(func(c objectid.ID) error {
		children = append(children, c)
		return nil
	})
	return children, err
}

// IncrementDirect pins id on its own, independent of its children.
func (s *Store) IncrementDirect(ctx context.Context, id objectid.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		rc, err := s.getRefcount(txn, id)
		if err != nil {
			return err
		}
		rc.Direct++
		return s.putRefcount(txn, id, rc)
	})
	if err != nil {
		return objerr.New(objerr.IO, "objectstore.IncrementDirect", err)
	}
	return nil
}

// DecrementDirect removes one direct pin from id without deleting the
// block, even if both counters reach zero (that is flat_remove's job).
func (s *Store) DecrementDirect(ctx context.Context, id objectid.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		rc, err := s.getRefcount(txn, id)
		if err != nil {
			return err
		}
		if rc.Direct == 0 {
			objerr.Panic("objectstore.DecrementDirect", fmt.Errorf("direct refcount for %s already zero", id))
		}
		rc.Direct--
		return s.putRefcount(txn, id, rc)
	})
	if err != nil {
		return objerr.New(objerr.IO, "objectstore.DecrementDirect", err)
	}
	return nil
}

// IncrementRecursive pins id and its entire subtree. On the 0→positive
// transition it recurses into id's children, incrementing their
// recursive counts too (spec §4.3).
func (s *Store) IncrementRecursive(ctx context.Context, id objectid.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return s.incrementRecursiveTxn(ctx, txn, id)
	})
	if err != nil {
		return objerr.New(objerr.IO, "objectstore.IncrementRecursive", err)
	}
	return nil
}

func (s *Store) incrementRecursiveTxn(ctx context.Context, txn *badger.Txn, id objectid.ID) error {
	rc, err := s.getRefcount(txn, id)
	if err != nil {
		return err
	}
	wasZero := rc.Recursive == 0
	rc.Recursive++
	if err := s.putRefcount(txn, id, rc); err != nil {
		return err
	}
	if !wasZero {
		return nil
	}
	children, err := s.childrenOf(ctx, id)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := s.incrementRecursiveTxn(ctx, txn, c); err != nil {
			return err
		}
	}
	return nil
}

// DecrementRecursive removes one recursive pin from id. On the
// positive→0 transition it cascades into id's children, decrementing
// their recursive counts too, and deletes id's block once both
// counters are zero (spec §4.3, I4).
func (s *Store) DecrementRecursive(ctx context.Context, id objectid.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return s.decrementRecursiveTxn(ctx, txn, id)
	})
	if err != nil {
		return objerr.New(objerr.IO, "objectstore.DecrementRecursive", err)
	}
	return nil
}

func (s *Store) decrementRecursiveTxn(ctx context.Context, txn *badger.Txn, id objectid.ID) error {
	rc, err := s.getRefcount(txn, id)
	if err != nil {
		return err
	}
	if rc.Recursive == 0 {
		objerr.Panic("objectstore.DecrementRecursive", fmt.Errorf("recursive refcount for %s already zero", id))
	}
	children, err := s.childrenOf(ctx, id)
	if err != nil {
		return err
	}
	rc.Recursive--
	if err := s.putRefcount(txn, id, rc); err != nil {
		return err
	}
	if rc.Recursive > 0 {
		return nil
	}
	for _, c := range children {
		if err := s.decrementRecursiveTxn(ctx, txn, c); err != nil {
			return err
		}
	}
	if rc.isZero() {
		if err := txn.Delete(refcountKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(blockstore.Key(id)); err != nil {
			return err
		}
	}
	return nil
}

// FlatRemove decrements id's direct count, deleting the block once
// both counters reach zero.
func (s *Store) FlatRemove(ctx context.Context, id objectid.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		rc, err := s.getRefcount(txn, id)
		if err != nil {
			return err
		}
		if rc.Direct == 0 {
			objerr.Panic("objectstore.FlatRemove", fmt.Errorf("direct refcount for %s already zero", id))
		}
		rc.Direct--
		if err := s.putRefcount(txn, id, rc); err != nil {
			return err
		}
		if rc.isZero() {
			if err := txn.Delete(refcountKey(id)); err != nil {
				return err
			}
			return txn.Delete(blockstore.Key(id))
		}
		return nil
	})
	if err != nil {
		return objerr.New(objerr.IO, "objectstore.FlatRemove", err)
	}
	return nil
}

// DeepRemove decrements id's recursive count and cascades into
// children, deleting blocks whose counters reach zero. It is the
// cascading counterpart callers use once a subtree is fully replicated
// and no longer needed (spec §4.3).
func (s *Store) DeepRemove(ctx context.Context, id objectid.ID) error {
	return s.DecrementRecursive(ctx, id)
}

// PruneIfUnpinned deletes id's block and refcount record if and only
// if both counters are already zero. Branch/RootOp uses this after
// Index liveness (not refcounts) determines an object is no longer
// reachable from any branch root — refcounts may still legitimately
// pin an object that is mid-replication even though no branch commit
// points at it yet, so a plain Index-driven delete must defer to this
// check rather than unconditionally removing the block.
func (s *Store) PruneIfUnpinned(ctx context.Context, id objectid.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var pruned bool
	err := s.db.Update(func(txn *badger.Txn) error {
		rc, err := s.getRefcount(txn, id)
		if err != nil {
			return err
		}
		if !rc.isZero() {
			return nil
		}
		if err := txn.Delete(refcountKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(blockstore.Key(id)); err != nil {
			return err
		}
		pruned = true
		return nil
	})
	if err != nil {
		return false, objerr.New(objerr.IO, "objectstore.PruneIfUnpinned", err)
	}
	return pruned, nil
}

// Exists reports whether id's block is currently stored.
func (s *Store) Exists(ctx context.Context, id objectid.ID) (bool, error) {
	return s.bs.Exists(ctx, id)
}

// Sweep walks every stored block and prunes the ones whose refcount is
// already zero. Branch.Commit's own remove_recursive step already
// prunes eagerly as edges are unlinked, so Sweep exists for objects
// that missed that path entirely: a process that crashed between
// steps 5 and 6 of a commit, or a block written by StoreBlob and never
// linked into any tree. It reports how many blocks it removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	ids, err := s.allBlockIDs(ctx)
	if err != nil {
		return 0, err
	}
	var pruned int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return pruned, err
		}
		ok, err := s.PruneIfUnpinned(ctx, id)
		if err != nil {
			return pruned, err
		}
		if ok {
			pruned++
		}
	}
	return pruned, nil
}

func (s *Store) allBlockIDs(ctx context.Context) ([]objectid.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []objectid.ID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(blockstore.KeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			hexID := string(key[len(prefix):])
			id, err := objectid.FromHex(hexID)
			if err != nil {
				return fmt.Errorf("objectstore: parse block key %q: %w", key, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, objerr.New(objerr.IO, "objectstore.Sweep", err)
	}
	return ids, nil
}
