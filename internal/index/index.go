// Package index implements the per-branch liveness structure of spec
// §3/§4.4: a map {user → Commit} plus the parent relation
// edges: set<(user, child_id, parent_id)> that records, for every live
// object, which root commit (or intermediate parent) keeps it
// reachable. someone_has(obj) is true iff any edge (_, obj, _) exists.
//
// Edges are keyed child-first so someone_has is a single badger prefix
// scan rather than a full table scan, following the prefixed-key
// convention internal/wal uses in the teacher repo this was adapted
// from.
package index

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/kestrel-sync/objgraph/pkg/objectid"
	"github.com/kestrel-sync/objgraph/pkg/objerr"
	"github.com/kestrel-sync/objgraph/pkg/versionvector"
)

const (
	edgeKeyPrefix   = "idx:edge:"
	commitKeyPrefix = "idx:commit:"
)

// Commit names the root of a branch snapshot: a VersionedObject over
// the whole tree (spec §3).
type Commit struct {
	RootID   objectid.ID
	Versions versionvector.VersionVector
}

// IsZero reports whether c is the zero Commit (no commit published yet).
func (c Commit) IsZero() bool {
	return c.RootID.IsZero()
}

func (c Commit) encode() []byte {
	vv := c.Versions.MarshalCanonical()
	buf := make([]byte, 0, 32+len(vv))
	buf = append(buf, c.RootID.Bytes()...)
	buf = append(buf, vv...)
	return buf
}

func decodeCommit(buf []byte) (Commit, error) {
	if len(buf) < 32 {
		return Commit{}, fmt.Errorf("index: malformed commit record (%d bytes)", len(buf))
	}
	var id objectid.ID
	copy(id[:], buf[:32])
	vv, _, err := versionvector.UnmarshalCanonical(buf[32:])
	if err != nil {
		return Commit{}, fmt.Errorf("index: decode commit version vector: %w", err)
	}
	return Commit{RootID: id, Versions: vv}, nil
}

// Index is a Branch's edge set and per-user commit table, backed by
// badger. Only the owning branch's RootOp mutates it (spec §5 "The
// Index is per-branch; only that branch's RootOp mutates it").
type Index struct {
	db *badger.DB
}

// New wraps an already-open badger.DB. The caller owns its lifecycle.
func New(db *badger.DB) *Index {
	return &Index{db: db}
}

func edgeKey(user objectid.UserID, child, parent objectid.ID) []byte {
	return []byte(edgeKeyPrefix + user.String() + ":" + child.String() + ":" + parent.String())
}

// edges are keyed child-first via a second prefix so someone_has can
// scan without touching the user-first keys InsertEdge/RemoveEdge
// address directly. Both key shapes index the same logical edge; the
// user-first record is authoritative, the child-first record is a
// lookup accelerator kept in sync within the same transaction.
func edgeLookupKey(child objectid.ID, user objectid.UserID, parent objectid.ID) []byte {
	return []byte(edgeKeyPrefix + "byChild:" + child.String() + ":" + user.String() + ":" + parent.String())
}

func edgeLookupPrefix(child objectid.ID) []byte {
	return []byte(edgeKeyPrefix + "byChild:" + child.String() + ":")
}

func commitKey(user objectid.UserID) []byte {
	return []byte(commitKeyPrefix + user.String())
}

// InsertEdge records that parent keeps child reachable for user. It is
// idempotent: inserting the same edge twice is a no-op.
func (idx *Index) InsertEdge(ctx context.Context, user objectid.UserID, child, parent objectid.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := idx.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(edgeKey(user, child, parent), nil); err != nil {
			return err
		}
		return txn.Set(edgeLookupKey(child, user, parent), nil)
	})
	if err != nil {
		return objerr.New(objerr.IO, "index.InsertEdge", err)
	}
	return nil
}

// RemoveEdge deletes the (user, child, parent) edge. Removing an edge
// that doesn't exist is a no-op, since a RootOp's remove_recursive may
// be re-entered after a crash.
func (idx *Index) RemoveEdge(ctx context.Context, user objectid.UserID, child, parent objectid.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := idx.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(edgeKey(user, child, parent)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Delete(edgeLookupKey(child, user, parent)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return nil
	})
	if err != nil {
		return objerr.New(objerr.IO, "index.RemoveEdge", err)
	}
	return nil
}

// SomeoneHas reports whether any edge (_, obj, _) exists, i.e. whether
// some branch root or intermediate parent still keeps obj reachable.
func (idx *Index) SomeoneHas(ctx context.Context, obj objectid.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := idx.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := edgeLookupPrefix(obj)
		it.Seek(prefix)
		found = it.ValidForPrefix(prefix)
		return nil
	})
	if err != nil {
		return false, objerr.New(objerr.IO, "index.SomeoneHas", err)
	}
	return found, nil
}

// SetCommit publishes user's new head commit.
func (idx *Index) SetCommit(ctx context.Context, user objectid.UserID, c Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := idx.db.Update(func(txn *badger.Txn) error {
		return txn.Set(commitKey(user), c.encode())
	})
	if err != nil {
		return objerr.New(objerr.IO, "index.SetCommit", err)
	}
	return nil
}

// Commit returns user's current head commit. A zero Commit with ok
// false means user has never committed.
func (idx *Index) Commit(ctx context.Context, user objectid.UserID) (c Commit, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return Commit{}, false, err
	}
	txErr := idx.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(commitKey(user))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			decoded, err := decodeCommit(v)
			if err != nil {
				return err
			}
			c, ok = decoded, true
			return nil
		})
	})
	if txErr != nil {
		return Commit{}, false, objerr.New(objerr.IO, "index.Commit", txErr)
	}
	return c, ok, nil
}
