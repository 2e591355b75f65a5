// Package branch implements Branch and RootOp (spec §4.5): the
// transactional mutator over one user's subtree. A RootOp loads the
// current root Directory, lets the caller mutate it in memory, and on
// Commit recomputes the content hash bottom-up, writes new blocks,
// wires Index edges from the new root before unlinking the old one,
// and publishes the new version vector.
package branch

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrel-sync/objgraph/internal/index"
	"github.com/kestrel-sync/objgraph/internal/objectstore"
	"github.com/kestrel-sync/objgraph/pkg/objectid"
	"github.com/kestrel-sync/objgraph/pkg/objerr"
	"github.com/kestrel-sync/objgraph/pkg/objects"
)

// CommitObserver is notified synchronously from step 5 of Commit,
// after the new version vector is published but before the old
// subtree is unlinked, so a derived index can stay in sync with
// exactly what a branch just made live. hadOldRoot is false on a
// branch's first commit, when oldRootID is the zero value.
type CommitObserver func(ctx context.Context, oldRootID objectid.ID, hadOldRoot bool, newRootID objectid.ID, newTree *objects.Directory) error

// Branch owns one user's root mutation path. Concurrent RootOps on the
// same Branch are serialized by mu; spec §5 calls for "one task per
// branch" and a mutex gives that guarantee without a goroutine/channel
// pipeline.
type Branch struct {
	store *objectstore.Store
	idx   *index.Index
	user  objectid.UserID

	mu       sync.Mutex
	observer CommitObserver
}

// New constructs a Branch for user over the given ObjectStore and Index.
func New(store *objectstore.Store, idx *index.Index, user objectid.UserID) *Branch {
	return &Branch{store: store, idx: idx, user: user}
}

// SetCommitObserver registers obs to be called from every subsequent
// Commit. There is at most one observer per Branch; a second call
// replaces the first.
func (b *Branch) SetCommitObserver(obs CommitObserver) {
	b.observer = obs
}

// HeadCommit returns the branch's current published commit, if any.
func (b *Branch) HeadCommit(ctx context.Context) (index.Commit, bool, error) {
	return b.idx.Commit(ctx, b.user)
}

// RootOp is a short-lived transaction over a Branch's root tree.
// Mutations happen in memory; nothing is visible to other branches or
// readers until Commit succeeds.
type RootOp struct {
	branch    *Branch
	tree      *objects.Directory
	oldCommit index.Commit
	hadCommit bool
	released  bool
}

// OpenRootOp locks b and loads its current root tree (or an empty
// Directory if the branch has never committed).
func (b *Branch) OpenRootOp(ctx context.Context) (*RootOp, error) {
	b.mu.Lock()

	commit, ok, err := b.idx.Commit(ctx, b.user)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}

	var tree *objects.Directory
	if ok {
		tree, err = b.store.LoadDirectory(ctx, commit.RootID)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
	} else {
		tree = objects.NewDirectory()
	}

	return &RootOp{branch: b, tree: tree, oldCommit: commit, hadCommit: ok}, nil
}

// Tree exposes the in-memory root for mutation.
func (op *RootOp) Tree() *objects.Directory {
	return op.tree
}

// Release unlocks the branch without committing. Any in-memory
// mutations are discarded; nothing was ever persisted, so aborting is
// always safe (spec §5 "Scoped acquisition").
func (op *RootOp) Release() {
	if op.released {
		return
	}
	op.released = true
	op.branch.mu.Unlock()
}

// Commit implements spec §4.5's six-step commit algorithm. It reports
// false with no error if the tree is unchanged from the pre-commit
// root (a no-op commit). On a branch that has never committed, the
// pre-commit root is the empty Directory.
func (op *RootOp) Commit(ctx context.Context) (bool, error) {
	defer op.Release()

	b := op.branch
	newID := op.tree.CalculateID()
	oldID := objects.NewDirectory().CalculateID()
	if op.hadCommit {
		oldID = op.oldCommit.RootID
	}
	if newID.Equal(oldID) {
		return false, nil
	}

	// Step 2: persist the new tree; the returned id must equal newID.
	storedID, err := b.store.StoreDirectory(ctx, op.tree)
	if err != nil {
		return false, err
	}
	if !storedID.Equal(newID) {
		objerr.Panic("branch.Commit", fmt.Errorf("stored directory id %s does not match computed id %s", storedID, newID))
	}

	// Step 3: insert edges to the new root before anything old is
	// unlinked (write-before-erase).
	if err := op.tree.ForEachUniqueChild(func(c objectid.ID) error {
		return b.idx.InsertEdge(ctx, b.user, c, newID)
	}); err != nil {
		return false, err
	}

	// Step 4: anchor the new root with a self-edge.
	if err := b.idx.InsertEdge(ctx, b.user, newID, newID); err != nil {
		return false, err
	}

	// Step 5: publish the version vector, enforcing I6.
	newVV := op.tree.CalculateVersionVectorUnion()
	wantLocal := uint64(1)
	if op.hadCommit {
		wantLocal = op.oldCommit.Versions.VersionOf(b.user) + 1
	}
	if got := newVV.VersionOf(b.user); got != wantLocal {
		return false, objerr.New(objerr.VersionRegression, "branch.Commit",
			fmt.Errorf("local version for %s is %d, want %d (I6)", b.user, got, wantLocal))
	}
	if err := b.idx.SetCommit(ctx, b.user, index.Commit{RootID: newID, Versions: newVV}); err != nil {
		return false, err
	}

	if b.observer != nil {
		var oldRootID objectid.ID
		if op.hadCommit {
			oldRootID = op.oldCommit.RootID
		}
		if err := b.observer(ctx, oldRootID, op.hadCommit, newID, op.tree); err != nil {
			return false, err
		}
	}

	// Step 6: recursively remove the old subtree along paths no other
	// edge keeps alive.
	if op.hadCommit {
		if err := b.removeRecursive(ctx, op.oldCommit.RootID, op.oldCommit.RootID); err != nil {
			return false, err
		}
	}

	return true, nil
}

// removeRecursive implements spec §4.5's remove_recursive: unlink the
// (user, objID, parentID) edge, and if no edge still reaches objID,
// recurse into its children before pruning its block. PruneIfUnpinned
// (not a raw delete) is used for the final step since refcounts from
// an in-flight Snapshot/RemoteBranch may still legitimately retain the
// block even though no branch edge points at it anymore.
func (b *Branch) removeRecursive(ctx context.Context, objID, parentID objectid.ID) error {
	if err := b.idx.RemoveEdge(ctx, b.user, objID, parentID); err != nil {
		return err
	}
	has, err := b.idx.SomeoneHas(ctx, objID)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	obj, err := b.store.LoadAny(ctx, objID)
	if err != nil {
		if objerr.Is(err, objerr.Missing) {
			return nil
		}
		return err
	}
	if d, ok := obj.(*objects.Directory); ok {
		var rerr error
		_ = d.ForEachUniqueChild(func(c objectid.ID) error {
			if rerr != nil {
				return nil
			}
			rerr = b.removeRecursive(ctx, c, objID)
			return nil
		})
		if rerr != nil {
			return rerr
		}
	}

	_, err = b.store.PruneIfUnpinned(ctx, objID)
	return err
}
