package snapshot

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-sync/objgraph/internal/blockstore"
	"github.com/kestrel-sync/objgraph/internal/index"
	"github.com/kestrel-sync/objgraph/internal/objectstore"
	"github.com/kestrel-sync/objgraph/pkg/objectid"
	"github.com/kestrel-sync/objgraph/pkg/objects"
	"github.com/kestrel-sync/objgraph/pkg/versionvector"
)

func newTestObjectStore(t *testing.T) *objectstore.Store {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	bs, err := blockstore.New(db)
	require.NoError(t, err)
	return objectstore.New(db, bs)
}

func userID(b byte) objectid.UserID {
	var u objectid.UserID
	u[0] = b
	return u
}

func TestSnapshotCompletesAfterLeafArrives(t *testing.T) {
	ctx := context.Background()
	store := newTestObjectStore(t)
	u := userID(1)

	vv := versionvector.New()
	require.NoError(t, vv.SetVersion(u, 1))
	blob := objects.Blob("leaf")
	blobID := objects.CalculateID(blob)

	d := objects.NewDirectory()
	d.Insert("leaf", u, objects.VersionedObject{ID: blobID, Versions: vv})
	dirID, err := store.StoreDirectory(ctx, d)
	require.NoError(t, err)
	_, err = store.StoreBlob(ctx, blob)
	require.NoError(t, err)

	s, err := Create(ctx, store, index.Commit{RootID: dirID, Versions: vv}, t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.InsertObject(ctx, dirID, []objectid.ID{blobID}))
	rc, err := store.Refcount(ctx, dirID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rc.Direct, "directory waits on its missing child")

	require.NoError(t, s.InsertObject(ctx, blobID, nil))
	rc, err = store.Refcount(ctx, dirID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rc.Direct)
	assert.Equal(t, uint64(1), rc.Recursive, "directory promotes once its last child completes")
}

func TestSnapshotImmediateCompleteWhenChildrenAlreadyPresent(t *testing.T) {
	ctx := context.Background()
	store := newTestObjectStore(t)
	u := userID(1)

	vv := versionvector.New()
	require.NoError(t, vv.SetVersion(u, 1))
	blob := objects.Blob("already-here")
	blobID, err := store.StoreBlob(ctx, blob)
	require.NoError(t, err)
	// Pre-pin the blob as if another branch already completed it.
	require.NoError(t, store.IncrementRecursive(ctx, blobID))

	d := objects.NewDirectory()
	d.Insert("f", u, objects.VersionedObject{ID: blobID, Versions: vv})
	dirID, err := store.StoreDirectory(ctx, d)
	require.NoError(t, err)

	s, err := Create(ctx, store, index.Commit{RootID: dirID, Versions: vv}, "")
	require.NoError(t, err)

	require.NoError(t, s.InsertObject(ctx, dirID, []objectid.ID{blobID}))

	rc, err := store.Refcount(ctx, dirID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rc.Direct)
	assert.Equal(t, uint64(1), rc.Recursive, "a node whose children are all already complete must finish immediately")
}

func TestSnapshotForgetReleasesPins(t *testing.T) {
	ctx := context.Background()
	store := newTestObjectStore(t)
	u := userID(2)

	vv := versionvector.New()
	require.NoError(t, vv.SetVersion(u, 1))
	blob := objects.Blob("x")
	blobID := objects.CalculateID(blob)
	d := objects.NewDirectory()
	d.Insert("x", u, objects.VersionedObject{ID: blobID, Versions: vv})
	dirID, err := store.StoreDirectory(ctx, d)
	require.NoError(t, err)
	_, err = store.StoreBlob(ctx, blob)
	require.NoError(t, err)

	s, err := Create(ctx, store, index.Commit{RootID: dirID, Versions: vv}, "")
	require.NoError(t, err)
	require.NoError(t, s.InsertObject(ctx, dirID, []objectid.ID{blobID}))

	require.NoError(t, s.Forget(ctx))

	exists, err := store.Exists(ctx, dirID)
	require.NoError(t, err)
	assert.False(t, exists, "forgetting a never-completed snapshot must flat_remove its incomplete nodes")
}

func TestSnapshotPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestObjectStore(t)
	u := userID(3)
	dir := t.TempDir()

	vv := versionvector.New()
	require.NoError(t, vv.SetVersion(u, 1))
	blob := objects.Blob("persisted")
	blobID := objects.CalculateID(blob)
	d := objects.NewDirectory()
	d.Insert("p", u, objects.VersionedObject{ID: blobID, Versions: vv})
	dirID, err := store.StoreDirectory(ctx, d)
	require.NoError(t, err)
	_, err = store.StoreBlob(ctx, blob)
	require.NoError(t, err)

	s, err := Create(ctx, store, index.Commit{RootID: dirID, Versions: vv}, dir)
	require.NoError(t, err)
	require.NoError(t, s.InsertObject(ctx, dirID, []objectid.ID{blobID}))

	loaded, err := Load(store, dir, s.NameTag(), dirID)
	require.NoError(t, err)
	require.NoError(t, loaded.InsertObject(ctx, blobID, nil))

	rc, err := store.Refcount(ctx, dirID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rc.Recursive)
}

// TestThreeLevelOutOfOrderDelivery replays spec.md §8 scenario 4: a
// three-level tree hR{hA,hB}, hA{hL}, where hB's own subtree (empty)
// completes before its sibling hA's deeper leaf hL ever arrives. Every
// insert_object call after the root's own registration must be able to
// land regardless of which branch of the tree is currently ahead.
func TestThreeLevelOutOfOrderDelivery(t *testing.T) {
	ctx := context.Background()
	store := newTestObjectStore(t)
	u := userID(4)
	vv := versionvector.New()
	require.NoError(t, vv.SetVersion(u, 1))

	leaf := objects.Blob("hL")
	leafID, err := store.StoreBlob(ctx, leaf)
	require.NoError(t, err)

	dirA := objects.NewDirectory()
	dirA.Insert("leaf", u, objects.VersionedObject{ID: leafID, Versions: vv})
	hAID, err := store.StoreDirectory(ctx, dirA)
	require.NoError(t, err)

	blobB := objects.Blob("hB")
	hBID, err := store.StoreBlob(ctx, blobB)
	require.NoError(t, err)

	dirR := objects.NewDirectory()
	dirR.Insert("a", u, objects.VersionedObject{ID: hAID, Versions: vv})
	dirR.Insert("b", u, objects.VersionedObject{ID: hBID, Versions: vv})
	hRID, err := store.StoreDirectory(ctx, dirR)
	require.NoError(t, err)

	s, err := Create(ctx, store, index.Commit{RootID: hRID, Versions: vv}, "")
	require.NoError(t, err)

	// Deliver root first (required to learn of hA/hB at all), then
	// hB's empty subtree completes before hA's deeper leaf arrives.
	require.NoError(t, s.InsertObject(ctx, hRID, []objectid.ID{hAID, hBID}))
	require.NoError(t, s.InsertObject(ctx, hBID, nil))
	require.NoError(t, s.InsertObject(ctx, hAID, []objectid.ID{leafID}))
	require.NoError(t, s.InsertObject(ctx, leafID, nil))

	assert.Len(t, s.nodes, 1, "every non-root node must be subsumed once the root completes")
	root, ok := s.nodes[hRID]
	require.True(t, ok)
	assert.Equal(t, Complete, root.Type)

	for name, id := range map[string]objectid.ID{"hR": hRID, "hA": hAID, "hB": hBID, "hL": leafID} {
		rc, err := store.Refcount(ctx, id)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, rc.Recursive, uint64(1), "%s must be recursively pinned", name)
		assert.Equal(t, uint64(0), rc.Direct, "%s must have no outstanding direct pin once subsumed", name)
	}
	rootRC, err := store.Refcount(ctx, hRID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rootRC.Recursive)
}

// randomTree builds a random directory tree (depth levels deep, each
// directory 1-3 children, each branch independently terminating early
// into a leaf blob), recording every id's direct children into
// childrenOf. Used by the property tests below to exercise P4/P5/P7
// over varied shapes instead of one hand-picked fixture.
func randomTree(t *testing.T, ctx context.Context, store *objectstore.Store, rng *rand.Rand, u objectid.UserID, depth int, childrenOf map[objectid.ID][]objectid.ID) objectid.ID {
	t.Helper()
	if depth <= 0 || rng.Intn(3) == 0 {
		blob := objects.Blob(fmt.Sprintf("leaf-%d", rng.Int63()))
		id, err := store.StoreBlob(ctx, blob)
		require.NoError(t, err)
		childrenOf[id] = nil
		return id
	}

	vv := versionvector.New()
	require.NoError(t, vv.SetVersion(u, uint64(rng.Intn(10)+1)))

	d := objects.NewDirectory()
	n := rng.Intn(3) + 1
	var kids []objectid.ID
	for i := 0; i < n; i++ {
		childID := randomTree(t, ctx, store, rng, u, depth-1, childrenOf)
		d.Insert(fmt.Sprintf("child-%d", i), u, objects.VersionedObject{ID: childID, Versions: vv})
		kids = append(kids, childID)
	}
	id, err := store.StoreDirectory(ctx, d)
	require.NoError(t, err)
	childrenOf[id] = kids
	return id
}

// randomTopoOrder returns a random linear extension of the tree rooted
// at rootID: a parent always precedes its children, but siblings and
// unrelated subtrees are interleaved arbitrarily, matching P4/P5's
// "any topological-respecting order" / "children may arrive before
// parents arrive, or after [other children]" framing.
func randomTopoOrder(rng *rand.Rand, rootID objectid.ID, childrenOf map[objectid.ID][]objectid.ID) []objectid.ID {
	order := make([]objectid.ID, 0, len(childrenOf))
	ready := []objectid.ID{rootID}
	for len(ready) > 0 {
		i := rng.Intn(len(ready))
		id := ready[i]
		ready = append(ready[:i], ready[i+1:]...)
		order = append(order, id)
		ready = append(ready, childrenOf[id]...)
	}
	return order
}

func deliverOrder(ctx context.Context, s *Snapshot, childrenOf map[objectid.ID][]objectid.ID, order []objectid.ID) error {
	for _, id := range order {
		if err := s.InsertObject(ctx, id, childrenOf[id]); err != nil {
			return err
		}
	}
	return nil
}

// TestPropertyP4SnapshotCompletion is P4: for any random tree delivered
// to a Snapshot in any topological-respecting order, once the root has
// arrived with all descendants, the root ends Complete with
// recursive=1, direct=0, and every non-root node is subsumed out of
// _nodes.
func TestPropertyP4SnapshotCompletion(t *testing.T) {
	ctx := context.Background()

	for trial := 0; trial < 20; trial++ {
		store := newTestObjectStore(t)
		rng := rand.New(rand.NewSource(int64(trial) + 1))
		u := userID(5)
		childrenOf := make(map[objectid.ID][]objectid.ID)
		rootID := randomTree(t, ctx, store, rng, u, 3, childrenOf)

		s, err := Create(ctx, store, index.Commit{RootID: rootID}, "")
		require.NoError(t, err)

		order := randomTopoOrder(rng, rootID, childrenOf)
		require.NoError(t, deliverOrder(ctx, s, childrenOf, order))

		rc, err := store.Refcount(ctx, rootID)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), rc.Recursive, "trial %d: root must end recursive=1", trial)
		assert.Equal(t, uint64(0), rc.Direct, "trial %d: root must end direct=0", trial)
		assert.Len(t, s.nodes, 1, "trial %d: only the root may remain tracked once complete", trial)
	}
}

// TestPropertyP5SnapshotSafetyUnderAnyOrder is P5: at every point during
// delivery, no node still tracked in _nodes has both direct=0 and
// recursive=0.
func TestPropertyP5SnapshotSafetyUnderAnyOrder(t *testing.T) {
	ctx := context.Background()

	for trial := 0; trial < 20; trial++ {
		store := newTestObjectStore(t)
		rng := rand.New(rand.NewSource(int64(trial) + 100))
		u := userID(6)
		childrenOf := make(map[objectid.ID][]objectid.ID)
		rootID := randomTree(t, ctx, store, rng, u, 3, childrenOf)

		s, err := Create(ctx, store, index.Commit{RootID: rootID}, "")
		require.NoError(t, err)

		order := randomTopoOrder(rng, rootID, childrenOf)
		for step, id := range order {
			require.NoError(t, s.InsertObject(ctx, id, childrenOf[id]))
			for nodeID := range s.nodes {
				rc, err := store.Refcount(ctx, nodeID)
				require.NoError(t, err)
				assert.False(t, rc.Direct == 0 && rc.Recursive == 0,
					"trial %d step %d: %s has neither pin while still tracked", trial, step, nodeID)
			}
		}
	}
}

// TestPropertyP7ForgetRestoresPreCreationRefcounts is P7: forgetting a
// Snapshot, whether it completed or only partially arrived, restores
// every refcount it touched to its pre-creation value.
func TestPropertyP7ForgetRestoresPreCreationRefcounts(t *testing.T) {
	ctx := context.Background()

	for trial := 0; trial < 20; trial++ {
		store := newTestObjectStore(t)
		rng := rand.New(rand.NewSource(int64(trial) + 1000))
		u := userID(7)
		childrenOf := make(map[objectid.ID][]objectid.ID)
		rootID := randomTree(t, ctx, store, rng, u, 3, childrenOf)

		before := make(map[objectid.ID]objectstore.Refcount, len(childrenOf))
		for id := range childrenOf {
			rc, err := store.Refcount(ctx, id)
			require.NoError(t, err)
			before[id] = rc
		}

		s, err := Create(ctx, store, index.Commit{RootID: rootID}, "")
		require.NoError(t, err)

		order := randomTopoOrder(rng, rootID, childrenOf)
		// Deliver only a random prefix so some trials forget a fully
		// complete Snapshot and others forget a partially-delivered one.
		prefix := order[:rng.Intn(len(order)+1)]
		require.NoError(t, deliverOrder(ctx, s, childrenOf, prefix))

		require.NoError(t, s.Forget(ctx))

		for id := range childrenOf {
			rc, err := store.Refcount(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, before[id], rc, "trial %d: %s refcount must return to its pre-creation value", trial, id)
		}
	}
}

// TestPropertyP6IdempotentInsertIsNoOp is P6: re-delivering any id that
// has already reached Complete, anywhere in a random tree, after full
// delivery must not touch any refcount a second time.
func TestPropertyP6IdempotentInsertIsNoOp(t *testing.T) {
	ctx := context.Background()

	for trial := 0; trial < 20; trial++ {
		store := newTestObjectStore(t)
		rng := rand.New(rand.NewSource(int64(trial) + 2000))
		u := userID(10)
		childrenOf := make(map[objectid.ID][]objectid.ID)
		rootID := randomTree(t, ctx, store, rng, u, 3, childrenOf)

		s, err := Create(ctx, store, index.Commit{RootID: rootID}, "")
		require.NoError(t, err)

		order := randomTopoOrder(rng, rootID, childrenOf)
		require.NoError(t, deliverOrder(ctx, s, childrenOf, order))

		before := make(map[objectid.ID]objectstore.Refcount, len(childrenOf))
		for id := range childrenOf {
			rc, err := store.Refcount(ctx, id)
			require.NoError(t, err)
			before[id] = rc
		}

		redeliver := order[rng.Intn(len(order))]
		require.NoError(t, s.InsertObject(ctx, redeliver, childrenOf[redeliver]))

		for id := range childrenOf {
			rc, err := store.Refcount(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, before[id], rc, "trial %d: re-delivering %s after completion must not change any refcount", trial, id)
		}
	}
}

func TestGroupIDStableUnderMemberOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestObjectStore(t)
	u1, u2 := userID(1), userID(2)

	c1, err := Create(ctx, store, index.Commit{RootID: objectid.SumBlock([]byte{0x02, 'a'})}, "")
	require.NoError(t, err)
	c2, err := Create(ctx, store, index.Commit{RootID: objectid.SumBlock([]byte{0x02, 'b'})}, "")
	require.NoError(t, err)

	g1 := NewGroup(map[objectid.UserID]*Snapshot{u1: c1, u2: c2})
	g2 := NewGroup(map[objectid.UserID]*Snapshot{u2: c2, u1: c1})

	assert.Equal(t, g1.ID(), g2.ID())
}
