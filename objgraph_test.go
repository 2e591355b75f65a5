package objgraph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-sync/objgraph/internal/config"
	"github.com/kestrel-sync/objgraph/pkg/objectid"
	"github.com/kestrel-sync/objgraph/pkg/objects"
	"github.com/kestrel-sync/objgraph/pkg/versionvector"
)

func testUser(b byte) objectid.UserID {
	var u objectid.UserID
	u[0] = b
	return u
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	root := t.TempDir()
	cfg := config.Config{
		DataDir:     filepath.Join(root, "data"),
		SnapshotDir: filepath.Join(root, "snapshots"),
		LogLevel:    "error",
	}
	g, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestStartIsIdempotent(t *testing.T) {
	g := newTestDB(t)
	require.NoError(t, g.Start(context.Background()))
}

func TestBranchReturnsSameInstanceForSameUser(t *testing.T) {
	g := newTestDB(t)
	u := testUser(1)

	b1, err := g.Branch(u)
	require.NoError(t, err)
	b2, err := g.Branch(u)
	require.NoError(t, err)
	assert.Same(t, b1, b2)
}

func TestBranchBeforeStartFails(t *testing.T) {
	cfg := config.Config{DataDir: t.TempDir()}
	g, err := New(cfg)
	require.NoError(t, err)
	_, err = g.Branch(testUser(1))
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestStoreBlobAndCommitThroughBranch(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)
	u := testUser(2)

	blobID, err := g.StoreBlob(ctx, []byte("hello world"))
	require.NoError(t, err)

	b, err := g.Branch(u)
	require.NoError(t, err)

	vv := versionvector.New()
	require.NoError(t, vv.SetVersion(u, 1))

	op, err := b.OpenRootOp(ctx)
	require.NoError(t, err)
	op.Tree().Insert("hello.txt", u, objects.VersionedObject{ID: blobID, Versions: vv})
	changed, err := op.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	head, ok, err := b.HeadCommit(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, head.RootID.IsZero())
}

func TestCommitKeepsSearchIndexInSync(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)
	u := testUser(3)

	blobID, err := g.StoreBlob(ctx, []byte("hello world"))
	require.NoError(t, err)

	b, err := g.Branch(u)
	require.NoError(t, err)

	vv := versionvector.New()
	require.NoError(t, vv.SetVersion(u, 1))

	op, err := b.OpenRootOp(ctx)
	require.NoError(t, err)
	op.Tree().Insert("report.txt", u, objects.VersionedObject{ID: blobID, Versions: vv})
	changed, err := op.Commit(ctx)
	require.NoError(t, err)
	require.True(t, changed)

	hits, err := g.Search().Search("report", 10)
	require.NoError(t, err)
	assert.Contains(t, hits, "report.txt")

	op2, err := b.OpenRootOp(ctx)
	require.NoError(t, err)
	op2.Tree().Erase("report.txt", u)
	vv2 := versionvector.New()
	require.NoError(t, vv2.SetVersion(u, 2))
	blobID2, err := g.StoreBlob(ctx, []byte("marker"))
	require.NoError(t, err)
	op2.Tree().Insert("marker.txt", u, objects.VersionedObject{ID: blobID2, Versions: vv2})
	changed, err = op2.Commit(ctx)
	require.NoError(t, err)
	require.True(t, changed)

	hits, err = g.Search().Search("report", 10)
	require.NoError(t, err)
	assert.NotContains(t, hits, "report.txt", "stale filename must be removed once its directory is superseded")
}

func TestSweepRemovesOrphanedBlob(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)

	orphan, err := g.StoreBlob(ctx, []byte("never committed"))
	require.NoError(t, err)

	pruned, err := g.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	exists, err := g.Objects().Exists(ctx, orphan)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOpenRemoteBranchAndCreateSnapshotThroughFacade(t *testing.T) {
	ctx := context.Background()
	g := newTestDB(t)
	u := testUser(4)

	blobID, err := g.StoreBlob(ctx, []byte("hello"))
	require.NoError(t, err)
	b, err := g.Branch(u)
	require.NoError(t, err)
	vv := versionvector.New()
	require.NoError(t, vv.SetVersion(u, 1))
	op, err := b.OpenRootOp(ctx)
	require.NoError(t, err)
	op.Tree().Insert("f", u, objects.VersionedObject{ID: blobID, Versions: vv})
	_, err = op.Commit(ctx)
	require.NoError(t, err)

	commit, ok, err := b.HeadCommit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	rb, err := g.OpenRemoteBranch(ctx, u, commit)
	require.NoError(t, err)
	assert.Equal(t, commit.RootID, rb.Commit().RootID)

	snap, err := g.CreateSnapshot(ctx, commit, "")
	require.NoError(t, err)
	assert.Equal(t, commit.RootID, snap.RootID())
}
