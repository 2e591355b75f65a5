/*
!! Currently the database is in a very early stage of development and should not be used in production environments. !!
*/
package objgraph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/kestrel-sync/objgraph/internal/blockstore"
	"github.com/kestrel-sync/objgraph/internal/branch"
	"github.com/kestrel-sync/objgraph/internal/config"
	"github.com/kestrel-sync/objgraph/internal/dirsearch"
	"github.com/kestrel-sync/objgraph/internal/index"
	"github.com/kestrel-sync/objgraph/internal/objectstore"
	"github.com/kestrel-sync/objgraph/internal/remotebranch"
	"github.com/kestrel-sync/objgraph/internal/snapshot"
	"github.com/kestrel-sync/objgraph/pkg/objectid"
	"github.com/kestrel-sync/objgraph/pkg/objects"
)

// DB is the main handle onto an object graph store. It owns the badger
// database, the block and object stores layered on top of it, the edge
// index, the filename search accelerator, and the lifecycle of every
// per-user Branch.
type DB struct {
	log    *logrus.Logger
	config config.Config

	db        *badger.DB
	blocks    *blockstore.Store
	objects   *objectstore.Store
	index     *index.Index
	search    *dirsearch.Index

	branchMu sync.Mutex
	branches map[objectid.UserID]*branch.Branch

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// Search returns the filename search accelerator. Mainly used for
// integration tests and callers that want to query it directly.
func (g *DB) Search() *dirsearch.Index {
	return g.search
}

// Objects returns the underlying object store. Mainly used by
// cmd/objgraphctl and integration tests that need to load objects
// directly rather than through a Branch.
func (g *DB) Objects() *objectstore.Store {
	return g.objects
}

// Index returns the underlying edge index.
func (g *DB) Index() *index.Index {
	return g.index
}

// Open constructs a DB handle from the config file at path and starts
// it. Open does not perform heavy I/O beyond opening the badger
// database; the filename search index starts empty and only learns of
// commits made after Start. It is the usual entry point for
// applications that don't need New/Start split apart.
func Open(ctx context.Context, path string) (*DB, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	g, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := g.Start(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// New constructs a database handle. New does not perform I/O or start
// background components. Call Start to initialize subsystems.
func New(cfg config.Config) (*DB, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("objgraph: config DataDir must be set")
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	return &DB{
		log:      log,
		config:   cfg,
		branches: make(map[objectid.UserID]*branch.Branch),
	}, nil
}

// Start opens the badger database, wires the block store, object
// store, index, and filename search accelerator, and marks the
// database ready. Start is safe to call multiple times; only the
// first call has effect.
func (g *DB) Start(ctx context.Context) error {
	var startErr error
	g.startOnce.Do(func() {
		if err := os.MkdirAll(g.config.DataDir, 0o700); err != nil {
			startErr = fmt.Errorf("objgraph: mkdir %s: %w", g.config.DataDir, err)
			return
		}
		if g.config.SnapshotDir != "" {
			if err := os.MkdirAll(g.config.SnapshotDir, 0o700); err != nil {
				startErr = fmt.Errorf("objgraph: mkdir %s: %w", g.config.SnapshotDir, err)
				return
			}
		}

		opts := badger.DefaultOptions(filepath.Join(g.config.DataDir, "badger")).WithLogger(badgerLogger{g.log})
		db, err := badger.Open(opts)
		if err != nil {
			startErr = fmt.Errorf("objgraph: open badger: %w", err)
			return
		}

		bs, err := blockstore.New(db)
		if err != nil {
			startErr = fmt.Errorf("objgraph: init block store: %w", err)
			return
		}

		search, err := dirsearch.New(g.log)
		if err != nil {
			startErr = fmt.Errorf("objgraph: init filename search: %w", err)
			return
		}

		g.db = db
		g.blocks = bs
		g.objects = objectstore.New(db, bs)
		g.index = index.New(db)
		g.search = search

		g.started.Store(true)
		g.log.WithField("dataDir", g.config.DataDir).Info("objgraph started")
	})
	return startErr
}

// Close terminates the filename search index and the badger database.
// Close is idempotent and safe to call multiple times.
func (g *DB) Close() error {
	var closeErr error
	g.closeOnce.Do(func() {
		if g.search != nil {
			if err := g.search.Close(); err != nil {
				closeErr = fmt.Errorf("close search: %w", err)
			}
		}
		if g.db != nil {
			if err := g.db.Close(); err != nil {
				closeErr = fmt.Errorf("close badger: %w", err)
			}
		}
		g.log.Info("objgraph closed")
	})
	return closeErr
}

// ErrNotStarted is returned by operations attempted before Start.
var ErrNotStarted = fmt.Errorf("objgraph: database not started")

// Branch returns the Branch for user, constructing it on first use.
// The returned Branch is shared across calls for the same user so its
// internal commit mutex actually serializes concurrent commits.
func (g *DB) Branch(user objectid.UserID) (*branch.Branch, error) {
	if !g.started.Load() {
		return nil, ErrNotStarted
	}
	g.branchMu.Lock()
	defer g.branchMu.Unlock()
	if b, ok := g.branches[user]; ok {
		return b, nil
	}
	b := branch.New(g.objects, g.index, user)
	b.SetCommitObserver(g.onCommit)
	g.branches[user] = b
	return b, nil
}

// onCommit keeps the filename search accelerator in sync with every
// branch's published root. It is wired into every Branch as a
// CommitObserver at construction time in Branch above.
func (g *DB) onCommit(ctx context.Context, oldRootID objectid.ID, hadOldRoot bool, newRootID objectid.ID, newTree *objects.Directory) error {
	if hadOldRoot {
		if err := g.search.RemoveDirectory(oldRootID); err != nil {
			return fmt.Errorf("objgraph: remove stale filename index for %s: %w", oldRootID, err)
		}
	}
	return g.search.IndexDirectory(newRootID, newTree)
}

// StoreBlob stores raw file content as a content-addressed Blob and
// returns its id. It does not publish the blob into any branch; call
// RootOp.Tree().Insert and Commit to make it reachable.
func (g *DB) StoreBlob(ctx context.Context, content []byte) (objectid.ID, error) {
	if !g.started.Load() {
		return objectid.ID{}, ErrNotStarted
	}
	return g.objects.StoreBlob(ctx, objects.Blob(content))
}

// OpenRemoteBranch loads or creates incremental-ingest state for a
// replica of commit, persisted under g.config.SnapshotDir.
func (g *DB) OpenRemoteBranch(ctx context.Context, user objectid.UserID, commit index.Commit) (*remotebranch.RemoteBranch, error) {
	if !g.started.Load() {
		return nil, ErrNotStarted
	}
	path := filepath.Join(g.config.SnapshotDir, "remote-"+user.String()+".gob")
	if _, err := os.Stat(path); err == nil {
		return remotebranch.Load(g.objects, path)
	}
	return remotebranch.New(g.objects, commit, path), nil
}

// CreateSnapshot pins commit's tree incrementally as its objects
// arrive, persisting state under g.config.SnapshotDir so replication
// progress survives a restart.
func (g *DB) CreateSnapshot(ctx context.Context, commit index.Commit, name string) (*snapshot.Snapshot, error) {
	if !g.started.Load() {
		return nil, ErrNotStarted
	}
	dir := g.config.SnapshotDir
	if name != "" {
		dir = filepath.Join(g.config.SnapshotDir, name)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("objgraph: mkdir %s: %w", dir, err)
		}
	}
	return snapshot.Create(ctx, g.objects, commit, dir)
}

// Sweep removes every stored block whose refcount has fallen to zero
// without yet being pruned, and reports how many it removed. Ordinary
// commits already prune eagerly as edges are unlinked; Sweep exists
// for a manual pass that also catches objects a crashed process left
// behind.
func (g *DB) Sweep(ctx context.Context) (int, error) {
	if !g.started.Load() {
		return 0, ErrNotStarted
	}
	return g.objects.Sweep(ctx)
}

// badgerLogger adapts logrus to badger's small Logger interface.
type badgerLogger struct {
	log *logrus.Logger
}

func (l badgerLogger) Errorf(f string, args ...interface{})   { l.log.Errorf(f, args...) }
func (l badgerLogger) Warningf(f string, args ...interface{}) { l.log.Warnf(f, args...) }
func (l badgerLogger) Infof(f string, args ...interface{})    { l.log.Infof(f, args...) }
func (l badgerLogger) Debugf(f string, args ...interface{})   { l.log.Debugf(f, args...) }
