// Package remotebranch implements the incremental ingest state machine
// of spec §4.6: the receiver side of a commit arriving from a peer.
// Objects may arrive in any order; RemoteBranch tracks which are still
// missing, which are stored but waiting on missing children, and which
// subtrees are fully present, cascading completeness notifications
// upward as children resolve.
package remotebranch

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/kestrel-sync/objgraph/internal/fsatomic"
	"github.com/kestrel-sync/objgraph/internal/index"
	"github.com/kestrel-sync/objgraph/internal/objectstore"
	"github.com/kestrel-sync/objgraph/pkg/objectid"
	"github.com/kestrel-sync/objgraph/pkg/objerr"
	"github.com/kestrel-sync/objgraph/pkg/objects"
	"github.com/kestrel-sync/objgraph/pkg/versionvector"
)

// RemoteBranch is the receiver-side state for one peer's in-flight
// commit. It is not safe for concurrent use; spec §5 serializes
// insert_object calls as a single-threaded pipeline per branch.
type RemoteBranch struct {
	store *objectstore.Store
	path  string // empty disables persistence, used in tests

	commit index.Commit

	// missingObjects maps an id not yet stored to the set of parent
	// ids that still need it.
	missingObjects map[objectid.ID]map[objectid.ID]struct{}
	// incompleteObjects maps a stored-but-incomplete id to the set of
	// its still-missing children.
	incompleteObjects map[objectid.ID]map[objectid.ID]struct{}
	// parentsOf remembers the parent set an incomplete object was
	// inserted with, so the completion cascade can notify those
	// parents once this object later becomes complete. Spec §4.6's
	// prose drops parent bookkeeping once `parents` leaves the local
	// insert_object call; Snapshot's node.parents (§4.7) carries the
	// same information explicitly, so this mirrors that design rather
	// than losing the information needed for multi-level cascades.
	parentsOf map[objectid.ID]map[objectid.ID]struct{}
	// completeObjects is the set of ids whose entire subtree is present.
	completeObjects map[objectid.ID]struct{}
}

// New constructs a RemoteBranch targeting commit. path, if non-empty,
// is the file Persist writes to after every mutation.
func New(store *objectstore.Store, commit index.Commit, path string) *RemoteBranch {
	return &RemoteBranch{
		store:             store,
		path:              path,
		commit:            commit,
		missingObjects:    map[objectid.ID]map[objectid.ID]struct{}{commit.RootID: {}},
		incompleteObjects: make(map[objectid.ID]map[objectid.ID]struct{}),
		parentsOf:         make(map[objectid.ID]map[objectid.ID]struct{}),
		completeObjects:   make(map[objectid.ID]struct{}),
	}
}

// Commit returns the commit this RemoteBranch is replicating.
func (rb *RemoteBranch) Commit() index.Commit { return rb.commit }

// IsComplete reports whether the root commit's entire subtree has
// arrived.
func (rb *RemoteBranch) IsComplete() bool {
	_, ok := rb.completeObjects[rb.commit.RootID]
	return ok
}

// InsertObject implements spec §4.6's insert_object: obj must be one
// the caller was told is expected (present in missingObjects), and
// children lists every id obj directly references (empty for a Blob).
// A duplicate delivery of an id already Complete or already
// Incomplete is a no-op (spec.md:146, P6).
func (rb *RemoteBranch) InsertObject(ctx context.Context, obj objects.Object, children []objectid.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := objects.CalculateID(obj)
	if _, complete := rb.completeObjects[id]; complete {
		return nil
	}
	if _, incomplete := rb.incompleteObjects[id]; incomplete {
		return nil
	}
	parents, ok := rb.missingObjects[id]
	if !ok {
		return objerr.New(objerr.Unexpected, "remotebranch.InsertObject",
			fmt.Errorf("object %s was not requested", id))
	}
	delete(rb.missingObjects, id)

	filtered := make([]objectid.ID, 0, len(children))
	for _, c := range children {
		exists, err := rb.store.Exists(ctx, c)
		if err != nil {
			return err
		}
		if !exists {
			filtered = append(filtered, c)
		}
	}

	storedID, err := rb.storeTyped(ctx, obj)
	if err != nil {
		return err
	}
	if !storedID.Equal(id) {
		return objerr.New(objerr.Corruption, "remotebranch.InsertObject",
			fmt.Errorf("object hashes to %s, expected %s", storedID, id))
	}

	if len(filtered) == 0 {
		if err := rb.store.IncrementRecursive(ctx, id); err != nil {
			return err
		}
		rb.completeObjects[id] = struct{}{}
		for p := range parents {
			if err := rb.notifyParentChildComplete(ctx, p, id); err != nil {
				return err
			}
		}
	} else {
		if err := rb.store.IncrementDirect(ctx, id); err != nil {
			return err
		}
		childSet := make(map[objectid.ID]struct{}, len(filtered))
		for _, c := range filtered {
			childSet[c] = struct{}{}
			if rb.missingObjects[c] == nil {
				rb.missingObjects[c] = make(map[objectid.ID]struct{})
			}
			rb.missingObjects[c][id] = struct{}{}
		}
		rb.incompleteObjects[id] = childSet
		rb.parentsOf[id] = parents
	}

	return rb.persist()
}

func (rb *RemoteBranch) storeTyped(ctx context.Context, obj objects.Object) (objectid.ID, error) {
	switch o := obj.(type) {
	case *objects.Directory:
		return rb.store.StoreDirectory(ctx, o)
	case objects.Blob:
		return rb.store.StoreBlob(ctx, o)
	default:
		return objectid.ID{}, objerr.New(objerr.Corruption, "remotebranch.storeTyped",
			fmt.Errorf("unsupported object type %T", obj))
	}
}

// notifyParentChildComplete implements the completion cascade of spec
// §4.6 step 4: remove child from parent's remaining set; if that
// empties parent's subtree, promote parent from direct to recursive
// pinning and recurse into parent's own parents.
func (rb *RemoteBranch) notifyParentChildComplete(ctx context.Context, parent, child objectid.ID) error {
	remaining, ok := rb.incompleteObjects[parent]
	if !ok {
		return nil
	}
	delete(remaining, child)
	if len(remaining) > 0 {
		return nil
	}
	delete(rb.incompleteObjects, parent)
	grandparents := rb.parentsOf[parent]
	delete(rb.parentsOf, parent)

	if err := rb.store.DecrementDirect(ctx, parent); err != nil {
		return err
	}
	if err := rb.store.IncrementRecursive(ctx, parent); err != nil {
		return err
	}
	rb.completeObjects[parent] = struct{}{}

	for gp := range grandparents {
		if err := rb.notifyParentChildComplete(ctx, gp, parent); err != nil {
			return err
		}
	}
	return nil
}

// IntroduceCommit supersedes the in-flight commit with new_commit,
// releasing every pin this RemoteBranch had established and reseeding
// from the new root (spec §4.6 introduce_commit).
func (rb *RemoteBranch) IntroduceCommit(ctx context.Context, newCommit index.Commit) error {
	for id := range rb.incompleteObjects {
		if err := rb.store.FlatRemove(ctx, id); err != nil {
			return err
		}
	}
	for id := range rb.completeObjects {
		if err := rb.store.DeepRemove(ctx, id); err != nil {
			return err
		}
	}

	rb.commit = newCommit
	rb.missingObjects = map[objectid.ID]map[objectid.ID]struct{}{newCommit.RootID: {}}
	rb.incompleteObjects = make(map[objectid.ID]map[objectid.ID]struct{})
	rb.parentsOf = make(map[objectid.ID]map[objectid.ID]struct{})
	rb.completeObjects = make(map[objectid.ID]struct{})

	return rb.persist()
}

// --- persistence (spec §6.3) ---

type persistedSet = map[objectid.ID]map[objectid.ID]struct{}

type wireState struct {
	RootID            objectid.ID
	VersionVector     []byte
	MissingObjects    persistedSet
	IncompleteObjects persistedSet
	ParentsOf         persistedSet
	CompleteObjects   map[objectid.ID]struct{}
}

func (rb *RemoteBranch) persist() error {
	if rb.path == "" {
		return nil
	}
	state := wireState{
		RootID:            rb.commit.RootID,
		VersionVector:     rb.commit.Versions.MarshalCanonical(),
		MissingObjects:    rb.missingObjects,
		IncompleteObjects: rb.incompleteObjects,
		ParentsOf:         rb.parentsOf,
		CompleteObjects:   rb.completeObjects,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return objerr.New(objerr.IO, "remotebranch.persist", err)
	}
	if err := fsatomic.WriteFile(rb.path, buf.Bytes(), 0o600); err != nil {
		return objerr.New(objerr.IO, "remotebranch.persist", err)
	}
	return nil
}

// Load restores a RemoteBranch previously written by persist from path.
func Load(store *objectstore.Store, path string) (*RemoteBranch, error) {
	data, err := fsatomic.ReadFile(path)
	if err != nil {
		return nil, objerr.New(objerr.IO, "remotebranch.Load", err)
	}
	var state wireState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return nil, objerr.New(objerr.Corruption, "remotebranch.Load", err)
	}
	vv, _, err := versionvector.UnmarshalCanonical(state.VersionVector)
	if err != nil {
		return nil, objerr.New(objerr.Corruption, "remotebranch.Load", err)
	}
	return &RemoteBranch{
		store:             store,
		path:              path,
		commit:            index.Commit{RootID: state.RootID, Versions: vv},
		missingObjects:    state.MissingObjects,
		incompleteObjects: state.IncompleteObjects,
		parentsOf:         state.ParentsOf,
		completeObjects:   state.CompleteObjects,
	}, nil
}
