// Package snapshot implements the per-commit completion state machine
// of spec §4.7: a reference-counted view of one commit that guarantees
// refcount correctness while a Directory's objects arrive from a peer
// in arbitrary order. Where RemoteBranch is the long-lived receiver
// for a peer's current head, a Snapshot tracks exactly one commit's
// subtree through {Missing, Incomplete, Complete} per node.
package snapshot

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/kestrel-sync/objgraph/internal/fsatomic"
	"github.com/kestrel-sync/objgraph/internal/index"
	"github.com/kestrel-sync/objgraph/internal/objectstore"
	"github.com/kestrel-sync/objgraph/pkg/objectid"
	"github.com/kestrel-sync/objgraph/pkg/objerr"
	"github.com/kestrel-sync/objgraph/pkg/randsrc"
)

// NodeType is a node's position in the {Missing, Incomplete, Complete}
// state machine.
type NodeType byte

const (
	Missing NodeType = iota
	Incomplete
	Complete
)

func (t NodeType) String() string {
	switch t {
	case Missing:
		return "missing"
	case Incomplete:
		return "incomplete"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

type idSet = map[objectid.ID]struct{}

func newIDSet() idSet { return make(idSet) }

func cloneIDSet(s idSet) idSet {
	out := make(idSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// node tracks one object's completion state: which of its children are
// still missing, stored-but-incomplete, or fully complete, and which
// other nodes depend on it (parents).
type node struct {
	Type       NodeType
	Parents    idSet
	Missing    idSet
	Incomplete idSet
	Complete   idSet
}

func newNode(t NodeType) *node {
	return &node{Type: t, Parents: newIDSet(), Missing: newIDSet(), Incomplete: newIDSet(), Complete: newIDSet()}
}

func (n *node) isComplete() bool { return len(n.Missing) == 0 && len(n.Incomplete) == 0 }

// Snapshot is a reference-counted, per-commit completion tracker. It is
// not safe for concurrent use; spec §5 serializes node transitions per
// Snapshot.
type Snapshot struct {
	store   *objectstore.Store
	dir     string
	nameTag [16]byte
	rootID  objectid.ID
	nodes   map[objectid.ID]*node
	// completePins is every id this Snapshot has itself called
	// increment_recursive on, kept flat and never pruned even once the
	// node is elided from _nodes on subsumption. _nodes only needs to
	// track a completed id long enough to notify its parents; forget's
	// release must still symmetrically undo every increment_recursive
	// call this Snapshot made, including the ones on ids no longer in
	// _nodes, or a deep_remove reaching such an id through another
	// path's cascade leaves it under-released.
	completePins idSet
}

// NameTag returns the 16 random bytes identifying this Snapshot's
// persistence file (spec §6.2).
func (s *Snapshot) NameTag() [16]byte { return s.nameTag }

// RootID returns the commit root this Snapshot tracks.
func (s *Snapshot) RootID() objectid.ID { return s.rootID }

// Create allocates a random NameTag and a Missing node for
// commit.RootID, then persists under dir.
func Create(ctx context.Context, store *objectstore.Store, commit index.Commit, dir string) (*Snapshot, error) {
	var tag [16]byte
	if err := randsrc.GenerateNonBlocking(tag[:]); err != nil {
		return nil, objerr.New(objerr.IO, "snapshot.Create", err)
	}
	s := &Snapshot{
		store:        store,
		dir:          dir,
		nameTag:      tag,
		rootID:       commit.RootID,
		nodes:        map[objectid.ID]*node{commit.RootID: newNode(Missing)},
		completePins: newIDSet(),
	}
	if err := s.persist(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Snapshot) path() string {
	return filepath.Join(s.dir, hex.EncodeToString(s.nameTag[:]))
}

// classify queries the ObjectStore for each child's current presence,
// partitioning it into missing / incomplete / complete (spec §4.7
// step 2's sort_children).
func (s *Snapshot) classify(ctx context.Context, children []objectid.ID) (missing, incomplete, complete idSet, err error) {
	missing, incomplete, complete = newIDSet(), newIDSet(), newIDSet()
	for _, c := range children {
		exists, err := s.store.Exists(ctx, c)
		if err != nil {
			return nil, nil, nil, err
		}
		if !exists {
			missing[c] = struct{}{}
			continue
		}
		done, err := s.store.IsComplete(ctx, c)
		if err != nil {
			return nil, nil, nil, err
		}
		if done {
			complete[c] = struct{}{}
		} else {
			incomplete[c] = struct{}{}
		}
	}
	return missing, incomplete, complete, nil
}

// InsertObject implements spec §4.7 insert_object. id must currently be
// a Missing node; calling it again on an already-classified node is a
// no-op (idempotent receipt).
//
// A node whose classified children are all already Complete (including
// the zero-children leaf case) is considered Complete immediately —
// this generalizes the spec's "children.empty()" trigger to "nothing
// outstanding", since otherwise a directory whose children happen to
// already be fully replicated elsewhere would never leave Incomplete.
func (s *Snapshot) InsertObject(ctx context.Context, id objectid.ID, children []objectid.ID) error {
	n, ok := s.nodes[id]
	if !ok || n.Type != Missing {
		return nil
	}

	missing, incomplete, complete, err := s.classify(ctx, children)
	if err != nil {
		return err
	}
	n.Missing, n.Incomplete, n.Complete = missing, incomplete, complete

	// Only outstanding (missing/incomplete) children need a tracked
	// node: an already-complete child is stably pinned independent of
	// this Snapshot and is never asked to notify us.
	for c := range missing {
		s.trackParent(c, id)
	}
	for c := range incomplete {
		s.trackParent(c, id)
	}

	if n.isComplete() {
		n.Type = Complete
		if err := s.store.IncrementRecursive(ctx, id); err != nil {
			return err
		}
		s.completePins[id] = struct{}{}
		parents := cloneIDSet(n.Parents)
		for p := range parents {
			if err := s.notifyParentThatChildCompleted(ctx, p, id); err != nil {
				return err
			}
		}
	} else {
		n.Type = Incomplete
		if err := s.store.IncrementDirect(ctx, id); err != nil {
			return err
		}
	}

	return s.persist()
}

func (s *Snapshot) trackParent(child, parent objectid.ID) {
	cn, ok := s.nodes[child]
	if !ok {
		cn = newNode(Missing)
		s.nodes[child] = cn
	}
	cn.Parents[parent] = struct{}{}
}

// notifyParentThatChildCompleted implements spec §4.7: move child from
// parent's outstanding partition into its complete partition; if that
// empties parent's outstanding set, promote parent direct→recursive and
// recurse into parent's own parents, then erase every one of parent's
// now-complete children from _nodes — not just child, but the whole of
// parent.Complete, since any sibling that finished earlier (while
// parent was still waiting on child) was left in _nodes precisely
// because parent had not yet promoted. Erasing only happens once
// parent itself reaches Complete; a child recorded into parent.Complete
// while parent is still outstanding stays tracked; its liveness is not
// yet subsumed by any established recursive pin on parent.
func (s *Snapshot) notifyParentThatChildCompleted(ctx context.Context, parent, child objectid.ID) error {
	pn, ok := s.nodes[parent]
	if !ok {
		return nil
	}

	moved := false
	if _, in := pn.Missing[child]; in {
		delete(pn.Missing, child)
		moved = true
	}
	if !moved {
		if _, in := pn.Incomplete[child]; in {
			delete(pn.Incomplete, child)
			moved = true
		}
	}
	if !moved {
		objerr.Panic("snapshot.notifyParentThatChildCompleted",
			fmt.Errorf("child %s was not outstanding under parent %s", child, parent))
	}
	pn.Complete[child] = struct{}{}

	if !pn.isComplete() {
		return nil
	}

	if err := s.store.DecrementDirect(ctx, parent); err != nil {
		return err
	}
	if err := s.store.IncrementRecursive(ctx, parent); err != nil {
		return err
	}
	s.completePins[parent] = struct{}{}
	pn.Type = Complete

	grandparents := cloneIDSet(pn.Parents)
	for gp := range grandparents {
		if err := s.notifyParentThatChildCompleted(ctx, gp, parent); err != nil {
			return err
		}
	}
	for c := range pn.Complete {
		delete(s.nodes, c)
	}
	return nil
}

// Forget releases every pin this Snapshot established: every id ever
// promoted to Complete via deep_remove, every still-tracked Incomplete
// node via flat_remove, Missing nodes need no release. Complete ids are
// released from completePins rather than _nodes, since a completed id
// is erased from _nodes as soon as its parent also completes — but this
// Snapshot's increment_recursive call on it still needs a matching
// release regardless of whether _nodes still remembers it. Forget is
// idempotent; call it exactly once per Snapshot lifetime (on drop or on
// promotion failure).
func (s *Snapshot) Forget(ctx context.Context) error {
	for id := range s.completePins {
		if err := s.store.DeepRemove(ctx, id); err != nil {
			return err
		}
	}
	for id, n := range s.nodes {
		if n.Type == Incomplete {
			if err := s.store.FlatRemove(ctx, id); err != nil {
				return err
			}
		}
	}
	s.nodes = make(map[objectid.ID]*node)
	s.completePins = newIDSet()
	return nil
}

// Clone deep-copies this Snapshot's node map and reapplies the refcount
// operations each node represents, so the two Snapshots are mutually
// independent: forgetting one does not affect the other's pins. The
// clone gets its own completePins, populated from the same nodes it
// just reapplied IncrementRecursive on, so its own eventual Forget
// releases exactly what this Clone call pinned.
func (s *Snapshot) Clone(ctx context.Context, newDir string) (*Snapshot, error) {
	var tag [16]byte
	if err := randsrc.GenerateNonBlocking(tag[:]); err != nil {
		return nil, objerr.New(objerr.IO, "snapshot.Clone", err)
	}
	clone := &Snapshot{
		store:        s.store,
		dir:          newDir,
		nameTag:      tag,
		rootID:       s.rootID,
		nodes:        make(map[objectid.ID]*node, len(s.nodes)),
		completePins: newIDSet(),
	}
	for id, n := range s.nodes {
		clone.nodes[id] = &node{
			Type:       n.Type,
			Parents:    cloneIDSet(n.Parents),
			Missing:    cloneIDSet(n.Missing),
			Incomplete: cloneIDSet(n.Incomplete),
			Complete:   cloneIDSet(n.Complete),
		}
		switch n.Type {
		case Incomplete:
			if err := s.store.IncrementDirect(ctx, id); err != nil {
				return nil, err
			}
		case Complete:
			if err := s.store.IncrementRecursive(ctx, id); err != nil {
				return nil, err
			}
			clone.completePins[id] = struct{}{}
		}
	}
	if err := clone.persist(); err != nil {
		return nil, err
	}
	return clone, nil
}

// --- persistence (spec §6.2) ---
//
// u32 count, then per node: id(32) type(1) u32 parent_count parent_ids
// u32 missing_count ids u32 incomplete_count ids u32 complete_count ids.
// Followed by completePins as one more length-prefixed id set, so a
// reload after a crash still knows exactly which ids Forget must
// deep_remove even if they have since been pruned from _nodes.

func appendIDSet(buf []byte, s idSet) []byte {
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(s)))
	buf = append(buf, u32[:]...)
	ids := make([]objectid.ID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sortIDs(ids)
	for _, id := range ids {
		buf = append(buf, id.Bytes()...)
	}
	return buf
}

func sortIDs(ids []objectid.ID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j].Less(ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func (s *Snapshot) encode() []byte {
	ids := make([]objectid.ID, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sortIDs(ids)

	var u32 [4]byte
	buf := make([]byte, 0, 64*len(ids))
	binary.BigEndian.PutUint32(u32[:], uint32(len(ids)))
	buf = append(buf, u32[:]...)

	for _, id := range ids {
		n := s.nodes[id]
		buf = append(buf, id.Bytes()...)
		buf = append(buf, byte(n.Type))
		buf = appendIDSet(buf, n.Parents)
		buf = appendIDSet(buf, n.Missing)
		buf = appendIDSet(buf, n.Incomplete)
		buf = appendIDSet(buf, n.Complete)
	}
	buf = appendIDSet(buf, s.completePins)
	return buf
}

func readIDSet(buf []byte) (idSet, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("snapshot: truncated set count")
	}
	count := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	s := newIDSet()
	for i := uint32(0); i < count; i++ {
		if len(buf) < objectid.Size {
			return nil, nil, fmt.Errorf("snapshot: truncated id %d", i)
		}
		var id objectid.ID
		copy(id[:], buf[:objectid.Size])
		buf = buf[objectid.Size:]
		s[id] = struct{}{}
	}
	return s, buf, nil
}

func decode(buf []byte) (map[objectid.ID]*node, idSet, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("snapshot: truncated node count")
	}
	count := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	nodes := make(map[objectid.ID]*node, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < objectid.Size+1 {
			return nil, nil, fmt.Errorf("snapshot: truncated node header %d", i)
		}
		var id objectid.ID
		copy(id[:], buf[:objectid.Size])
		buf = buf[objectid.Size:]
		nodeType := NodeType(buf[0])
		buf = buf[1:]

		var n node
		n.Type = nodeType
		var err error
		n.Parents, buf, err = readIDSet(buf)
		if err != nil {
			return nil, nil, err
		}
		n.Missing, buf, err = readIDSet(buf)
		if err != nil {
			return nil, nil, err
		}
		n.Incomplete, buf, err = readIDSet(buf)
		if err != nil {
			return nil, nil, err
		}
		n.Complete, buf, err = readIDSet(buf)
		if err != nil {
			return nil, nil, err
		}
		nodes[id] = &n
	}
	completePins, _, err := readIDSet(buf)
	if err != nil {
		return nil, nil, err
	}
	return nodes, completePins, nil
}

func (s *Snapshot) persist() error {
	if s.dir == "" {
		return nil
	}
	if err := fsatomic.WriteFile(s.path(), s.encode(), 0o600); err != nil {
		return objerr.New(objerr.IO, "snapshot.persist", err)
	}
	return nil
}

// Load restores a Snapshot previously written by persist from
// dir/hex(nameTag).
func Load(store *objectstore.Store, dir string, nameTag [16]byte, rootID objectid.ID) (*Snapshot, error) {
	s := &Snapshot{store: store, dir: dir, nameTag: nameTag, rootID: rootID}
	data, err := fsatomic.ReadFile(s.path())
	if err != nil {
		return nil, objerr.New(objerr.IO, "snapshot.Load", err)
	}
	nodes, completePins, err := decode(data)
	if err != nil {
		return nil, objerr.New(objerr.Corruption, "snapshot.Load", err)
	}
	s.nodes = nodes
	s.completePins = completePins
	return s, nil
}
