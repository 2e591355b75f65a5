package snapshot

import (
	"context"
	"encoding/binary"
	"sort"

	"github.com/kestrel-sync/objgraph/pkg/hashprim"
	"github.com/kestrel-sync/objgraph/pkg/objectid"
)

// Group is a SnapshotGroup: a mapping from branch owner to the
// Snapshot replicating that user's head commit, identified by hashing
// its member (user, snapshot) pairs in sorted order so two groups with
// the same membership always compare equal (spec §4.7).
//
// "snapshot.id" is resolved here as the commit root id the Snapshot
// tracks: the spec names no other candidate identity for a Snapshot,
// and the root id is already the content hash anchoring everything the
// Snapshot guards.
type Group struct {
	snapshots map[objectid.UserID]*Snapshot
}

// NewGroup wraps an existing user→Snapshot mapping.
func NewGroup(snapshots map[objectid.UserID]*Snapshot) *Group {
	return &Group{snapshots: snapshots}
}

// Get returns the Snapshot tracking user's head, if any.
func (g *Group) Get(user objectid.UserID) (*Snapshot, bool) {
	s, ok := g.snapshots[user]
	return s, ok
}

// ID computes SHA-256("SnapshotGroup" ‖ size ‖ sorted(user_id ‖
// snapshot.id)).
func (g *Group) ID() objectid.ID {
	users := make([]objectid.UserID, 0, len(g.snapshots))
	for u := range g.snapshots {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Less(users[j]) })

	h := hashprim.New()
	h.Update([]byte("SnapshotGroup"))
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(users)))
	h.Update(u32[:])
	for _, u := range users {
		h.Update(u.Bytes())
		h.Update(g.snapshots[u].RootID().Bytes())
	}
	return objectid.ID(h.Close())
}

// Forget releases every contained Snapshot's pins.
func (g *Group) Forget(ctx context.Context) error {
	for _, s := range g.snapshots {
		if err := s.Forget(ctx); err != nil {
			return err
		}
	}
	g.snapshots = make(map[objectid.UserID]*Snapshot)
	return nil
}
