package objects

import (
	"encoding/binary"
	"sort"

	"github.com/kestrel-sync/objgraph/pkg/objectid"
	"github.com/kestrel-sync/objgraph/pkg/versionvector"
)

// UserEntry pairs a branch owner with the VersionedObject they
// published under some filename.
type UserEntry struct {
	User objectid.UserID
	VO   VersionedObject
}

// Directory is the canonical tree node: an ordered mapping from
// filename to an ordered mapping from user to VersionedObject. Ordering
// is enforced on read, not by the in-memory representation, so mutation
// is O(1); Names, Find, ForEachUniqueChild and the canonical encoding
// behind CalculateID each sort what they return.
type Directory struct {
	entries map[string]map[objectid.UserID]VersionedObject
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{entries: make(map[string]map[objectid.UserID]VersionedObject)}
}

// Tag implements Object.
func (d *Directory) Tag() Tag { return TagDirectory }

// Find returns every (user, VersionedObject) entry filed under name,
// in ascending user order, and whether name is present at all.
func (d *Directory) Find(name string) ([]UserEntry, bool) {
	byUser, ok := d.entries[name]
	if !ok {
		return nil, false
	}
	return sortedUserEntries(byUser), true
}

// Insert files a VersionedObject under name for user, overwriting any
// existing entry for that (name, user) pair.
func (d *Directory) Insert(name string, user objectid.UserID, vo VersionedObject) {
	byUser, ok := d.entries[name]
	if !ok {
		byUser = make(map[objectid.UserID]VersionedObject)
		d.entries[name] = byUser
	}
	byUser[user] = vo
}

// Erase removes the (name, user) entry, reporting whether it existed.
// If it was the last entry under name, the filename itself is removed.
func (d *Directory) Erase(name string, user objectid.UserID) bool {
	byUser, ok := d.entries[name]
	if !ok {
		return false
	}
	if _, present := byUser[user]; !present {
		return false
	}
	delete(byUser, user)
	if len(byUser) == 0 {
		delete(d.entries, name)
	}
	return true
}

// Names returns every filename present, in ascending order.
func (d *Directory) Names() []string {
	names := make([]string, 0, len(d.entries))
	for n := range d.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len reports the number of distinct filenames.
func (d *Directory) Len() int { return len(d.entries) }

// ForEachUniqueChild invokes fn once per distinct child ObjectId
// reachable from d, in ascending id order, deduplicating ids that
// appear under multiple names or multiple users (spec §4.4).
func (d *Directory) ForEachUniqueChild(fn func(objectid.ID) error) error {
	seen := make(map[objectid.ID]struct{})
	unique := make([]objectid.ID, 0)
	for _, byUser := range d.entries {
		for _, vo := range byUser {
			if _, ok := seen[vo.ID]; ok {
				continue
			}
			seen[vo.ID] = struct{}{}
			unique = append(unique, vo.ID)
		}
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].Less(unique[j]) })
	for _, id := range unique {
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

// CalculateID returns the content hash of the directory's canonical
// encoding.
func (d *Directory) CalculateID() objectid.ID {
	return CalculateID(d)
}

// CalculateVersionVectorUnion merges the version vectors of every
// nested VersionedObject into one.
func (d *Directory) CalculateVersionVectorUnion() versionvector.VersionVector {
	union := versionvector.New()
	for _, byUser := range d.entries {
		for _, vo := range byUser {
			union = union.Merge(vo.Versions)
		}
	}
	return union
}

func sortedUserEntries(byUser map[objectid.UserID]VersionedObject) []UserEntry {
	out := make([]UserEntry, 0, len(byUser))
	for u, vo := range byUser {
		out = append(out, UserEntry{User: u, VO: vo})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.Less(out[j].User) })
	return out
}

// canonicalPayload implements Object per spec §4.1:
//
//	u32 entry_count
//	for each entry in ascending-filename order:
//	    len-prefixed filename bytes
//	    u32 user_count
//	    for each user in ascending-user-id order:
//	        user_id bytes
//	        object_id bytes
//	        version_vector (u32 count, then sorted (user_id, u64) pairs)
func (d *Directory) canonicalPayload() []byte {
	names := d.Names()
	buf := make([]byte, 0, 64*len(names))

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(names)))
	buf = append(buf, u32[:]...)

	for _, name := range names {
		nameBytes := []byte(name)
		binary.BigEndian.PutUint32(u32[:], uint32(len(nameBytes)))
		buf = append(buf, u32[:]...)
		buf = append(buf, nameBytes...)

		users := sortedUserEntries(d.entries[name])
		binary.BigEndian.PutUint32(u32[:], uint32(len(users)))
		buf = append(buf, u32[:]...)

		for _, ue := range users {
			buf = append(buf, ue.User.Bytes()...)
			buf = append(buf, ue.VO.ID.Bytes()...)
			buf = append(buf, ue.VO.Versions.MarshalCanonical()...)
		}
	}
	return buf
}
