// Package versionvector implements the per-user logical clock that
// orders commits on a branch and detects concurrent writes across
// branches.
package versionvector

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/kestrel-sync/objgraph/pkg/objectid"
)

// Ordering is the result of comparing two version vectors under the
// pointwise-≤ partial order.
type Ordering int

const (
	// Equal means both vectors agree on every user.
	Equal Ordering = iota
	// Before means the receiver is pointwise ≤ other and they differ.
	Before
	// After means other is pointwise ≤ the receiver and they differ.
	After
	// Concurrent means neither vector dominates the other.
	Concurrent
)

// VersionVector maps UserId to a non-negative counter. Absent entries
// are implicitly zero.
type VersionVector struct {
	versions map[objectid.UserID]uint64
}

// New returns an empty version vector.
func New() VersionVector {
	return VersionVector{versions: make(map[objectid.UserID]uint64)}
}

// VersionOf returns the counter for u, or zero if u has no entry.
func (vv VersionVector) VersionOf(u objectid.UserID) uint64 {
	return vv.versions[u]
}

// SetVersion sets u's counter to n. It returns an error if n would
// decrease the counter, preserving I6's monotonicity requirement.
func (vv VersionVector) SetVersion(u objectid.UserID, n uint64) error {
	if vv.versions == nil {
		return fmt.Errorf("versionvector: zero value, call New first")
	}
	if current := vv.versions[u]; n < current {
		return fmt.Errorf("versionvector: regression for user %s: %d < %d", u, n, current)
	}
	vv.versions[u] = n
	return nil
}

// Clone returns an independent copy of vv.
func (vv VersionVector) Clone() VersionVector {
	out := New()
	for u, n := range vv.versions {
		out.versions[u] = n
	}
	return out
}

// Merge returns the pointwise maximum of vv and other, leaving both
// inputs unmodified.
func (vv VersionVector) Merge(other VersionVector) VersionVector {
	out := vv.Clone()
	for u, n := range other.versions {
		if n > out.versions[u] {
			out.versions[u] = n
		}
	}
	return out
}

// Compare reports how vv relates to other under the pointwise ≤
// partial order.
func (vv VersionVector) Compare(other VersionVector) Ordering {
	vvLessOrEqual, otherLessOrEqual := true, true
	users := make(map[objectid.UserID]struct{}, len(vv.versions)+len(other.versions))
	for u := range vv.versions {
		users[u] = struct{}{}
	}
	for u := range other.versions {
		users[u] = struct{}{}
	}
	for u := range users {
		a, b := vv.versions[u], other.versions[u]
		if a > b {
			vvLessOrEqual = false
		}
		if b > a {
			otherLessOrEqual = false
		}
	}
	switch {
	case vvLessOrEqual && otherLessOrEqual:
		return Equal
	case vvLessOrEqual:
		return Before
	case otherLessOrEqual:
		return After
	default:
		return Concurrent
	}
}

// LessOrEqual reports whether vv ≤ other pointwise.
func (vv VersionVector) LessOrEqual(other VersionVector) bool {
	ord := vv.Compare(other)
	return ord == Equal || ord == Before
}

// Len returns the number of users with an entry recorded, including
// entries explicitly set to zero.
func (vv VersionVector) Len() int { return len(vv.versions) }

// sortedUsers returns the vector's users in ascending byte order, the
// order mandated by the Directory canonical encoding (spec §4.1).
func (vv VersionVector) sortedUsers() []objectid.UserID {
	users := make([]objectid.UserID, 0, len(vv.versions))
	for u := range vv.versions {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Less(users[j]) })
	return users
}

// MarshalCanonical encodes vv per spec §4.1: u32 count, then sorted
// (user_id, u64) pairs.
func (vv VersionVector) MarshalCanonical() []byte {
	users := vv.sortedUsers()
	buf := make([]byte, 0, 4+len(users)*(objectid.Size+8))
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(users)))
	buf = append(buf, countBuf[:]...)
	for _, u := range users {
		buf = append(buf, u.Bytes()...)
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], vv.versions[u])
		buf = append(buf, n[:]...)
	}
	return buf
}

// UnmarshalCanonical decodes a version vector written by
// MarshalCanonical from the front of data, returning the vector and
// the number of bytes consumed.
func UnmarshalCanonical(data []byte) (VersionVector, int, error) {
	if len(data) < 4 {
		return VersionVector{}, 0, fmt.Errorf("versionvector: truncated count")
	}
	count := binary.BigEndian.Uint32(data)
	offset := 4
	vv := New()
	for i := uint32(0); i < count; i++ {
		if len(data)-offset < objectid.Size+8 {
			return VersionVector{}, 0, fmt.Errorf("versionvector: truncated entry %d", i)
		}
		var u objectid.UserID
		copy(u[:], data[offset:offset+objectid.Size])
		offset += objectid.Size
		n := binary.BigEndian.Uint64(data[offset : offset+8])
		offset += 8
		vv.versions[u] = n
	}
	return vv, offset, nil
}
