// Package objectid defines the content-addressed identifiers used
// throughout the object graph: the ObjectId naming a stored block, and
// the UserID naming a branch owner in a VersionVector.
package objectid

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/kestrel-sync/objgraph/pkg/hashprim"
)

// Size is the byte length of every identifier in this package.
const Size = sha256.Size

// ID is a 256-bit content hash. Equality and ordering are
// byte-lexicographic, matching spec requirement I1 and the Directory
// canonical encoding's ascending-order rule.
type ID [Size]byte

// UserID names a branch owner. It shares ID's representation (a
// public-key hash, in the system this subsystem backs) but is kept as
// a distinct type so VersionVector keys and ObjectIds can never be
// confused at compile time.
type UserID [Size]byte

// Sum computes the ObjectId of a block: the hash of the tag byte
// followed by the canonical payload (spec §4.1), via the §6.4 hash
// primitive collaborator rather than crypto/sha256 directly.
func Sum(tag byte, canonicalPayload []byte) ID {
	h := hashprim.New()
	h.Update([]byte{tag})
	h.Update(canonicalPayload)
	return ID(h.Close())
}

// SumBlock computes the ObjectId of an already-framed block
// (tag ‖ payload), used by the BlockStore to verify I1 without typed
// knowledge of the object.
func SumBlock(block []byte) ID {
	h := hashprim.New()
	h.Update(block)
	return ID(h.Close())
}

// FromHex parses a hex-encoded ObjectId.
func FromHex(s string) (ID, error) {
	var id ID
	if len(s) != Size*2 {
		return id, fmt.Errorf("objectid: invalid hex length: expected %d, got %d", Size*2, len(s))
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("objectid: decode hex: %w", err)
	}
	copy(id[:], decoded)
	return id, nil
}

// Equal reports whether two identifiers are the same, in constant time.
func (id ID) Equal(other ID) bool {
	return subtle.ConstantTimeCompare(id[:], other[:]) == 1
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool { return id == ID{} }

// Bytes returns a copy of the identifier's bytes.
func (id ID) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, id[:])
	return b
}

// String returns the lowercase hex encoding of id.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Less reports whether id sorts before other under byte-lexicographic
// order, used to keep Directory encoding and Index edge iteration
// deterministic.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Compare returns -1, 0, or 1 following the usual comparator contract.
func (id ID) Compare(other ID) int {
	for i := range id {
		if id[i] != other[i] {
			if id[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler so an ID can be used as
// a YAML/JSON map key and as a badger key component.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := FromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// UserIDFromHex parses a hex-encoded UserID.
func UserIDFromHex(s string) (UserID, error) {
	id, err := FromHex(s)
	return UserID(id), err
}

func (u UserID) Equal(other UserID) bool {
	return subtle.ConstantTimeCompare(u[:], other[:]) == 1
}

func (u UserID) IsZero() bool { return u == UserID{} }

func (u UserID) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, u[:])
	return b
}

func (u UserID) String() string { return hex.EncodeToString(u[:]) }

func (u UserID) Less(other UserID) bool {
	return ID(u).Less(ID(other))
}

func (u UserID) Compare(other UserID) int {
	return ID(u).Compare(ID(other))
}

func (u UserID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *UserID) UnmarshalText(text []byte) error {
	parsed, err := UserIDFromHex(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
