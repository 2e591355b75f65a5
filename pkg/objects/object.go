// Package objects implements the two object kinds the store persists
// — Directory and Blob — as a closed, tag-discriminated sum type, and
// the canonical binary encoding that gives every object its identity
// (spec §3, §4.1).
package objects

import "github.com/kestrel-sync/objgraph/pkg/objectid"

// Tag discriminates the two object kinds on disk. Values match spec
// §6.1 exactly.
type Tag byte

const (
	// TagDirectory marks a Directory block.
	TagDirectory Tag = 0x01
	// TagBlob marks a Blob (file) block.
	TagBlob Tag = 0x02
)

func (t Tag) String() string {
	switch t {
	case TagDirectory:
		return "directory"
	case TagBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// Object is implemented by Directory and Blob. The interface is
// sealed: canonicalPayload is unexported so no type outside this
// package can implement it, enforcing exhaustive handling at every
// switch over Tag().
type Object interface {
	Tag() Tag
	canonicalPayload() []byte
}

// CalculateID returns the content hash of an Object: SHA-256 over the
// tag byte followed by its canonical payload.
func CalculateID(o Object) objectid.ID {
	return objectid.Sum(byte(o.Tag()), o.canonicalPayload())
}

// Encode returns the full on-disk block for o: tag ‖ canonical payload
// (spec §6.1).
func Encode(o Object) []byte {
	payload := o.canonicalPayload()
	block := make([]byte, 0, 1+len(payload))
	block = append(block, byte(o.Tag()))
	block = append(block, payload...)
	return block
}
