package objects

import (
	"encoding/binary"
	"fmt"

	"github.com/kestrel-sync/objgraph/pkg/objectid"
	"github.com/kestrel-sync/objgraph/pkg/versionvector"
)

// Decode parses a tagged block (tag ‖ canonical payload) back into an
// Object. It does not verify content addressing; callers that loaded
// the block by ObjectId should verify with objectid.SumBlock first
// (the BlockStore layer already does this for every Load).
func Decode(block []byte) (Object, error) {
	if len(block) < 1 {
		return nil, fmt.Errorf("objects: empty block")
	}
	switch Tag(block[0]) {
	case TagDirectory:
		return decodeDirectory(block[1:])
	case TagBlob:
		return Blob(append([]byte(nil), block[1:]...)), nil
	default:
		return nil, fmt.Errorf("objects: unknown tag byte 0x%02x", block[0])
	}
}

func decodeDirectory(payload []byte) (*Directory, error) {
	d := NewDirectory()
	if len(payload) < 4 {
		return nil, fmt.Errorf("objects: directory: truncated entry count")
	}
	entryCount := binary.BigEndian.Uint32(payload)
	offset := 4

	for i := uint32(0); i < entryCount; i++ {
		if len(payload)-offset < 4 {
			return nil, fmt.Errorf("objects: directory: truncated filename length at entry %d", i)
		}
		nameLen := binary.BigEndian.Uint32(payload[offset:])
		offset += 4
		if len(payload)-offset < int(nameLen) {
			return nil, fmt.Errorf("objects: directory: truncated filename at entry %d", i)
		}
		name := string(payload[offset : offset+int(nameLen)])
		offset += int(nameLen)

		if len(payload)-offset < 4 {
			return nil, fmt.Errorf("objects: directory: truncated user count for %q", name)
		}
		userCount := binary.BigEndian.Uint32(payload[offset:])
		offset += 4

		for j := uint32(0); j < userCount; j++ {
			if len(payload)-offset < objectid.Size*2 {
				return nil, fmt.Errorf("objects: directory: truncated user/object id for %q", name)
			}
			var user objectid.UserID
			copy(user[:], payload[offset:offset+objectid.Size])
			offset += objectid.Size

			var id objectid.ID
			copy(id[:], payload[offset:offset+objectid.Size])
			offset += objectid.Size

			vv, consumed, err := versionvector.UnmarshalCanonical(payload[offset:])
			if err != nil {
				return nil, fmt.Errorf("objects: directory: version vector for %q: %w", name, err)
			}
			offset += consumed

			d.Insert(name, user, VersionedObject{ID: id, Versions: vv})
		}
	}
	return d, nil
}
