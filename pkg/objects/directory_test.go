package objects

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-sync/objgraph/pkg/objectid"
	"github.com/kestrel-sync/objgraph/pkg/versionvector"
)

func user(b byte) objectid.UserID {
	var u objectid.UserID
	u[0] = b
	return u
}

func vo(b byte, version uint64, author objectid.UserID) VersionedObject {
	var id objectid.ID
	id[0] = b
	vv := versionvector.New()
	_ = vv.SetVersion(author, version)
	return VersionedObject{ID: id, Versions: vv}
}

func TestEmptyDirectoryIsStableID(t *testing.T) {
	a := NewDirectory()
	b := NewDirectory()
	assert.Equal(t, a.CalculateID(), b.CalculateID())
}

func TestCalculateIDDependsOnlyOnContent(t *testing.T) {
	u1, u2 := user(1), user(2)

	a := NewDirectory()
	a.Insert("b", u1, vo(0xAA, 1, u1))
	a.Insert("a", u2, vo(0xBB, 1, u2))

	// Same content, inserted in a different order: id must match.
	b := NewDirectory()
	b.Insert("a", u2, vo(0xBB, 1, u2))
	b.Insert("b", u1, vo(0xAA, 1, u1))

	assert.Equal(t, a.CalculateID(), b.CalculateID())
}

func TestCalculateIDChangesWithContent(t *testing.T) {
	u1 := user(1)
	a := NewDirectory()
	a.Insert("a", u1, vo(0xAA, 1, u1))

	b := NewDirectory()
	b.Insert("a", u1, vo(0xBB, 1, u1))

	assert.NotEqual(t, a.CalculateID(), b.CalculateID())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	u1, u2 := user(1), user(2)
	d := NewDirectory()
	d.Insert("file.txt", u1, vo(0x01, 3, u1))
	d.Insert("file.txt", u2, vo(0x02, 1, u2))
	d.Insert("dir", u1, vo(0x03, 3, u1))

	block := Encode(d)
	decodedObj, err := Decode(block)
	require.NoError(t, err)
	decoded, ok := decodedObj.(*Directory)
	require.True(t, ok)

	assert.Equal(t, d.CalculateID(), decoded.CalculateID())
	assert.Equal(t, d.Names(), decoded.Names())
}

func TestForEachUniqueChildDedups(t *testing.T) {
	u1, u2 := user(1), user(2)
	shared := vo(0xAA, 1, u1)

	d := NewDirectory()
	d.Insert("a", u1, shared)
	d.Insert("b", u2, shared) // same ObjectId, different name/user
	other := vo(0xBB, 1, u1)
	d.Insert("c", u1, other)

	var seen []objectid.ID
	err := d.ForEachUniqueChild(func(id objectid.ID) error {
		seen = append(seen, id)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 2)
}

func TestInsertEraseFind(t *testing.T) {
	u1 := user(1)
	d := NewDirectory()
	d.Insert("a", u1, vo(0xAA, 1, u1))

	entries, ok := d.Find("a")
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, u1, entries[0].User)

	removed := d.Erase("a", u1)
	assert.True(t, removed)
	_, ok = d.Find("a")
	assert.False(t, ok)

	assert.False(t, d.Erase("a", u1))
}

func TestCalculateVersionVectorUnion(t *testing.T) {
	u1, u2 := user(1), user(2)
	d := NewDirectory()
	d.Insert("a", u1, vo(0xAA, 3, u1))
	d.Insert("b", u2, vo(0xBB, 5, u2))

	union := d.CalculateVersionVectorUnion()
	assert.Equal(t, uint64(3), union.VersionOf(u1))
	assert.Equal(t, uint64(5), union.VersionOf(u2))
}

func TestBlobRoundTrip(t *testing.T) {
	b := Blob("hello world")
	block := Encode(b)
	decoded, err := Decode(block)
	require.NoError(t, err)
	db, ok := decoded.(Blob)
	require.True(t, ok)
	assert.Equal(t, b, db)
	assert.Equal(t, CalculateID(b), CalculateID(db))
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	_, err := Decode([]byte{0xFF, 1, 2, 3})
	assert.Error(t, err)
}

func randomDirectory(rng *rand.Rand) *Directory {
	d := NewDirectory()
	names := rng.Intn(6) + 1
	for i := 0; i < names; i++ {
		name := fmt.Sprintf("entry-%d", i)
		users := rng.Intn(3) + 1
		for u := 0; u < users; u++ {
			var author objectid.UserID
			author[0] = byte(u + 1)
			var childID objectid.ID
			rng.Read(childID[:])
			vv := versionvector.New()
			_ = vv.SetVersion(author, uint64(rng.Intn(100)+1))
			d.Insert(name, author, VersionedObject{ID: childID, Versions: vv})
		}
	}
	return d
}

// TestPropertyP1ContentAddressingRoundTrip is P1: for any randomly
// generated Directory or Blob, encode then decode then re-calculate_id
// must reproduce the original id, and insertion order must never affect
// the id (spec §4.1's canonical, order-independent encoding).
func TestPropertyP1ContentAddressingRoundTrip(t *testing.T) {
	for trial := 0; trial < 30; trial++ {
		rng := rand.New(rand.NewSource(int64(trial) + 1))

		d := randomDirectory(rng)
		id := d.CalculateID()

		block := Encode(d)
		decodedObj, err := Decode(block)
		require.NoError(t, err)
		decoded, ok := decodedObj.(*Directory)
		require.True(t, ok)
		assert.Equal(t, id, decoded.CalculateID(), "trial %d: decode then calculate_id must reproduce the original id", trial)
		assert.Equal(t, d.Names(), decoded.Names(), "trial %d: round trip must preserve filenames", trial)

		payload := make([]byte, rng.Intn(64))
		rng.Read(payload)
		blob := Blob(payload)
		blobID := CalculateID(blob)
		blobBlock := Encode(blob)
		decodedBlobObj, err := Decode(blobBlock)
		require.NoError(t, err)
		decodedBlob, ok := decodedBlobObj.(Blob)
		require.True(t, ok)
		assert.Equal(t, blobID, CalculateID(decodedBlob), "trial %d: blob round trip must reproduce the original id", trial)
	}
}
