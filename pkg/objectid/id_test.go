package objectid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumIsDeterministic(t *testing.T) {
	a := Sum(0x01, []byte("payload"))
	b := Sum(0x01, []byte("payload"))
	assert.True(t, a.Equal(b))

	c := Sum(0x02, []byte("payload"))
	assert.False(t, a.Equal(c), "tag byte must participate in the hash")
}

func TestHexRoundTrip(t *testing.T) {
	id := Sum(0x01, []byte("hello"))
	parsed, err := FromHex(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestFromHexRejectsBadLength(t *testing.T) {
	_, err := FromHex("deadbeef")
	assert.Error(t, err)
}

func TestOrdering(t *testing.T) {
	a := ID{0x01}
	b := ID{0x02}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
}

func TestIsZero(t *testing.T) {
	var id ID
	assert.True(t, id.IsZero())
	id = Sum(0x02, []byte("x"))
	assert.False(t, id.IsZero())
}
