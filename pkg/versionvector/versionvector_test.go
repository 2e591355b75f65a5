package versionvector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-sync/objgraph/pkg/objectid"
)

func mustUser(b byte) objectid.UserID {
	var u objectid.UserID
	u[0] = b
	return u
}

func TestSetVersionRejectsRegression(t *testing.T) {
	vv := New()
	require.NoError(t, vv.SetVersion(mustUser(1), 3))
	err := vv.SetVersion(mustUser(1), 2)
	assert.Error(t, err)
	assert.Equal(t, uint64(3), vv.VersionOf(mustUser(1)))
}

func TestMergeIsPointwiseMax(t *testing.T) {
	a := New()
	require.NoError(t, a.SetVersion(mustUser(1), 5))
	b := New()
	require.NoError(t, b.SetVersion(mustUser(1), 2))
	require.NoError(t, b.SetVersion(mustUser(2), 7))

	merged := a.Merge(b)
	assert.Equal(t, uint64(5), merged.VersionOf(mustUser(1)))
	assert.Equal(t, uint64(7), merged.VersionOf(mustUser(2)))
	// inputs unmodified
	assert.Equal(t, uint64(0), a.VersionOf(mustUser(2)))
}

func TestCompare(t *testing.T) {
	a := New()
	require.NoError(t, a.SetVersion(mustUser(1), 1))
	b := a.Clone()
	require.NoError(t, b.SetVersion(mustUser(1), 2))

	assert.Equal(t, Before, a.Compare(b))
	assert.Equal(t, After, b.Compare(a))
	assert.Equal(t, Equal, a.Compare(a.Clone()))

	c := New()
	require.NoError(t, c.SetVersion(mustUser(2), 1))
	assert.Equal(t, Concurrent, a.Compare(c))
}

func TestCanonicalRoundTrip(t *testing.T) {
	vv := New()
	require.NoError(t, vv.SetVersion(mustUser(3), 9))
	require.NoError(t, vv.SetVersion(mustUser(1), 4))

	encoded := vv.MarshalCanonical()
	decoded, n, err := UnmarshalCanonical(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, Equal, vv.Compare(decoded))
}

func TestUnmarshalCanonicalTruncated(t *testing.T) {
	_, _, err := UnmarshalCanonical([]byte{0, 0, 0, 1})
	assert.Error(t, err)
}
