package objects

import (
	"github.com/kestrel-sync/objgraph/pkg/objectid"
	"github.com/kestrel-sync/objgraph/pkg/versionvector"
)

// VersionedObject names a subtree by content hash together with its
// author's version history (spec §3).
type VersionedObject struct {
	ID       objectid.ID
	Versions versionvector.VersionVector
}
