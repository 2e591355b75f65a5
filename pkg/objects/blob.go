package objects

// Blob is an opaque byte sequence — a file's content. Its ObjectId is
// the hash of its bytes under TagBlob.
type Blob []byte

// Tag implements Object.
func (b Blob) Tag() Tag { return TagBlob }

func (b Blob) canonicalPayload() []byte {
	return []byte(b)
}
