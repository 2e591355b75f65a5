// Package randsrc stipulates the non-blocking random source spec §6.4
// requires for Snapshot NameTags.
package randsrc

import (
	"crypto/rand"
	"fmt"
)

// GenerateNonBlocking fills buf with cryptographically random bytes.
func GenerateNonBlocking(buf []byte) error {
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("randsrc: read: %w", err)
	}
	return nil
}
