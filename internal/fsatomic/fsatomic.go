// Package fsatomic implements the rename-into-place FS wrapper spec
// §6.4 stipulates as an external collaborator: writes are atomic from
// a reader's perspective, so a crash mid-write never leaves a
// truncated Snapshot or RemoteBranch persistence file behind.
package fsatomic

import (
	"fmt"
	"os"

	"github.com/google/renameio"
)

// WriteFile atomically replaces path's contents with data.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := renameio.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("fsatomic: write %s: %w", path, err)
	}
	return nil
}

// ReadFile reads path's contents. It exists alongside WriteFile so
// callers depend on one package for both halves of the persistence
// round trip.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fsatomic: read %s: %w", path, err)
	}
	return data, nil
}
