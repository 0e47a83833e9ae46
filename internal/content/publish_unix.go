//go:build !windows

package content

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
)

// publish links tmpPath into destPath (ignoring EEXIST/EBUSY — a
// racing writer of the same digest has, by definition, written
// identical content), then sets destPath's mode to 0o444. On EPERM
// (cross-device link), it falls back to an atomic rename.
func publish(tmpPath, destPath string) error {
	if err := os.Link(tmpPath, destPath); err != nil {
		switch {
		case errors.Is(err, fs.ErrExist), errors.Is(err, syscall.EBUSY):
			// Another writer already committed byte-identical content.
		case errors.Is(err, fs.ErrPermission):
			if err := renameNoClobber(tmpPath, destPath); err != nil {
				return err
			}
		default:
			return fmt.Errorf("content: link tmp to content path: %w", err)
		}
	}
	if err := os.Chmod(destPath, publishedPerm); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("content: set content file permissions: %w", err)
	}
	return nil
}
