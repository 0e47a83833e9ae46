//go:build unix

package platform

import (
	"errors"
	"io/fs"
	"os"
)

// Chown sets the owner of path, but only when running as root (§5
// "Ownership fix-up": chown is attempted only when uid/gid are
// supplied and the process runs as root). For any other caller this
// is a silent no-op, matching the spec's treatment of ownership
// fix-up as best-effort rather than a hard requirement. ENOENT (the
// path vanished between creation and chown) is swallowed; any other
// error from an actual root-owned chown attempt is returned.
func Chown(path string, uid, gid int) error {
	if os.Geteuid() != 0 {
		return nil
	}
	if err := os.Chown(path, uid, gid); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
