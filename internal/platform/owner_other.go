//go:build !unix

package platform

// Chown is a no-op on platforms without POSIX uid/gid.
func Chown(path string, uid, gid int) error {
	return nil
}
