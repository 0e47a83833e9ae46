//go:build windows

package content

// publish always uses an atomic rename on Windows: hardlinks interact
// poorly with delete-on-close semantics and aren't part of the
// publish path there (§9 open question).
func publish(tmpPath, destPath string) error {
	return renameNoClobber(tmpPath, destPath)
}
