package cafs

import "errors"

// Sentinel errors matching the error taxonomy of §7. Wrapping errors
// returned by internal packages (sri, content, index) are translated
// to these where the public API documents them; I/O errors otherwise
// propagate unwrapped via fmt.Errorf("...: %w", err).
var (
	// ErrMissing is returned by Get/GetStream/Copy/GetByDigest when no
	// live (non-tombstone) entry or content file satisfies the request.
	// GetInfo reports a missing key with ok == false instead.
	ErrMissing = errors.New("cafs: missing")

	// ErrArgument is returned for client-supplied inconsistencies
	// caught before any I/O (declared size vs actual bytes, an unknown
	// digest algorithm name).
	ErrArgument = errors.New("cafs: invalid argument")
)
