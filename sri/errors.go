package sri

import "errors"

// ErrNoSuchDigest is returned when an operation needs to compute a hash
// under an algorithm the runtime cannot provide (one not registered in
// algorithmFactories, such as whirlpool).
var ErrNoSuchDigest = errors.New("sri: no such digest algorithm")

// ErrContentSizeMismatch is returned when a declared size does not
// match the observed length of the data being checked.
var ErrContentSizeMismatch = errors.New("sri: content size mismatch")

// ErrIntegrity is returned when no hash under the chosen algorithm
// matches the data being checked.
var ErrIntegrity = errors.New("sri: integrity check failed")

// ErrEmptyIntegrity is returned by PickAlgorithm when the Integrity
// has no hashes at all.
var ErrEmptyIntegrity = errors.New("sri: integrity has no hashes")
