package sri

import (
	"crypto/md5"  //nolint:gosec // required for wire compatibility with npm cacache SRI strings
	"crypto/sha1" //nolint:gosec // required for wire compatibility with npm cacache SRI strings
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

// algorithmFactories maps an SRI algorithm identifier to a constructor
// for its hash.Hash. Unlike github.com/opencontainers/go-digest (used
// elsewhere in this module for path derivation), this registry is
// hand-rolled: go-digest deliberately only registers its three
// "canonical" algorithms (sha256, sha384, sha512) and will never
// register md5 or sha1, but cacache's wire format predates that
// canonicalization and must still parse and, on request, compute
// hashes for weaker algorithms for interoperability.
var algorithmFactories = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha224": sha256.New224,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// strictAlgorithms is the set of algorithms permitted by strict-mode
// parsing (§3 of the spec).
var strictAlgorithms = map[string]bool{
	"sha256": true,
	"sha384": true,
	"sha512": true,
}

// priorityOrder ranks algorithms for PickAlgorithm's default priority
// function: later entries score higher. whirlpool is included for
// scoring purposes only — this runtime cannot construct a whirlpool
// hasher, so requesting one to actually hash data fails with
// ErrNoSuchDigest.
var priorityOrder = []string{"md5", "whirlpool", "sha1", "sha224", "sha256", "sha384", "sha512"}

var priorityScore = func() map[string]int {
	m := make(map[string]int, len(priorityOrder))
	for i, a := range priorityOrder {
		m[a] = i
	}
	return m
}()

// newHasher returns a hash.Hash for the named algorithm, or
// ErrNoSuchDigest if the algorithm cannot be computed by this runtime.
func newHasher(algorithm string) (hash.Hash, error) {
	f, ok := algorithmFactories[algorithm]
	if !ok {
		return nil, ErrNoSuchDigest
	}
	return f(), nil
}

// defaultPriority scores algorithm for the default PickAlgorithm
// ordering: unknown algorithms score -1.
func defaultPriority(algorithm string) int {
	if score, ok := priorityScore[algorithm]; ok {
		return score
	}
	return -1
}
