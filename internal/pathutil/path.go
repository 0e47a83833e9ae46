// Package pathutil provides the deterministic key/digest → filesystem
// path mapping used by the content and index stores. The layout is
// wire-compatible with npm cacache: content under content-v2, index
// buckets under index-v5.
package pathutil

import (
	"crypto/sha1" //nolint:gosec // bucket line self-hash, not a security boundary
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
)

// ContentVersion and IndexVersion are the on-disk format versions.
// The content-v2 and index-v5 directory names below spell them out as
// literals; they are not derived from these constants.
const (
	ContentVersion = 2
	IndexVersion   = 5
)

const (
	contentDir = "content-v2"
	indexDir   = "index-v5"
	tmpDir     = "tmp"
	verifile   = "_lastverified"
)

// ErrShortHex is returned when a hex digest is too short to shard.
var ErrShortHex = errors.New("pathutil: hex digest too short to shard")

// HashKey returns the hex-encoded sha256 of key, used to place the
// key's bucket in index-v5.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// HashEntry returns the hex-encoded sha1 of a bucket line's JSON
// payload, used as that line's self-hash prefix.
func HashEntry(jsonLine []byte) string {
	sum := sha1.Sum(jsonLine) //nolint:gosec // not a security boundary, only corruption detection
	return hex.EncodeToString(sum[:])
}

// HashToSegments splits a hex string into the three path segments
// used for two-level sharding: [0:2], [2:4], [4:]. hex must be at
// least 4 characters; shorter digests are not part of the wire format.
func HashToSegments(hex string) ([3]string, error) {
	if len(hex) < 4 {
		return [3]string{}, ErrShortHex
	}
	return [3]string{hex[0:2], hex[2:4], hex[4:]}, nil
}

// Root is the cache root directory, exposing the derived subpaths.
type Root struct {
	dir string
}

// NewRoot wraps a cache root directory.
func NewRoot(dir string) Root {
	return Root{dir: dir}
}

// Dir returns the cache root directory itself.
func (r Root) Dir() string { return r.dir }

// TmpDir returns C/tmp.
func (r Root) TmpDir() string {
	return filepath.Join(r.dir, tmpDir)
}

// Verifile returns C/_lastverified.
func (r Root) Verifile() string {
	return filepath.Join(r.dir, verifile)
}

// ContentDir returns C/content-v2.
func (r Root) ContentDir() string {
	return filepath.Join(r.dir, contentDir)
}

// IndexDir returns C/index-v5.
func (r Root) IndexDir() string {
	return filepath.Join(r.dir, indexDir)
}

// BucketPath returns C/index-v5/h[0:2]/h[2:4]/h[4:] for key's hash h.
func (r Root) BucketPath(key string) (string, error) {
	segs, err := HashToSegments(HashKey(key))
	if err != nil {
		return "", err
	}
	return filepath.Join(r.IndexDir(), segs[0], segs[1], segs[2]), nil
}

// ContentPath returns C/content-v2/algorithm/d[0:2]/d[2:4]/d[4:] for
// the given algorithm and hex digest.
func (r Root) ContentPath(algorithm, hexDigest string) (string, error) {
	segs, err := HashToSegments(hexDigest)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.ContentDir(), algorithm, segs[0], segs[1], segs[2]), nil
}

// SplitContentPath reconstructs (algorithm, hexDigest) from a path
// under content-v2, used by the verify pipeline's GC walk. It expects
// the last four path segments to be algorithm/aa/bb/rest, as produced
// by ContentPath.
func SplitContentPath(path string) (algorithm, hexDigest string, ok bool) {
	rest, last := filepath.Split(path)
	rest = filepath.Clean(rest)
	rest, mid := filepath.Split(rest)
	rest = filepath.Clean(rest)
	rest, first := filepath.Split(rest)
	rest = filepath.Clean(rest)
	algorithm = filepath.Base(rest)
	if algorithm == "" || algorithm == "." || first == "" || mid == "" || last == "" {
		return "", "", false
	}
	return algorithm, first + mid + last, true
}

// DigestToken builds a typed "algorithm:hex" pair from a reconstructed
// content path, used by the verify pipeline's GC walk (§4.5 phase 3)
// to round-trip a path's (algorithm, hexDigest) through go-digest's
// Digest type before handing it to sri.FromHex.
func DigestToken(algorithm, hexDigest string) digest.Digest {
	return digest.NewDigestFromEncoded(digest.Algorithm(algorithm), hexDigest)
}
