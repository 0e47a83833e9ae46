// Package content implements the content-addressable blob store:
// atomic write-then-link publication, existence probing, and
// unverified reads. Verification against a digest is the caller's
// choice (see package sri) — Read never re-hashes on its own.
package content

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/meigma/cafs/internal/pathutil"
	"github.com/meigma/cafs/internal/platform"
	"github.com/meigma/cafs/sri"
)

const (
	defaultDirPerm  fs.FileMode = 0o755
	publishedPerm   fs.FileMode = 0o444
	defaultTmpPfx               = "tmp"
)

// Store is a content-addressable blob store rooted at a cache
// directory.
type Store struct {
	root pathutil.Root
}

// New returns a Store rooted at dir.
func New(root pathutil.Root) *Store {
	return &Store{root: root}
}

// writeConfig holds Write's option dictionary (§6: opts.size,
// opts.integrity, opts.algorithms, opts.uid, opts.gid,
// opts.tmp_prefix).
type writeConfig struct {
	size       int64
	hasSize    bool
	integrity  sri.Integrity
	hasExpect  bool
	algorithms []string
	uid, gid   int
	hasOwner   bool
	tmpPrefix  string
}

// WriteOption configures Write.
type WriteOption func(*writeConfig)

// WithSize requires len(data) == size, failing otherwise.
func WithSize(size int64) WriteOption {
	return func(c *writeConfig) { c.size = size; c.hasSize = true }
}

// WithExpectedIntegrity verifies data against integrity before
// writing; a mismatch fails the write.
func WithExpectedIntegrity(integrity sri.Integrity) WriteOption {
	return func(c *writeConfig) { c.integrity = integrity; c.hasExpect = true }
}

// WithAlgorithms sets which digest algorithms to compute for the
// written content (default: sha512, per sri.FromData).
func WithAlgorithms(algorithms ...string) WriteOption {
	return func(c *writeConfig) { c.algorithms = algorithms }
}

// WithOwner chowns the written tmp file and content path to uid/gid.
// A no-op on platforms without POSIX ownership.
func WithOwner(uid, gid int) WriteOption {
	return func(c *writeConfig) { c.uid, c.gid = uid, gid; c.hasOwner = true }
}

// WithTmpPrefix overrides the default "tmp" prefix used for the
// temporary file created under C/tmp.
func WithTmpPrefix(prefix string) WriteOption {
	return func(c *writeConfig) { c.tmpPrefix = prefix }
}

// Result is the outcome of a successful Write.
type Result struct {
	Integrity sri.Integrity
	Size      int64
}

// Write publishes data into the content store, returning its
// Integrity. Writes are crash-atomic (I5): after a crash, either the
// blob is absent or fully present at its addressed path.
func (s *Store) Write(data []byte, opts ...WriteOption) (Result, error) {
	cfg := writeConfig{tmpPrefix: defaultTmpPfx}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.hasSize && int64(len(data)) != cfg.size {
		return Result{}, fmt.Errorf("content: declared size %d does not match %d bytes of data: %w", cfg.size, len(data), sri.ErrContentSizeMismatch)
	}

	algorithms := cfg.algorithms
	if len(algorithms) == 0 {
		algorithms = []string{"sha512"}
	}
	computed, err := sri.FromData(data, sri.WithAlgorithms(algorithms...))
	if err != nil {
		return Result{}, err
	}

	if cfg.hasExpect {
		if _, err := sri.CheckBytes(data, cfg.integrity); err != nil {
			return Result{}, fmt.Errorf("content: write rejected: %w", err)
		}
	}

	tmpPath, err := s.writeTmp(data, cfg.tmpPrefix, cfg.hasOwner, cfg.uid, cfg.gid)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(tmpPath) //nolint:errcheck // best-effort; also unlinks the tmp name left behind after a hard-link publish

	algorithm, err := computed.FirstAlgorithm()
	if err != nil {
		return Result{}, err
	}
	best := computed.Hashes(algorithm)[0]
	hexDigest, err := best.Hexdigest()
	if err != nil {
		return Result{}, err
	}
	destPath, err := s.root.ContentPath(algorithm, hexDigest)
	if err != nil {
		return Result{}, err
	}

	if err := s.moveToDestination(tmpPath, destPath, cfg.hasOwner, cfg.uid, cfg.gid); err != nil {
		return Result{}, err
	}

	return Result{Integrity: computed, Size: int64(len(data))}, nil
}

// writeTmp creates a file under C/tmp, writes data, and returns its
// path. The caller is responsible for removing it on every path
// (publishing by hard link leaves the tmp name in place, so Write
// defers a best-effort removal).
func (s *Store) writeTmp(data []byte, prefix string, chown bool, uid, gid int) (string, error) {
	tmpDir := s.root.TmpDir()
	if err := os.MkdirAll(tmpDir, defaultDirPerm); err != nil {
		return "", fmt.Errorf("content: create tmp dir: %w", err)
	}
	if chown {
		if err := platform.Chown(tmpDir, uid, gid); err != nil {
			return "", fmt.Errorf("content: chown tmp dir: %w", err)
		}
	}

	f, path, err := createTemp(tmpDir, prefix)
	if err != nil {
		return "", fmt.Errorf("content: create tmp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("content: write tmp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("content: flush tmp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("content: close tmp file: %w", err)
	}
	if chown {
		if err := platform.Chown(path, uid, gid); err != nil {
			return "", fmt.Errorf("content: chown tmp file: %w", err)
		}
	}
	return path, nil
}

// moveToDestination creates dest's parent directory and publishes
// tmpPath to destPath via the platform-specific publish function
// (hard link on unix, with a rename fallback on EPERM; rename on
// Windows — see publish_unix.go / publish_windows.go). It does not
// unlink tmpPath itself.
func (s *Store) moveToDestination(tmpPath, destPath string, chown bool, uid, gid int) error {
	destDir := filepath.Dir(destPath)
	if err := os.MkdirAll(destDir, defaultDirPerm); err != nil {
		return fmt.Errorf("content: create content dir: %w", err)
	}
	if chown {
		if err := platform.Chown(destDir, uid, gid); err != nil {
			return fmt.Errorf("content: chown content dir: %w", err)
		}
	}

	if err := publish(tmpPath, destPath); err != nil {
		return err
	}

	if chown {
		if err := platform.Chown(destPath, uid, gid); err != nil {
			return fmt.Errorf("content: chown content file: %w", err)
		}
	}
	return nil
}

// renameNoClobber renames tmpPath to destPath, treating a
// pre-existing destPath as success (another writer already published
// identical content) rather than an error.
func renameNoClobber(tmpPath, destPath string) error {
	if err := os.Rename(tmpPath, destPath); err != nil {
		if _, statErr := os.Stat(destPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("content: rename tmp to content path: %w", err)
	}
	return nil
}

// Open opens the content file addressed by integrity for reading,
// without verifying it against the digest (verification is the
// caller's choice via sri.CheckReader).
func (s *Store) Open(integrity sri.Integrity) (*os.File, error) {
	path, err := s.contentPath(integrity)
	if err != nil {
		return nil, err
	}
	return os.Open(path) //nolint:gosec // path is derived from a digest, not user input
}

// Read reads the entire content file addressed by integrity, without
// verifying it.
func (s *Store) Read(integrity sri.Integrity) ([]byte, error) {
	f, err := s.Open(integrity)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// HasResult describes a content file found to exist.
type HasResult struct {
	Integrity sri.Integrity
	Size      int64
}

// Has reports whether the content addressed by integrity exists.
func (s *Store) Has(integrity sri.Integrity) (HasResult, bool) {
	path, err := s.contentPath(integrity)
	if err != nil {
		return HasResult{}, false
	}
	info, err := os.Lstat(path)
	if err != nil {
		return HasResult{}, false
	}
	return HasResult{Integrity: integrity, Size: info.Size()}, true
}

// Remove deletes the content file addressed by integrity. Reports
// false if it did not exist.
func (s *Store) Remove(integrity sri.Integrity) (bool, error) {
	path, err := s.contentPath(integrity)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("content: remove content file: %w", err)
	}
	return true, nil
}

func (s *Store) contentPath(integrity sri.Integrity) (string, error) {
	algorithm, err := integrity.FirstAlgorithm()
	if err != nil {
		return "", err
	}
	hashes := integrity.Hashes(algorithm)
	if len(hashes) == 0 {
		return "", fmt.Errorf("content: no hash recorded for algorithm %q", algorithm)
	}
	hexDigest, err := hashes[0].Hexdigest()
	if err != nil {
		return "", err
	}
	return s.root.ContentPath(algorithm, hexDigest)
}

// ContentPathForDigest resolves the content path for a known
// (algorithm, hexDigest) pair, used by the verify pipeline's GC walk
// which reconstructs these from the filesystem rather than parsing an
// Integrity string.
func (s *Store) ContentPathForDigest(algorithm, hexDigest string) (string, error) {
	return s.root.ContentPath(algorithm, hexDigest)
}

func createTemp(dir, prefix string) (*os.File, string, error) {
	if prefix == "" {
		prefix = defaultTmpPfx
	}
	for tries := 0; tries < 10000; tries++ {
		var randBytes [4]byte
		if _, err := rand.Read(randBytes[:]); err != nil {
			return nil, "", err
		}
		name := prefix + "-" + hex.EncodeToString(randBytes[:])
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return f, path, nil
	}
	return nil, "", errors.New("content: failed to create tmp file")
}
