package cafs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/meigma/cafs/internal/content"
	"github.com/meigma/cafs/internal/index"
	"github.com/meigma/cafs/internal/pathutil"
	"github.com/meigma/cafs/sri"
)

// Cache is a content-addressable filesystem cache rooted at a single
// directory. It is safe for concurrent use by multiple processes (§5):
// all coordination happens through filesystem primitives, never
// in-process locks.
type Cache struct {
	root    pathutil.Root
	content *content.Store
	index   *index.Store
	memo    *memoCache
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithMemoization wraps Get/GetInfo with a bounded in-process LRU of
// up to size entries. It never influences durability or Verify
// results (§9 "Memoization TODOs"): a cache miss always falls through
// to disk, and writes always invalidate the memoized entry for that
// key.
func WithMemoization(size int) Option {
	return func(c *Cache) {
		c.memo = newMemoCache(size)
	}
}

// New returns a Cache rooted at path, creating the directory if it
// does not already exist.
func New(path string, opts ...Option) (*Cache, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: cache path is empty", ErrArgument)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("cafs: create cache root: %w", err)
	}

	root := pathutil.NewRoot(path)
	c := &Cache{
		root:    root,
		content: content.New(root),
		index:   index.New(root),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// putConfig holds Put/PutStream's option dictionary (§6:
// opts.size, opts.metadata, opts.integrity, opts.algorithms, opts.uid,
// opts.gid, opts.tmp_prefix).
type putConfig struct {
	size       int64
	hasSize    bool
	metadata   json.RawMessage
	integrity  sri.Integrity
	hasExpect  bool
	algorithms []string
	uid, gid   int
	hasOwner   bool
	tmpPrefix  string
}

// PutOption configures Put and PutStream.
type PutOption func(*putConfig)

// WithPutSize requires the written data to be exactly size bytes,
// failing with ErrArgument otherwise.
func WithPutSize(size int64) PutOption {
	return func(c *putConfig) { c.size = size; c.hasSize = true }
}

// WithMetadata attaches arbitrary JSON-shaped metadata to the index
// entry, round-tripped verbatim (§9 SUPPLEMENTED FEATURES).
func WithMetadata(metadata json.RawMessage) PutOption {
	return func(c *putConfig) { c.metadata = metadata }
}

// WithPutIntegrity verifies the written data against integrity before
// publishing it, failing the write on mismatch.
func WithPutIntegrity(integrity sri.Integrity) PutOption {
	return func(c *putConfig) { c.integrity = integrity; c.hasExpect = true }
}

// WithPutAlgorithms sets which digest algorithms to compute for the
// written content (default: sha512).
func WithPutAlgorithms(algorithms ...string) PutOption {
	return func(c *putConfig) { c.algorithms = algorithms }
}

// WithPutOwner chowns the written tmp file, content file, and bucket
// entry to uid/gid. A no-op on platforms without POSIX ownership.
func WithPutOwner(uid, gid int) PutOption {
	return func(c *putConfig) { c.uid, c.gid = uid, gid; c.hasOwner = true }
}

// WithPutTmpPrefix overrides the default temp-file prefix used under
// C/tmp during publication.
func WithPutTmpPrefix(prefix string) PutOption {
	return func(c *putConfig) { c.tmpPrefix = prefix }
}

// Put writes data into the content store and appends a new entry for
// key, returning the written Integrity (§4.3 write, §4.4
// index_insert).
func (c *Cache) Put(key string, data []byte, opts ...PutOption) (sri.Integrity, error) {
	cfg := putConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	result, err := c.content.Write(data, contentWriteOpts(cfg)...)
	if err != nil {
		return sri.Integrity{}, wrapContentArgumentError(err)
	}

	if err := c.insertIndexEntry(key, result, cfg); err != nil {
		return sri.Integrity{}, err
	}
	c.invalidateMemo(key)
	return result.Integrity, nil
}

// PutStream is the streaming form of Put: r is read to completion
// before publication (§9 SUPPLEMENTED FEATURES, §4.1 "data may be a
// byte buffer or a file path").
func (c *Cache) PutStream(key string, r io.Reader, opts ...PutOption) (sri.Integrity, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return sri.Integrity{}, fmt.Errorf("cafs: read stream for put: %w", err)
	}
	return c.Put(key, data, opts...)
}

// wrapContentArgumentError translates the content store's
// client-caused write failures (declared size or expected integrity
// not matching the bytes written, or an unknown digest algorithm
// requested) into ErrArgument, so callers can
// detect them with errors.Is per §6/§7's documented Put contract.
// Any other error (I/O, etc.) passes through unwrapped.
func wrapContentArgumentError(err error) error {
	if errors.Is(err, sri.ErrContentSizeMismatch) || errors.Is(err, sri.ErrIntegrity) ||
		errors.Is(err, sri.ErrNoSuchDigest) {
		return fmt.Errorf("%w: %w", ErrArgument, err)
	}
	return err
}

func contentWriteOpts(cfg putConfig) []content.WriteOption {
	var opts []content.WriteOption
	if cfg.hasSize {
		opts = append(opts, content.WithSize(cfg.size))
	}
	if cfg.hasExpect {
		opts = append(opts, content.WithExpectedIntegrity(cfg.integrity))
	}
	if len(cfg.algorithms) > 0 {
		opts = append(opts, content.WithAlgorithms(cfg.algorithms...))
	}
	if cfg.hasOwner {
		opts = append(opts, content.WithOwner(cfg.uid, cfg.gid))
	}
	if cfg.tmpPrefix != "" {
		opts = append(opts, content.WithTmpPrefix(cfg.tmpPrefix))
	}
	return opts
}

func (c *Cache) insertIndexEntry(key string, result content.Result, cfg putConfig) error {
	size := result.Size
	insertOpts := index.InsertOptions{
		Size:     &size,
		Metadata: cfg.metadata,
	}
	if cfg.hasOwner {
		insertOpts.UID, insertOpts.GID, insertOpts.HasOwner = cfg.uid, cfg.gid, true
	}
	_, err := c.index.Insert(key, result.Integrity.String(), insertOpts)
	if err != nil {
		return fmt.Errorf("cafs: insert index entry: %w", err)
	}
	return nil
}

// GetResult is the outcome of Get/GetStream.
type GetResult struct {
	Data      []byte
	Integrity sri.Integrity
	Size      int64
	Metadata  json.RawMessage
}

// Get resolves key to its latest live entry and reads the
// corresponding content, without re-verifying it against the digest
// (§4.3 read). Returns ErrMissing if key has no live entry.
func (c *Cache) Get(key string) (GetResult, error) {
	entry, ok, err := c.findLive(key)
	if err != nil {
		return GetResult{}, err
	}
	if !ok {
		return GetResult{}, fmt.Errorf("%w: key %q", ErrMissing, key)
	}

	integrity := sri.Parse(entry.Integrity)
	data, err := c.content.Read(integrity)
	if err != nil {
		return GetResult{}, translateContentErr(err)
	}
	return GetResult{Data: data, Integrity: integrity, Size: entry.Size, Metadata: entry.Metadata}, nil
}

// GetStream is the streaming form of Get: the caller must Close the
// returned ReadCloser.
func (c *Cache) GetStream(key string) (io.ReadCloser, Entry, error) {
	entry, ok, err := c.findLive(key)
	if err != nil {
		return nil, Entry{}, err
	}
	if !ok {
		return nil, Entry{}, fmt.Errorf("%w: key %q", ErrMissing, key)
	}

	integrity := sri.Parse(entry.Integrity)
	f, err := c.content.Open(integrity)
	if err != nil {
		return nil, Entry{}, translateContentErr(err)
	}
	return f, c.withPath(toPublicEntry(entry)), nil
}

// GetByDigest reads content directly by its Integrity, bypassing the
// index entirely.
func (c *Cache) GetByDigest(integrity sri.Integrity) ([]byte, error) {
	data, err := c.content.Read(integrity)
	if err != nil {
		return nil, translateContentErr(err)
	}
	return data, nil
}

// GetInfo returns key's latest live entry without reading its
// content. ok is false if key has no live entry.
func (c *Cache) GetInfo(key string) (Entry, bool, error) {
	entry, ok, err := c.findLive(key)
	if err != nil || !ok {
		return Entry{}, ok, err
	}
	return c.withPath(toPublicEntry(entry)), true, nil
}

func (c *Cache) findLive(key string) (index.Entry, bool, error) {
	if c.memo != nil {
		if entry, ok := c.memo.get(key); ok {
			return entry, true, nil
		}
	}
	entry, ok, err := c.index.Find(key)
	if err != nil {
		return index.Entry{}, false, fmt.Errorf("cafs: find index entry: %w", err)
	}
	if ok && c.memo != nil {
		c.memo.put(key, entry)
	}
	return entry, ok, nil
}

func (c *Cache) invalidateMemo(key string) {
	if c.memo != nil {
		c.memo.delete(key)
	}
}

func translateContentErr(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrMissing, err)
	}
	return err
}

// HasContentResult describes content found to exist in the store.
type HasContentResult struct {
	Integrity sri.Integrity
	Size      int64
}

// HasContent reports whether the content addressed by integrity
// exists on disk (§4.3 has_content).
func (c *Cache) HasContent(integrity sri.Integrity) (HasContentResult, bool) {
	result, ok := c.content.Has(integrity)
	if !ok {
		return HasContentResult{}, false
	}
	return HasContentResult{Integrity: result.Integrity, Size: result.Size}, true
}

// RmEntry appends a tombstone for key (§4.4 rm_entry). The content it
// referenced is untouched (§8 P4): it remains reachable via
// HasContent/GetByDigest until GC'd by Verify.
func (c *Cache) RmEntry(key string, opts ...PutOption) error {
	cfg := putConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	insertOpts := index.InsertOptions{}
	if cfg.hasOwner {
		insertOpts.UID, insertOpts.GID, insertOpts.HasOwner = cfg.uid, cfg.gid, true
	}
	if err := c.index.Rm(key, insertOpts); err != nil {
		return fmt.Errorf("cafs: remove index entry: %w", err)
	}
	c.invalidateMemo(key)
	return nil
}

// RmContent deletes the content file addressed by integrity,
// regardless of whether any index entry still points at it (§4.3
// rm_content).
func (c *Cache) RmContent(integrity sri.Integrity) (bool, error) {
	removed, err := c.content.Remove(integrity)
	if err != nil {
		return false, fmt.Errorf("cafs: remove content: %w", err)
	}
	return removed, nil
}

// RmAll recursively deletes the content and index trees under the
// cache root (§6 rm_all: "recursively deletes only dirs matching
// *content-* and *index-*"), leaving the root directory and tmp area
// intact.
func (c *Cache) RmAll() error {
	return c.removeMatchingDirs("content-", "index-")
}

// RmContentAll clears only content-v2, leaving the index untouched
// (§9 SUPPLEMENTED FEATURES) — useful to force a full re-verify/GC
// cycle that will rebuild the index against whatever content remains.
func (c *Cache) RmContentAll() error {
	return c.removeMatchingDirs("content-")
}

func (c *Cache) removeMatchingDirs(prefixes ...string) error {
	dirEntries, err := os.ReadDir(c.root.Dir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("cafs: list cache root: %w", err)
	}
	for _, d := range dirEntries {
		if !d.IsDir() {
			continue
		}
		for _, prefix := range prefixes {
			if strings.Contains(d.Name(), prefix) {
				if err := os.RemoveAll(filepath.Join(c.root.Dir(), d.Name())); err != nil {
					return fmt.Errorf("cafs: remove %q: %w", d.Name(), err)
				}
				break
			}
		}
	}
	return nil
}

// Ls returns every key's latest live entry (§4.4 ls, non-streaming
// mode).
func (c *Cache) Ls() (map[string]Entry, error) {
	entries, err := c.index.Ls()
	if err != nil {
		return nil, fmt.Errorf("cafs: list index: %w", err)
	}
	out := make(map[string]Entry, len(entries))
	for key, e := range entries {
		out[key] = c.withPath(toPublicEntry(e))
	}
	return out, nil
}

// LsFunc streams every key's latest live entry to yield, stopping
// early if yield returns false (§4.4 ls, streaming mode).
func (c *Cache) LsFunc(yield func(Entry) bool) error {
	err := c.index.LsFunc(func(e index.Entry) bool {
		return yield(c.withPath(toPublicEntry(e)))
	})
	if err != nil {
		return fmt.Errorf("cafs: stream index: %w", err)
	}
	return nil
}

// Copy resolves key's latest live entry and streams its content
// directly to destPath, without an intermediate []byte allocation
// (§9 SUPPLEMENTED FEATURES).
func (c *Cache) Copy(key, destPath string) (Entry, error) {
	r, entry, err := c.GetStream(key)
	if err != nil {
		return Entry{}, err
	}
	defer r.Close()

	f, err := os.Create(destPath) //nolint:gosec // destPath is caller-supplied by design
	if err != nil {
		return Entry{}, fmt.Errorf("cafs: create copy destination: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return Entry{}, fmt.Errorf("cafs: copy content: %w", err)
	}
	return entry, nil
}

func (c *Cache) contentPathForIntegrityString(integrityStr string) (string, error) {
	if integrityStr == "" {
		return "", fmt.Errorf("%w: empty integrity", ErrArgument)
	}
	integrity := sri.Parse(integrityStr)
	algorithm, err := integrity.FirstAlgorithm()
	if err != nil {
		return "", err
	}
	hashes := integrity.Hashes(algorithm)
	if len(hashes) == 0 {
		return "", fmt.Errorf("%w: no hash for algorithm %q", ErrArgument, algorithm)
	}
	hexDigest, err := hashes[0].Hexdigest()
	if err != nil {
		return "", err
	}
	return c.content.ContentPathForDigest(algorithm, hexDigest)
}
