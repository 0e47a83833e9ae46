// Package index implements the append-only, hash-sharded bucket log
// that backs the key → metadata index: each bucket is a file of
// self-hashed JSON lines, so torn or corrupted appends are detectable
// and skippable on read without any locking protocol (§3, §5).
package index

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/meigma/cafs/internal/pathutil"
	"github.com/meigma/cafs/internal/platform"
)

const defaultDirPerm fs.FileMode = 0o755

// wireEntry is the on-disk JSON shape of a bucket line. Field order
// matters: each line is self-hashed, so re-serializing an Entry must
// reproduce byte-identical JSON to the line that produced it, and the
// fixed order (key, integrity, time, size, metadata) is also what
// makes this wire-compatible with npm cacache's index-v5 format.
type wireEntry struct {
	Key       string          `json:"key"`
	Integrity *string         `json:"integrity"`
	Time      int64           `json:"time"`
	Size      *int64          `json:"size"`
	Metadata  json.RawMessage `json:"metadata"`
}

// Entry is the decoded, in-memory view of a bucket line. It does not
// carry a content path — path resolution is the content store's job,
// composed in by the public facade.
type Entry struct {
	Key       string
	Integrity string // "" for a tombstone (rm_entry)
	Time      int64  // unix seconds
	Size      int64  // 0 if not recorded
	HasSize   bool
	Metadata  json.RawMessage
}

// IsTombstone reports whether this entry is a deletion marker
// (integrity == null). format_entry is undefined for tombstones: they
// are filtered out of Ls/Find's results (I3).
func (e Entry) IsTombstone() bool {
	return e.Integrity == ""
}

func (e Entry) toWire() wireEntry {
	w := wireEntry{Key: e.Key, Time: e.Time, Metadata: e.Metadata}
	if e.Integrity != "" {
		integrity := e.Integrity
		w.Integrity = &integrity
	}
	if e.HasSize {
		size := e.Size
		w.Size = &size
	}
	if w.Metadata == nil {
		w.Metadata = json.RawMessage("null")
	}
	return w
}

func fromWire(w wireEntry) Entry {
	e := Entry{Key: w.Key, Time: w.Time, Metadata: w.Metadata}
	if w.Integrity != nil {
		e.Integrity = *w.Integrity
	}
	if w.Size != nil {
		e.Size, e.HasSize = *w.Size, true
	}
	return e
}

// Store is the bucket-log index, rooted at a cache directory.
type Store struct {
	root pathutil.Root
}

// New returns an index Store rooted at dir.
func New(root pathutil.Root) *Store {
	return &Store{root: root}
}

// InsertOptions configures Insert.
type InsertOptions struct {
	Size     *int64
	Metadata json.RawMessage
	UID, GID int
	HasOwner bool
}

// Insert appends one line to key's bucket: a tombstone if integrity
// is "", a live entry otherwise. Returns the Entry as written (with
// its recorded Time).
func (s *Store) Insert(key, integrity string, opts InsertOptions) (Entry, error) {
	entry := Entry{
		Key:       key,
		Integrity: integrity,
		Time:      time.Now().Unix(),
		Metadata:  opts.Metadata,
	}
	if opts.Size != nil {
		entry.Size, entry.HasSize = *opts.Size, true
	}

	line, err := encodeLine(entry)
	if err != nil {
		return Entry{}, err
	}

	bucketPath, err := s.root.BucketPath(key)
	if err != nil {
		return Entry{}, err
	}
	bucketDir := filepath.Dir(bucketPath)
	if err := os.MkdirAll(bucketDir, defaultDirPerm); err != nil {
		return Entry{}, fmt.Errorf("index: create bucket dir: %w", err)
	}
	if opts.HasOwner {
		if err := platform.Chown(bucketDir, opts.UID, opts.GID); err != nil {
			return Entry{}, fmt.Errorf("index: chown bucket dir: %w", err)
		}
	}

	f, err := os.OpenFile(bucketPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("index: open bucket: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return Entry{}, fmt.Errorf("index: append bucket line: %w", err)
	}
	if opts.HasOwner {
		if err := platform.Chown(bucketPath, opts.UID, opts.GID); err != nil {
			return Entry{}, fmt.Errorf("index: chown bucket file: %w", err)
		}
	}

	return entry, nil
}

// encodeLine renders one self-hashed bucket line:
// "<sha1hex-of-json>\t<json>\n".
func encodeLine(entry Entry) ([]byte, error) {
	payload, err := json.Marshal(entry.toWire())
	if err != nil {
		return nil, fmt.Errorf("index: marshal entry: %w", err)
	}
	hash := pathutil.HashEntry(payload)

	var buf bytes.Buffer
	buf.WriteString(hash)
	buf.WriteByte('\t')
	buf.Write(payload)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// BucketEntries reads and decodes every valid line of the bucket file
// at path, in file order. Lines whose self-hash doesn't match, or
// whose JSON fails to parse, are silently dropped (I2, §8 P6):
// corruption degrades to "that one line is gone", never to an error.
// A missing bucket file yields an empty, non-error result.
func BucketEntries(path string) ([]Entry, error) {
	f, err := os.Open(path) //nolint:gosec // path is derived from sha256(key), not user input
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("index: open bucket: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		tab := bytes.IndexByte(line, '\t')
		if tab < 0 {
			continue
		}
		wantHash, payload := string(line[:tab]), line[tab+1:]
		if pathutil.HashEntry(payload) != wantHash {
			continue
		}
		var w wireEntry
		if err := json.Unmarshal(payload, &w); err != nil {
			continue
		}
		entries = append(entries, fromWire(w))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("index: scan bucket: %w", err)
	}
	return entries, nil
}

// Find returns the last entry in key's bucket whose Key matches,
// scanning in reverse so a later write shadows an earlier one within
// the same bucket (I4, §8 P3). ok is false if no live (non-tombstone)
// match exists.
func (s *Store) Find(key string) (Entry, bool, error) {
	bucketPath, err := s.root.BucketPath(key)
	if err != nil {
		return Entry{}, false, err
	}
	entries, err := BucketEntries(bucketPath)
	if err != nil {
		return Entry{}, false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Key == key {
			if entries[i].IsTombstone() {
				return Entry{}, false, nil
			}
			return entries[i], true, nil
		}
	}
	return Entry{}, false, nil
}

// Rm appends a tombstone for key (rm_entry).
func (s *Store) Rm(key string, opts InsertOptions) error {
	_, err := s.Insert(key, "", opts)
	return err
}

// BucketPath exposes the bucket path for key, for callers (verify)
// that need to rewrite a bucket file directly.
func (s *Store) BucketPath(key string) (string, error) {
	return s.root.BucketPath(key)
}

// Rewrite replaces bucket's contents with one line per entry in
// entries, in order; with no entries it removes the bucket file. The
// replacement is not atomic. Used by the verify pipeline's
// rebuild_index phase (§4.5 phase 4): it truncates, then re-inserts
// survivors, so a mid-rewrite crash leaves a self-consistent
// (possibly truncated) log — the next BucketEntries call simply drops
// any torn trailing line.
func Rewrite(bucketPath string, entries []Entry) error {
	if len(entries) == 0 {
		if err := os.Remove(bucketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("index: remove empty bucket: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(bucketPath), defaultDirPerm); err != nil {
		return fmt.Errorf("index: create bucket dir: %w", err)
	}
	f, err := os.OpenFile(bucketPath, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("index: truncate bucket: %w", err)
	}
	defer f.Close()

	for _, entry := range entries {
		line, err := encodeLine(entry)
		if err != nil {
			return err
		}
		if _, err := f.Write(line); err != nil {
			return fmt.Errorf("index: rewrite bucket line: %w", err)
		}
	}
	return nil
}
