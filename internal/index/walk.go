package index

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/meigma/cafs/internal/pathutil"
)

// foldBucket reduces a bucket's entries to one per key (the last
// occurrence wins, matching Find's semantics — I4), dropping
// tombstones, since format_entry is undefined for them (I3).
func foldBucket(entries []Entry) map[string]Entry {
	byKey := make(map[string]Entry)
	for _, e := range entries {
		if e.IsTombstone() {
			delete(byKey, e.Key)
			continue
		}
		byKey[e.Key] = e
	}
	return byKey
}

// walkBuckets calls visit once per non-directory under index-v5,
// skipping paths that vanish during the walk (ENOENT). A non-directory
// at an intermediate shard level is visited like a bucket file, and
// the "up to three levels deep" shard hierarchy naturally falls out
// of WalkDir visiting every file it finds.
func walkBuckets(root pathutil.Root, visit func(path string) error) error {
	err := filepath.WalkDir(root.IndexDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		return visit(path)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Ls folds every bucket's surviving entries into a single key→Entry
// map, applying last-write-wins within each bucket.
func (s *Store) Ls() (map[string]Entry, error) {
	result := make(map[string]Entry)
	err := walkBuckets(s.root, func(path string) error {
		entries, err := BucketEntries(path)
		if err != nil {
			return err
		}
		for key, entry := range foldBucket(entries) {
			result[key] = entry
		}
		return nil
	})
	return result, err
}

// LsFunc streams every surviving entry to yield, bucket by bucket,
// stopping early if yield returns false.
func (s *Store) LsFunc(yield func(Entry) bool) error {
	stopped := errors.New("index: ls stopped")
	err := walkBuckets(s.root, func(path string) error {
		entries, err := BucketEntries(path)
		if err != nil {
			return err
		}
		for _, entry := range foldBucket(entries) {
			if !yield(entry) {
				return stopped
			}
		}
		return nil
	})
	if errors.Is(err, stopped) {
		return nil
	}
	return err
}
