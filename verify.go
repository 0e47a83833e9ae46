package cafs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/meigma/cafs/internal/index"
	"github.com/meigma/cafs/internal/pathutil"
	"github.com/meigma/cafs/internal/platform"
	"github.com/meigma/cafs/sri"
)

// VerificationStats aggregates the per-phase results of a Verify run
// (§4.5). Durations are recorded per phase name under RunTime, plus a
// "total" entry for the whole pipeline.
type VerificationStats struct {
	VerifiedContent int
	ReclaimedCount  int
	ReclaimedSize   int64
	BadContentCount int
	KeptSize        int64
	MissingContent  int
	RejectedEntries int
	TotalEntries    int
	StartTime       time.Time
	EndTime         time.Time
	RunTime         map[string]time.Duration
}

// verifyConfig holds Verify's option dictionary (§6: opts.filter,
// opts.uid, opts.gid; there is no log option).
type verifyConfig struct {
	filter   func(Entry) bool
	uid, gid int
	hasOwner bool
}

// VerifyOption configures Verify.
type VerifyOption func(*verifyConfig)

// WithVerifyFilter restricts GC and rebuild to entries for which
// filter returns true; entries it rejects count toward RejectedEntries,
// are dropped from the index, and their content is not kept live.
func WithVerifyFilter(filter func(Entry) bool) VerifyOption {
	return func(c *verifyConfig) { c.filter = filter }
}

// WithVerifyOwner chowns the cache root during the fix_permissions
// phase. A no-op on platforms without POSIX ownership.
func WithVerifyOwner(uid, gid int) VerifyOption {
	return func(c *verifyConfig) { c.uid, c.gid = uid, gid; c.hasOwner = true }
}

// Verify runs the full verify/GC pipeline (§4.5): it garbage-collects
// unreferenced and corrupt content, rewrites every bucket holding a
// non-tombstone entry to drop shadowed/stale lines, cleans the tmp
// workspace, and records the verifile timestamp. Failures within a phase are localized into the
// returned stats rather than aborting the run (§7 propagation policy);
// only a fatal I/O error (e.g. the cache root itself is unwritable)
// returns a non-nil error.
func (c *Cache) Verify(opts ...VerifyOption) (VerificationStats, error) {
	cfg := verifyConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	stats := VerificationStats{RunTime: make(map[string]time.Duration)}
	timeIt := func(phase string, fn func() error) error {
		start := time.Now()
		err := fn()
		stats.RunTime[phase] = time.Since(start)
		return err
	}

	overallStart := time.Now()
	stats.StartTime = overallStart

	if err := timeIt("fix_permissions", func() error {
		return c.fixPermissions(cfg)
	}); err != nil {
		return stats, err
	}

	liveEntries, err := c.index.Ls()
	if err != nil {
		return stats, fmt.Errorf("cafs: verify: list index: %w", err)
	}

	live := buildLiveSet(liveEntries, cfg.filter)

	if err := timeIt("garbage_collect", func() error {
		return c.garbageCollectContent(live, &stats)
	}); err != nil {
		return stats, err
	}

	if err := timeIt("rebuild_index", func() error {
		return c.rebuildIndex(liveEntries, cfg, &stats)
	}); err != nil {
		return stats, err
	}

	if err := timeIt("clean_tmp", func() error {
		return c.cleanTmp()
	}); err != nil {
		return stats, err
	}

	if err := timeIt("write_verifile", func() error {
		return c.writeVerifile()
	}); err != nil {
		return stats, err
	}

	stats.EndTime = time.Now()
	stats.RunTime["total"] = stats.EndTime.Sub(overallStart)
	return stats, nil
}

func (c *Cache) fixPermissions(cfg verifyConfig) error {
	if err := os.MkdirAll(c.root.Dir(), 0o755); err != nil {
		return fmt.Errorf("cafs: verify: create cache root: %w", err)
	}
	if cfg.hasOwner {
		if err := platform.Chown(c.root.Dir(), cfg.uid, cfg.gid); err != nil {
			return fmt.Errorf("cafs: verify: chown cache root: %w", err)
		}
	}
	return nil
}

// buildLiveSet collects the canonical integrity string of every
// non-tombstone entry that survives filter, keyed for set membership
// during the GC walk.
func buildLiveSet(entries map[string]index.Entry, filter func(Entry) bool) map[string]struct{} {
	live := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsTombstone() {
			continue
		}
		if filter != nil && !filter(toPublicEntry(e)) {
			continue
		}
		live[e.Integrity] = struct{}{}
	}
	return live
}

// garbageCollectContent walks content-v2, deleting every blob whose
// integrity string is absent from live, and verifying the rest against
// their own path-embedded digest (§4.5 phase 3, I1).
func (c *Cache) garbageCollectContent(live map[string]struct{}, stats *VerificationStats) error {
	contentDir := c.root.ContentDir()
	err := filepath.WalkDir(contentDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}

		algorithm, hexDigest, ok := pathutil.SplitContentPath(path)
		if !ok {
			return nil
		}
		token := pathutil.DigestToken(algorithm, hexDigest)
		integrity, err := sri.FromHex(token.Encoded(), token.Algorithm().String())
		if err != nil {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		size := info.Size()

		if _, ok := live[integrity.String()]; !ok {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("cafs: verify: remove unreferenced content: %w", err)
			}
			stats.ReclaimedCount++
			stats.ReclaimedSize += size
			return nil
		}

		valid := c.verifyContentFile(path, integrity)
		if !valid {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("cafs: verify: remove corrupt content: %w", err)
			}
			stats.BadContentCount++
			stats.ReclaimedCount++
			stats.ReclaimedSize += size
			return nil
		}

		stats.VerifiedContent++
		stats.KeptSize += size
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// verifyContentFile streams f against integrity. A file removed
// between the directory walk and the open (ENOENT) counts as invalid
// rather than erroring the whole pipeline (§4.5 failure semantics).
func (c *Cache) verifyContentFile(path string, integrity sri.Integrity) bool {
	f, err := os.Open(path) //nolint:gosec // path comes from the content-v2 walk, not user input
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false
	}

	_, err = sri.CheckReader(f, info.Size(), integrity)
	return err == nil
}

// rebuildIndex groups every listed entry by its bucket path and
// rewrites each of those buckets to contain exactly its surviving
// entries, dropping shadowed/tombstoned lines and the lines of
// rejected entries; a bucket left with no survivors is removed (§4.5
// phase 4, S2/S3). A bucket whose keys are all tombstoned has no
// listed entry and is left as it is.
func (c *Cache) rebuildIndex(entries map[string]index.Entry, cfg verifyConfig, stats *VerificationStats) error {
	byBucket := make(map[string][]index.Entry)
	for _, e := range entries {
		bucketPath, err := c.root.BucketPath(e.Key)
		if err != nil {
			return fmt.Errorf("cafs: verify: bucket path for %q: %w", e.Key, err)
		}
		if _, seen := byBucket[bucketPath]; !seen {
			byBucket[bucketPath] = nil
		}

		if cfg.filter != nil && !cfg.filter(toPublicEntry(e)) {
			stats.RejectedEntries++
			continue
		}

		size, ok, err := c.resolveEntrySize(e)
		if err != nil {
			return err
		}
		if !ok {
			stats.MissingContent++
			stats.RejectedEntries++
			continue
		}
		e.Size, e.HasSize = size, true

		byBucket[bucketPath] = append(byBucket[bucketPath], e)
		stats.TotalEntries++
	}

	for bucketPath, bucketEntries := range byBucket {
		if err := index.Rewrite(bucketPath, bucketEntries); err != nil {
			return fmt.Errorf("cafs: verify: rewrite bucket: %w", err)
		}
	}
	return nil
}

// resolveEntrySize stats the content file an entry points at, so the
// rewritten index line carries an authoritative size. ok is false when
// the blob is gone (already reclaimed by the GC phase, or never
// written).
func (c *Cache) resolveEntrySize(e index.Entry) (int64, bool, error) {
	integrity := sri.Parse(e.Integrity)
	if integrity.IsEmpty() {
		return 0, false, nil
	}
	has, ok := c.content.Has(integrity)
	if !ok {
		return 0, false, nil
	}
	return has.Size, true, nil
}

// cleanTmp removes C/tmp recursively (§4.5 phase 5).
func (c *Cache) cleanTmp() error {
	if err := os.RemoveAll(c.root.TmpDir()); err != nil {
		return fmt.Errorf("cafs: verify: clean tmp: %w", err)
	}
	return nil
}

// writeVerifile writes the current unix time, decimal-encoded, to
// C/_lastverified (§4.5 phase 6).
func (c *Cache) writeVerifile() error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := os.WriteFile(c.root.Verifile(), []byte(now), 0o644); err != nil {
		return fmt.Errorf("cafs: verify: write verifile: %w", err)
	}
	return nil
}

// VerifyLastRun returns the timestamp of the last successful Verify,
// and false if no verify has ever completed.
func (c *Cache) VerifyLastRun() (time.Time, bool, error) {
	raw, err := os.ReadFile(c.root.Verifile()) //nolint:gosec // fixed path under the cache root
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("cafs: read verifile: %w", err)
	}
	seconds, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cafs: parse verifile: %w", err)
	}
	return time.Unix(seconds, 0), true, nil
}
