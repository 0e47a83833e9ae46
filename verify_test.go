package cafs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/cafs/internal/index"
	"github.com/meigma/cafs/sri"
)

func TestVerifyCompactsCorruptedBucketTrailer(t *testing.T) {
	c := newCache(t)
	_, err := c.Put("k", []byte("foobarbaz"))
	require.NoError(t, err)

	bucketPath, err := c.index.BucketPath("k")
	require.NoError(t, err)
	f, err := os.OpenFile(bucketPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("\n234uhhh")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stats, err := c.Verify()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.VerifiedContent)
	assert.Equal(t, 0, stats.RejectedEntries)

	entries, err := index.BucketEntries(bucketPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestVerifyCompactsShadowedEntries(t *testing.T) {
	c := newCache(t)
	_, err := c.Put("k", []byte("v"), WithMetadata(json.RawMessage(`"m1"`)))
	require.NoError(t, err)
	_, err = c.Put("k", []byte("v"), WithMetadata(json.RawMessage(`"m2"`)))
	require.NoError(t, err)

	bucketPath, err := c.index.BucketPath("k")
	require.NoError(t, err)
	before, err := index.BucketEntries(bucketPath)
	require.NoError(t, err)
	assert.Len(t, before, 2)

	entry, ok, err := c.GetInfo("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"m2"`, string(entry.Metadata))

	_, err = c.Verify()
	require.NoError(t, err)

	after, err := index.BucketEntries(bucketPath)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.JSONEq(t, `"m2"`, string(after[0].Metadata))
}

func TestVerifyReclaimsUnreferencedBlob(t *testing.T) {
	c := newCache(t)
	result, err := c.content.Write([]byte("foobarbaz"))
	require.NoError(t, err)

	has, ok := c.content.Has(result.Integrity)
	require.True(t, ok)
	assert.EqualValues(t, 9, has.Size)

	stats, err := c.Verify()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ReclaimedCount)
	assert.EqualValues(t, 9, stats.ReclaimedSize)

	_, ok = c.content.Has(result.Integrity)
	assert.False(t, ok)
}

func TestVerifyDeletesCorruptBlobAndRejectsItsEntry(t *testing.T) {
	c := newCache(t)
	integrity, err := c.Put("k", []byte("foobarbaz"))
	require.NoError(t, err)

	algorithm, err := integrity.FirstAlgorithm()
	require.NoError(t, err)
	hexDigest, err := integrity.Hashes(algorithm)[0].Hexdigest()
	require.NoError(t, err)
	contentPath, err := c.content.ContentPathForDigest(algorithm, hexDigest)
	require.NoError(t, err)

	require.NoError(t, os.Truncate(contentPath, 8))

	stats, err := c.Verify()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BadContentCount)
	assert.Equal(t, 1, stats.MissingContent)
	assert.Equal(t, 1, stats.ReclaimedCount)
	assert.EqualValues(t, 8, stats.ReclaimedSize)
	assert.Equal(t, 1, stats.RejectedEntries)
	assert.Equal(t, 0, stats.TotalEntries)

	_, err = os.Stat(contentPath)
	assert.True(t, os.IsNotExist(err))
}

func TestVerifyIsIdempotentOnUnchangedCache(t *testing.T) {
	c := newCache(t)
	_, err := c.Put("k", []byte("foobarbaz"))
	require.NoError(t, err)

	first, err := c.Verify()
	require.NoError(t, err)

	second, err := c.Verify()
	require.NoError(t, err)

	assert.Equal(t, first.VerifiedContent, second.VerifiedContent)
	assert.Equal(t, first.KeptSize, second.KeptSize)
	assert.Equal(t, 0, second.ReclaimedCount)
	assert.Equal(t, 0, second.MissingContent)
}

func TestVerifyCleansTmpDir(t *testing.T) {
	c := newCache(t)
	_, err := c.Put("k", []byte("data"))
	require.NoError(t, err)

	tmpDir := c.root.TmpDir()
	require.NoError(t, os.MkdirAll(tmpDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "stray"), []byte("x"), 0o644))

	_, err = c.Verify()
	require.NoError(t, err)

	_, err = os.Stat(tmpDir)
	assert.True(t, os.IsNotExist(err))
}

func TestVerifyWritesVerifileAndVerifyLastRunReadsIt(t *testing.T) {
	c := newCache(t)

	_, ok, err := c.VerifyLastRun()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Verify()
	require.NoError(t, err)

	ts, ok, err := c.VerifyLastRun()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, ts.IsZero())
}

func TestVerifyFilterRejectsExcludedEntries(t *testing.T) {
	c := newCache(t)
	_, err := c.Put("keep", []byte("a"))
	require.NoError(t, err)
	_, err = c.Put("drop", []byte("b"))
	require.NoError(t, err)

	stats, err := c.Verify(WithVerifyFilter(func(e Entry) bool {
		return e.Key == "keep"
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RejectedEntries)
	assert.Equal(t, 1, stats.TotalEntries)

	_, ok, err := c.GetInfo("keep")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStrictSRIParseDropsMalformedTokens(t *testing.T) {
	valid := "sha512-" + mustB64(t, "payload")
	input := "sha1-" + mustB64(t, "x") + " sha512-" + mustB64(t, "y") + "@#$ " + valid + "?\x01 " + valid

	got := sri.Parse(input, sri.WithStrict())
	assert.Equal(t, valid, got.String())
}

func mustB64(t *testing.T, s string) string {
	t.Helper()
	integrity, err := sri.FromData([]byte(s), sri.WithAlgorithms("sha512"))
	require.NoError(t, err)
	return integrity.Hashes("sha512")[0].Digest
}
