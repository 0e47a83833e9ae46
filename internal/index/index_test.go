package index

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/cafs/internal/pathutil"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(pathutil.NewRoot(t.TempDir()))
}

func TestInsertAndFind(t *testing.T) {
	s := newStore(t)
	_, err := s.Insert("k", "sha512-abc", InsertOptions{})
	require.NoError(t, err)

	entry, ok, err := s.Find("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sha512-abc", entry.Integrity)
}

func TestLastWriterWinsWithinBucket(t *testing.T) {
	s := newStore(t)
	m1 := []byte(`"m1"`)
	m2 := []byte(`"m2"`)

	_, err := s.Insert("k", "sha512-abc", InsertOptions{Metadata: m1})
	require.NoError(t, err)
	_, err = s.Insert("k", "sha512-abc", InsertOptions{Metadata: m2})
	require.NoError(t, err)

	bucketPath, err := s.BucketPath("k")
	require.NoError(t, err)
	entries, err := BucketEntries(bucketPath)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "both lines must still be present before verify")

	entry, ok, err := s.Find("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"m2"`, string(entry.Metadata))
}

func TestRmEntryTombstonesKeyButFindOmitsIt(t *testing.T) {
	s := newStore(t)
	_, err := s.Insert("k", "sha512-abc", InsertOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Rm("k", InsertOptions{}))

	_, ok, err := s.Find("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindMissingBucketIsNotAnError(t *testing.T) {
	s := newStore(t)
	_, ok, err := s.Find("nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorruptedBucketTrailerIsSkipped(t *testing.T) {
	s := newStore(t)
	_, err := s.Insert("k", "sha512-abc", InsertOptions{})
	require.NoError(t, err)

	bucketPath, err := s.BucketPath("k")
	require.NoError(t, err)

	f, err := os.OpenFile(bucketPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("\n234uhhh")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := BucketEntries(bucketPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sha512-abc", entries[0].Integrity)

	entry, ok, err := s.Find("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sha512-abc", entry.Integrity)
}

func TestLsFoldsLastWriteWinsAcrossBucketsAndDropsTombstones(t *testing.T) {
	s := newStore(t)
	_, err := s.Insert("a", "sha512-a1", InsertOptions{})
	require.NoError(t, err)
	_, err = s.Insert("a", "sha512-a2", InsertOptions{})
	require.NoError(t, err)
	_, err = s.Insert("b", "sha512-b1", InsertOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Rm("b", InsertOptions{}))

	entries, err := s.Ls()
	require.NoError(t, err)
	require.Contains(t, entries, "a")
	assert.Equal(t, "sha512-a2", entries["a"].Integrity)
	assert.NotContains(t, entries, "b")
}

func TestRewriteCompactsBucketToOneLine(t *testing.T) {
	s := newStore(t)
	_, err := s.Insert("k", "sha512-a1", InsertOptions{})
	require.NoError(t, err)
	_, err = s.Insert("k", "sha512-a2", InsertOptions{})
	require.NoError(t, err)

	bucketPath, err := s.BucketPath("k")
	require.NoError(t, err)

	entry, ok, err := s.Find("k")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, Rewrite(bucketPath, []Entry{entry}))

	entries, err := BucketEntries(bucketPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sha512-a2", entries[0].Integrity)
}
