package cafs

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/cafs/sri"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir())
	require.NoError(t, err)
	return c
}

func TestPutThenGetRoundTrips(t *testing.T) {
	c := newCache(t)
	data := []byte("foobarbaz")

	integrity, err := c.Put("k", data)
	require.NoError(t, err)
	assert.Contains(t, integrity.String(), "sha512-")

	result, err := c.Get("k")
	require.NoError(t, err)
	assert.Equal(t, data, result.Data)
	assert.True(t, integrity.Equal(result.Integrity))
}

func TestPutIntegrityMatchesFromData(t *testing.T) {
	c := newCache(t)
	data := []byte("foobarbaz")

	integrity, err := c.Put("k", data)
	require.NoError(t, err)

	expected, err := sri.FromData(data)
	require.NoError(t, err)
	assert.True(t, integrity.Equal(expected))
}

func TestGetMissingKeyReturnsErrMissing(t *testing.T) {
	c := newCache(t)
	_, err := c.Get("nope")
	assert.True(t, errors.Is(err, ErrMissing))
}

func TestLastWriteWinsOnKey(t *testing.T) {
	c := newCache(t)

	_, err := c.Put("k", []byte("v1"))
	require.NoError(t, err)
	_, err = c.Put("k", []byte("v2"))
	require.NoError(t, err)

	result, err := c.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), result.Data)
}

func TestRmEntryTombstonesButKeepsContent(t *testing.T) {
	c := newCache(t)

	integrity, err := c.Put("k", []byte("foobarbaz"))
	require.NoError(t, err)

	require.NoError(t, c.RmEntry("k"))

	_, err = c.Get("k")
	assert.True(t, errors.Is(err, ErrMissing))

	_, ok := c.HasContent(integrity)
	assert.True(t, ok, "rm_entry must not remove the content it referenced")
}

func TestGetInfoCarriesMetadata(t *testing.T) {
	c := newCache(t)
	meta := json.RawMessage(`{"tag":"v1"}`)

	_, err := c.Put("k", []byte("data"), WithMetadata(meta))
	require.NoError(t, err)

	entry, ok, err := c.GetInfo("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"tag":"v1"}`, string(entry.Metadata))
	assert.NotEmpty(t, entry.Path)
}

func TestLsReturnsLatestEntryPerKey(t *testing.T) {
	c := newCache(t)

	_, err := c.Put("a", []byte("a1"))
	require.NoError(t, err)
	_, err = c.Put("b", []byte("b1"))
	require.NoError(t, err)
	require.NoError(t, c.RmEntry("b"))

	entries, err := c.Ls()
	require.NoError(t, err)
	assert.Contains(t, entries, "a")
	assert.NotContains(t, entries, "b")
}

func TestPutSizeMismatchFails(t *testing.T) {
	c := newCache(t)
	_, err := c.Put("k", []byte("abc"), WithPutSize(10))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArgument)
}

func TestPutIntegrityMismatchFails(t *testing.T) {
	c := newCache(t)
	wrong, err := sri.FromData([]byte("not the data"))
	require.NoError(t, err)

	_, err = c.Put("k", []byte("abc"), WithPutIntegrity(wrong))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArgument)
}

func TestGetStreamReadsFullContent(t *testing.T) {
	c := newCache(t)
	data := []byte("stream me")

	_, err := c.Put("k", data)
	require.NoError(t, err)

	r, entry, err := c.GetStream("k")
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "k", entry.Key)
}

func TestCopyWritesContentToDestFile(t *testing.T) {
	c := newCache(t)
	dir := t.TempDir()
	data := []byte("copy me")

	_, err := c.Put("k", data)
	require.NoError(t, err)

	dest := dir + "/out.bin"
	_, err = c.Copy("k", dest)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRmContentAllClearsContentButNotIndex(t *testing.T) {
	c := newCache(t)
	_, err := c.Put("k", []byte("data"))
	require.NoError(t, err)

	require.NoError(t, c.RmContentAll())

	_, ok, err := c.GetInfo("k")
	require.NoError(t, err)
	require.True(t, ok, "index entry survives RmContentAll")

	_, err = c.Get("k")
	assert.Error(t, err, "content itself is gone")
}

func TestWithMemoizationInvalidatedByRmEntry(t *testing.T) {
	c, err := New(t.TempDir(), WithMemoization(8))
	require.NoError(t, err)

	_, err = c.Put("k", []byte("data"))
	require.NoError(t, err)

	_, ok, err := c.GetInfo("k")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.RmEntry("k"))

	_, ok, err = c.GetInfo("k")
	require.NoError(t, err)
	assert.False(t, ok, "RmEntry must invalidate the memo entry, not just the disk entry")
}
