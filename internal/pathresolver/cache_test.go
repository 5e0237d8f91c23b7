package pathresolver

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(bytes.NewBuffer(nil))
	return l
}

func TestCacheRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	m := map[uint64]string{
		1: `C:\a`,
		2: `C:\b\c`,
	}
	require.NoError(t, encodeCache(&buf, m))

	got, err := decodeCache(&buf)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestCacheRoundTrip_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, encodeCache(&buf, map[uint64]string{}))

	got, err := decodeCache(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecodeCache_TruncatedIsError(t *testing.T) {
	_, err := decodeCache(bytes.NewReader([]byte{1, 2}))
	assert.Error(t, err)
}

func TestTryLoadCache_MissingFile(t *testing.T) {
	r := New("C")
	ok := r.TryLoadCache(t.TempDir(), discardLogger())
	assert.False(t, ok)
}

func TestTryLoadCache_FreshSnapshot(t *testing.T) {
	dir := t.TempDir()
	r := New("C")
	r.seed(map[uint64]string{1: `C:\a`})
	r.SaveCache(dir, discardLogger())

	r2 := New("C")
	ok := r2.TryLoadCache(dir, discardLogger())
	require.True(t, ok)
	p, found := r2.Lookup(1)
	require.True(t, found)
	assert.Equal(t, `C:\a`, p)
}

func TestTryLoadCache_StaleSnapshotIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache-C.bin")

	r := New("C")
	r.seed(map[uint64]string{1: `C:\a`})
	r.SaveCache(dir, discardLogger())

	old := time.Now().Add(-25 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	r2 := New("C")
	ok := r2.TryLoadCache(dir, discardLogger())
	assert.False(t, ok)
}

func TestTryLoadCache_CorruptFileIsDeleted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache-C.bin")
	require.NoError(t, os.WriteFile(path, []byte{0xFF, 0xFF, 0xFF, 0xFF}, 0o644))

	r := New("C")
	ok := r.TryLoadCache(dir, discardLogger())
	assert.False(t, ok)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
