package fsio

import (
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func newTestFile(t *testing.T) *File {
	t.Helper()
	f, err := Create(filepath.Join(t.TempDir(), "t.mv2s"))
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

// TestPositionalReadWrite verifies exact-range reads and writes at
// absolute offsets.
func TestPositionalReadWrite(t *testing.T) {
	f := newTestFile(t)
	assert.NilError(t, f.WriteAll([]byte("hello"), 100))

	buf := make([]byte, 5)
	assert.NilError(t, f.ReadExactly(buf, 100))
	assert.DeepEqual(t, buf, []byte("hello"))

	size, err := f.Size()
	assert.NilError(t, err)
	assert.Equal(t, size, int64(105))
}

// TestReadExactlyShortRead verifies a read past the end fails rather than
// returning partial data.
func TestReadExactlyShortRead(t *testing.T) {
	f := newTestFile(t)
	assert.NilError(t, f.WriteAll([]byte("abc"), 0))
	buf := make([]byte, 10)
	assert.Assert(t, f.ReadExactly(buf, 0) != nil)
}

// TestExclusiveLock verifies a second handle cannot open a locked file.
func TestExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.mv2s")
	f, err := Create(path)
	assert.NilError(t, err)

	_, err = Open(path)
	assert.Assert(t, err != nil)

	assert.NilError(t, f.Close())
	second, err := Open(path)
	assert.NilError(t, err)
	assert.NilError(t, second.Close())
}

// TestWritableMap verifies mapped writes at unaligned offsets land in the
// file.
func TestWritableMap(t *testing.T) {
	f := newTestFile(t)
	assert.NilError(t, f.Truncate(8192))

	m, err := f.WritableMap(4100, 16) // deliberately unaligned
	assert.NilError(t, err)
	copy(m.Bytes(), []byte("mapped-region-ok"))
	assert.NilError(t, m.Flush())
	assert.NilError(t, m.Close())

	buf := make([]byte, 16)
	assert.NilError(t, f.ReadExactly(buf, 4100))
	assert.DeepEqual(t, buf, []byte("mapped-region-ok"))
}

// TestTruncate verifies shrink and the resulting size.
func TestTruncate(t *testing.T) {
	f := newTestFile(t)
	assert.NilError(t, f.WriteAll(make([]byte, 1000), 0))
	assert.NilError(t, f.Truncate(100))
	size, err := f.Size()
	assert.NilError(t, err)
	assert.Equal(t, size, int64(100))
}
