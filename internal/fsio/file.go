package fsio

import (
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"
)

// ===========================================================================
// FILE BACKEND
// ===========================================================================
//
// The file backend is the only component that touches the container file.
// It offers:
// 1. Positional reads/writes of exact byte ranges (absolute offsets)
// 2. Synchronous fsync
// 3. Truncation and size queries
// 4. An optional writable memory map for batched payload writes
//
// A single exclusive advisory lock guards the file for the lifetime of an
// open handle. A second opener fails immediately.
//
// ===========================================================================

// File is a positional-I/O handle over a single container file.
type File struct {
	f    *os.File
	lock *flock.Flock
	path string
}

// Create creates a new file at path. Fails if the file already exists.
func Create(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return acquire(f, path)
}

// Open opens an existing file at path.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return acquire(f, path)
}

// acquire takes the exclusive advisory lock or closes the handle.
func acquire(f *os.File, path string) (*File, error) {
	lk := flock.New(path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to acquire file lock: %w", err)
	}
	if !ok {
		f.Close()
		return nil, fmt.Errorf("file %s is locked by another handle", path)
	}
	return &File{f: f, lock: lk, path: path}, nil
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// ReadExactly reads exactly len(buf) bytes at the absolute offset.
// Fails if fewer bytes are available.
func (f *File) ReadExactly(buf []byte, offset int64) error {
	n, err := f.f.ReadAt(buf, offset)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("short read at offset %d: read %d of %d bytes", offset, n, len(buf))
	}
	if err != nil {
		return fmt.Errorf("read at offset %d failed: %w", offset, err)
	}
	return nil
}

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(buf []byte, offset int64) (int, error) {
	return f.f.ReadAt(buf, offset)
}

// WriteAll writes all of buf at the absolute offset.
// Any short write is surfaced as an error.
func (f *File) WriteAll(buf []byte, offset int64) error {
	n, err := f.f.WriteAt(buf, offset)
	if err != nil {
		return fmt.Errorf("write at offset %d failed: %w", offset, err)
	}
	if n != len(buf) {
		return fmt.Errorf("short write at offset %d: wrote %d of %d bytes", offset, n, len(buf))
	}
	return nil
}

// Sync fsyncs the file synchronously.
func (f *File) Sync() error {
	if err := f.f.Sync(); err != nil {
		return fmt.Errorf("fsync failed: %w", err)
	}
	return nil
}

// Truncate resizes the file to size bytes.
func (f *File) Truncate(size int64) error {
	if err := f.f.Truncate(size); err != nil {
		return fmt.Errorf("truncate to %d failed: %w", size, err)
	}
	return nil
}

// Size returns the current file size in bytes.
func (f *File) Size() (int64, error) {
	info, err := f.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat failed: %w", err)
	}
	return info.Size(), nil
}

// Close releases the advisory lock and the file handle.
func (f *File) Close() error {
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	if f.lock != nil {
		if uerr := f.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
		f.lock = nil
	}
	return err
}

// ===========================================================================
// WRITABLE MAPPING
// ===========================================================================

// Map is a writable memory mapping over a byte range of the file.
// The requested range is exposed through Bytes regardless of page alignment.
type Map struct {
	mm    mmap.MMap
	delta int64
}

// WritableMap maps [offset, offset+length) of the file for writing.
// The file must already span the requested range.
func (f *File) WritableMap(offset, length int64) (*Map, error) {
	if length <= 0 {
		return nil, fmt.Errorf("invalid map length %d", length)
	}
	page := int64(os.Getpagesize())
	base := offset - offset%page
	delta := offset - base
	mm, err := mmap.MapRegion(f.f, int(length+delta), mmap.RDWR, 0, base)
	if err != nil {
		return nil, fmt.Errorf("mmap of [%d,%d) failed: %w", offset, offset+length, err)
	}
	return &Map{mm: mm, delta: delta}, nil
}

// Bytes returns the writable slice covering the requested range.
func (m *Map) Bytes() []byte {
	return m.mm[m.delta:]
}

// Flush forces mapped writes to the file.
func (m *Map) Flush() error {
	return m.mm.Flush()
}

// Close unmaps the region.
func (m *Map) Close() error {
	return m.mm.Unmap()
}
