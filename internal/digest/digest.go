package digest

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
)

// ===========================================================================
// DIGEST ENGINE
// ===========================================================================
//
// All integrity checks in the container use 32-byte SHA-256 digests:
// payload digests, TOC and header checksums, WAL record checksums, and the
// canonical digests of structured memory. Large ranges are hashed in 1 MiB
// chunks so callers can yield between chunks.
//
// ===========================================================================

// Size is the digest length in bytes.
const Size = sha256.Size

// ChunkSize is the read granularity for streaming digests over large ranges.
const ChunkSize = 1 << 20

// EmptySum is the digest of the empty byte string, used by WAL padding
// records.
var EmptySum = sha256.Sum256(nil)

// Sum computes the digest of data in one shot.
func Sum(data []byte) [Size]byte {
	return sha256.Sum256(data)
}

// Streamer accumulates a digest incrementally.
type Streamer struct {
	h hash.Hash
}

// New returns a fresh streaming digest.
func New() *Streamer {
	return &Streamer{h: sha256.New()}
}

// Write feeds bytes into the digest. It never fails.
func (s *Streamer) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// Sum returns the digest of everything written so far.
func (s *Streamer) Sum() [Size]byte {
	var out [Size]byte
	copy(out[:], s.h.Sum(nil))
	return out
}

// SumRange hashes length bytes of r starting at offset, reading in
// ChunkSize pieces. yield, when non-nil, is invoked after each chunk.
func SumRange(r io.ReaderAt, offset, length int64, yield func()) ([Size]byte, error) {
	var out [Size]byte
	h := sha256.New()
	buf := make([]byte, ChunkSize)
	for length > 0 {
		n := int64(len(buf))
		if n > length {
			n = length
		}
		read, err := r.ReadAt(buf[:n], offset)
		if err != nil && err != io.EOF {
			return out, fmt.Errorf("digest read at offset %d failed: %w", offset, err)
		}
		if int64(read) != n {
			return out, fmt.Errorf("digest short read at offset %d: read %d of %d bytes", offset, read, n)
		}
		h.Write(buf[:n])
		offset += n
		length -= n
		if yield != nil {
			yield()
		}
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}
