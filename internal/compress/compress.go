package compress

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ===========================================================================
// PAYLOAD COMPRESSORS
// ===========================================================================
//
// Frame payloads carry a canonical encoding tag. Tag 0 is plain bytes; the
// two reserved compressors are LZ4 block compression (tag 1) and zstd
// (tag 2). Compressed frames additionally store the canonical length so a
// reader can allocate the exact output buffer before decompressing.
//
// A compressor is only kept when its output is strictly shorter than the
// input; otherwise the payload stays plain.
//
// ===========================================================================

// Encoding identifies the canonical encoding of a stored payload.
type Encoding uint8

const (
	Plain Encoding = 0
	LZ4   Encoding = 1
	Zstd  Encoding = 2
)

// String returns a human-readable name for the encoding.
func (e Encoding) String() string {
	switch e {
	case Plain:
		return "plain"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Valid reports whether the tag is a known encoding.
func (e Encoding) Valid() bool {
	return e <= Zstd
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

func zstdInit() {
	zstdOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil)
		zstdDec, _ = zstd.NewReader(nil)
	})
}

// Compress compresses src with the requested encoding. For Plain it
// returns src unchanged.
func Compress(enc Encoding, src []byte) ([]byte, error) {
	switch enc {
	case Plain:
		return src, nil
	case LZ4:
		var c lz4.Compressor
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := c.CompressBlock(src, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		if n == 0 {
			// Incompressible input; caller falls back to plain.
			return src, nil
		}
		return dst[:n], nil
	case Zstd:
		zstdInit()
		return zstdEnc.EncodeAll(src, nil), nil
	default:
		return nil, fmt.Errorf("unknown encoding %d", enc)
	}
}

// CompressIfSmaller compresses src and keeps the result only when it is
// strictly shorter than the input. The returned encoding is Plain when the
// compressed form did not win.
func CompressIfSmaller(enc Encoding, src []byte) ([]byte, Encoding, error) {
	if enc == Plain {
		return src, Plain, nil
	}
	out, err := Compress(enc, src)
	if err != nil {
		return nil, Plain, err
	}
	if len(out) >= len(src) {
		return src, Plain, nil
	}
	return out, enc, nil
}

// Decompress expands src back to canonicalLen bytes. For Plain it returns
// src unchanged.
func Decompress(enc Encoding, src []byte, canonicalLen int) ([]byte, error) {
	switch enc {
	case Plain:
		return src, nil
	case LZ4:
		dst := make([]byte, canonicalLen)
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression failed: %w", err)
		}
		if n != canonicalLen {
			return nil, fmt.Errorf("lz4 decompression produced %d bytes, expected %d", n, canonicalLen)
		}
		return dst, nil
	case Zstd:
		zstdInit()
		out, err := zstdDec.DecodeAll(src, make([]byte, 0, canonicalLen))
		if err != nil {
			return nil, fmt.Errorf("zstd decompression failed: %w", err)
		}
		if len(out) != canonicalLen {
			return nil, fmt.Errorf("zstd decompression produced %d bytes, expected %d", len(out), canonicalLen)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown encoding %d", enc)
	}
}
