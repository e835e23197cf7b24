package vector

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ===========================================================================
// VECTOR BLOB CODEC
// ===========================================================================
//
// Two encoded variants exist:
//
//   VECF  the flat archival form: ids followed by row-major float32
//         vectors. This is what Serialize emits and what the TOC vec
//         manifest describes.
//   VECN  the flat form plus a trailing serialized neighbor-list section
//         produced by an accelerated build. On load the neighbor lists
//         are skipped; the index searches exactly and keeps none.
//
// Layout (little-endian):
// ┌──────────┬────────┬───────────────┬────────┬──────────┬─────────────┐
// │ Magic(4) │ Ver(1) │ Similarity(1) │ Dim(4) │ Count(8) │ ids, rows.. │
// └──────────┴────────┴───────────────┴────────┴──────────┴─────────────┘
//
// ===========================================================================

var (
	flatMagic     = [4]byte{'V', 'E', 'C', 'F'}
	neighborMagic = [4]byte{'V', 'E', 'C', 'N'}
)

const blobVersion = 1

const blobHeaderSize = 4 + 1 + 1 + 4 + 8

// Serialize encodes the index in the flat archival form.
func (x *Index) Serialize() []byte {
	x.mu.RLock()
	defer x.mu.RUnlock()

	count := len(x.ids)
	out := make([]byte, blobHeaderSize+8*count+4*x.dim*count)
	copy(out[0:], flatMagic[:])
	out[4] = blobVersion
	out[5] = byte(x.similarity)
	binary.LittleEndian.PutUint32(out[6:], uint32(x.dim))
	binary.LittleEndian.PutUint64(out[10:], uint64(count))

	off := blobHeaderSize
	for _, id := range x.ids {
		binary.LittleEndian.PutUint64(out[off:], id)
		off += 8
	}
	for _, row := range x.rows {
		for _, f := range row {
			binary.LittleEndian.PutUint32(out[off:], math.Float32bits(f))
			off += 4
		}
	}
	return out
}

// Deserialize reconstructs an index from either blob variant, validating
// that dimension and similarity match the engine configuration.
func Deserialize(data []byte, wantDim int, wantSimilarity Similarity) (*Index, error) {
	if len(data) < blobHeaderSize {
		return nil, fmt.Errorf("vector blob is %d bytes, shorter than its header", len(data))
	}
	var magic [4]byte
	copy(magic[:], data)
	if magic != flatMagic && magic != neighborMagic {
		return nil, fmt.Errorf("unknown vector blob magic %q", magic)
	}
	if v := data[4]; v != blobVersion {
		return nil, fmt.Errorf("unsupported vector blob version %d", v)
	}
	similarity := Similarity(data[5])
	dim := int(binary.LittleEndian.Uint32(data[6:]))
	count := int(binary.LittleEndian.Uint64(data[10:]))

	if dim != wantDim {
		return nil, fmt.Errorf("vector blob dimension %d does not match configured %d", dim, wantDim)
	}
	if similarity != wantSimilarity {
		return nil, fmt.Errorf("vector blob similarity %s does not match configured %s", similarity, wantSimilarity)
	}

	need := blobHeaderSize + 8*count + 4*dim*count
	if len(data) < need {
		return nil, fmt.Errorf("vector blob truncated: need %d bytes, have %d", need, len(data))
	}
	// VECN carries a trailing neighbor section past `need`; it is dropped
	// here and not rebuilt.

	x, err := New(dim, similarity)
	if err != nil {
		return nil, err
	}
	off := blobHeaderSize
	ids := make([]uint64, count)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}
	rows := make([][]float32, count)
	for i := range rows {
		row := make([]float32, dim)
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		rows[i] = row
	}
	if err := x.AddBatch(ids, rows); err != nil {
		return nil, err
	}
	return x, nil
}
