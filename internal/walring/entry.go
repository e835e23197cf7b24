package walring

import (
	"fmt"
	"math"

	"github.com/framevault/framevault/internal/container"
)

// ===========================================================================
// WAL ENTRY CODEC
// ===========================================================================
//
// Data record payloads carry one mutation entry: a 1-byte opcode followed
// by fixed-layout fields using the shared container codec (u32 LE counts,
// 0/1 optional tags, inlined 32-byte digests, little-endian float32
// vectors).
//
// Opcodes:
//   1  putFrame        full frame metadata (payload already in data region)
//   2  deleteFrame     frame id
//   3  supersedeFrame  old id, new id
//   4  putEmbedding    frame id, dimension, vector
//
// putFrame historically existed without the trailing canonical/stored
// digest fields. The decoder accepts that short form for legacy files;
// the encoder always emits the extended form.
//
// ===========================================================================

// EntryKind is the opcode of a WAL entry.
type EntryKind uint8

const (
	EntryPutFrame       EntryKind = 1
	EntryDeleteFrame    EntryKind = 2
	EntrySupersedeFrame EntryKind = 3
	EntryPutEmbedding   EntryKind = 4
)

// String returns a human-readable name for the entry kind.
func (k EntryKind) String() string {
	switch k {
	case EntryPutFrame:
		return "putFrame"
	case EntryDeleteFrame:
		return "deleteFrame"
	case EntrySupersedeFrame:
		return "supersedeFrame"
	case EntryPutEmbedding:
		return "putEmbedding"
	default:
		return "unknown"
	}
}

// Entry is one decoded WAL mutation.
type Entry interface {
	Kind() EntryKind
}

// PutFrameEntry records a new pending frame.
type PutFrameEntry struct {
	Frame container.FrameMeta
}

func (PutFrameEntry) Kind() EntryKind { return EntryPutFrame }

// DeleteFrameEntry records a pending deletion.
type DeleteFrameEntry struct {
	ID uint64
}

func (DeleteFrameEntry) Kind() EntryKind { return EntryDeleteFrame }

// SupersedeFrameEntry records a pending supersession: New supersedes Old.
type SupersedeFrameEntry struct {
	Old uint64
	New uint64
}

func (SupersedeFrameEntry) Kind() EntryKind { return EntrySupersedeFrame }

// PutEmbeddingEntry records a pending embedding.
type PutEmbeddingEntry struct {
	FrameID uint64
	Vector  []float32
}

func (PutEmbeddingEntry) Kind() EntryKind { return EntryPutEmbedding }

// EncodeEntry serializes an entry payload.
func EncodeEntry(e Entry) ([]byte, error) {
	switch v := e.(type) {
	case PutFrameEntry:
		enc := container.NewEncoder(256)
		enc.U8(uint8(EntryPutFrame))
		container.EncodeFrame(enc, &v.Frame)
		return enc.Bytes(), nil
	case DeleteFrameEntry:
		enc := container.NewEncoder(16)
		enc.U8(uint8(EntryDeleteFrame))
		enc.U64(v.ID)
		return enc.Bytes(), nil
	case SupersedeFrameEntry:
		enc := container.NewEncoder(24)
		enc.U8(uint8(EntrySupersedeFrame))
		enc.U64(v.Old)
		enc.U64(v.New)
		return enc.Bytes(), nil
	case PutEmbeddingEntry:
		enc := container.NewEncoder(16 + 4*len(v.Vector))
		enc.U8(uint8(EntryPutEmbedding))
		enc.U64(v.FrameID)
		enc.U32(uint32(len(v.Vector)))
		for _, f := range v.Vector {
			enc.U32(math.Float32bits(f))
		}
		return enc.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown entry type %T", e)
	}
}

// DecodeEntry parses an entry payload.
func DecodeEntry(payload []byte) (Entry, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty entry payload")
	}
	dec := container.NewDecoder(payload)
	kind := EntryKind(dec.U8())
	switch kind {
	case EntryPutFrame:
		f, err := container.DecodeFrame(dec, true)
		if err != nil {
			return nil, fmt.Errorf("failed to decode putFrame entry: %w", err)
		}
		return PutFrameEntry{Frame: f}, nil
	case EntryDeleteFrame:
		id := dec.U64()
		if err := dec.Err(); err != nil {
			return nil, fmt.Errorf("failed to decode deleteFrame entry: %w", err)
		}
		return DeleteFrameEntry{ID: id}, nil
	case EntrySupersedeFrame:
		old := dec.U64()
		newer := dec.U64()
		if err := dec.Err(); err != nil {
			return nil, fmt.Errorf("failed to decode supersedeFrame entry: %w", err)
		}
		return SupersedeFrameEntry{Old: old, New: newer}, nil
	case EntryPutEmbedding:
		id := dec.U64()
		dim := dec.U32()
		if err := dec.Err(); err != nil {
			return nil, fmt.Errorf("failed to decode putEmbedding entry: %w", err)
		}
		vec := make([]float32, dim)
		for i := range vec {
			vec[i] = math.Float32frombits(dec.U32())
		}
		if err := dec.Err(); err != nil {
			return nil, fmt.Errorf("failed to decode putEmbedding vector: %w", err)
		}
		return PutEmbeddingEntry{FrameID: id, Vector: vec}, nil
	default:
		return nil, fmt.Errorf("unknown entry opcode %d", kind)
	}
}
