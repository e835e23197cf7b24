package container

import (
	"fmt"
	"sort"

	"github.com/framevault/framevault/internal/digest"
)

// ===========================================================================
// TABLE OF CONTENTS
// ===========================================================================
//
// The TOC is the on-disk index of one generation: a dense sequence of
// frames (order matches id), optional index manifests (lex / vec / time),
// a segment catalog tying each manifest to a kind-tagged byte range in the
// data region, a reserved Merkle-root slot (zeros in v1), and a trailing
// 32-byte checksum computed over the TOC body with the checksum slot
// zeroed.
//
// Two digests exist around the TOC and are distinct on purpose:
//   - the trailing TOC checksum (stored in the TOC and the header page)
//   - the footer's toc_hash, a digest of the complete encoded TOC bytes
//     including the trailing checksum, used to pair a footer with its TOC
//     during recovery.
//
// ===========================================================================

// TOCVersion is the current TOC format version.
const TOCVersion uint32 = 1

// SegmentKind tags a byte range in the data region.
type SegmentKind uint8

const (
	SegmentLex  SegmentKind = 1
	SegmentVec  SegmentKind = 2
	SegmentTime SegmentKind = 3
)

// String returns a human-readable name for the segment kind.
func (k SegmentKind) String() string {
	switch k {
	case SegmentLex:
		return "lex"
	case SegmentVec:
		return "vec"
	case SegmentTime:
		return "time"
	default:
		return "unknown"
	}
}

// Segment is one catalog entry: a kind-tagged, checksummed byte range.
type Segment struct {
	Kind     SegmentKind
	Offset   uint64
	Length   uint64
	Checksum [32]byte
}

// LexManifest describes the embedded relational-text index blob.
type LexManifest struct {
	Offset   uint64
	Length   uint64
	Checksum [32]byte
	DocCount uint64
	Version  uint32
}

// VecManifest describes the vector index blob.
type VecManifest struct {
	Offset      uint64
	Length      uint64
	Checksum    [32]byte
	VectorCount uint64
	Dimension   uint32
	Similarity  uint8
}

// TimeManifest describes the timeline index blob.
type TimeManifest struct {
	Offset     uint64
	Length     uint64
	Checksum   [32]byte
	EntryCount uint64
}

// TOC is the decoded table of contents of one generation.
type TOC struct {
	Frames   []FrameMeta
	Lex      *LexManifest
	Vec      *VecManifest
	Time     *TimeManifest
	Segments []Segment
}

// Clone returns a deep copy, used to build trial TOCs during commit.
func (t *TOC) Clone() *TOC {
	out := &TOC{}
	out.Frames = make([]FrameMeta, len(t.Frames))
	for i := range t.Frames {
		out.Frames[i] = t.Frames[i].Clone()
	}
	if t.Lex != nil {
		v := *t.Lex
		out.Lex = &v
	}
	if t.Vec != nil {
		v := *t.Vec
		out.Vec = &v
	}
	if t.Time != nil {
		v := *t.Time
		out.Time = &v
	}
	out.Segments = append([]Segment(nil), t.Segments...)
	return out
}

// Encode serializes the TOC and returns the bytes plus the trailing
// checksum (which is also stored in the header page).
func (t *TOC) Encode() ([]byte, [32]byte) {
	enc := NewEncoder(1024 + 256*len(t.Frames))
	enc.U32(TOCVersion)
	enc.U32(uint32(len(t.Frames)))
	for i := range t.Frames {
		EncodeFrame(enc, &t.Frames[i])
	}
	if t.Lex != nil {
		enc.U8(1)
		enc.U64(t.Lex.Offset)
		enc.U64(t.Lex.Length)
		enc.Fixed32(t.Lex.Checksum)
		enc.U64(t.Lex.DocCount)
		enc.U32(t.Lex.Version)
	} else {
		enc.U8(0)
	}
	if t.Vec != nil {
		enc.U8(1)
		enc.U64(t.Vec.Offset)
		enc.U64(t.Vec.Length)
		enc.Fixed32(t.Vec.Checksum)
		enc.U64(t.Vec.VectorCount)
		enc.U32(t.Vec.Dimension)
		enc.U8(t.Vec.Similarity)
	} else {
		enc.U8(0)
	}
	if t.Time != nil {
		enc.U8(1)
		enc.U64(t.Time.Offset)
		enc.U64(t.Time.Length)
		enc.Fixed32(t.Time.Checksum)
		enc.U64(t.Time.EntryCount)
	} else {
		enc.U8(0)
	}
	enc.U32(uint32(len(t.Segments)))
	for _, s := range t.Segments {
		enc.U8(uint8(s.Kind))
		enc.U64(s.Offset)
		enc.U64(s.Length)
		enc.Fixed32(s.Checksum)
	}
	var merkle [32]byte // reserved, zeros in v1
	enc.Fixed32(merkle)

	body := enc.Bytes()
	withSlot := make([]byte, len(body)+32)
	copy(withSlot, body)
	sum := digest.Sum(withSlot)
	copy(withSlot[len(body):], sum[:])
	return withSlot, sum
}

// DecodeTOC parses TOC bytes, verifying the trailing checksum.
func DecodeTOC(data []byte) (*TOC, [32]byte, error) {
	var sum [32]byte
	if len(data) < 32 {
		return nil, sum, &InvalidTOCError{Reason: "too short for trailing checksum"}
	}
	body := data[:len(data)-32]
	copy(sum[:], data[len(data)-32:])
	scratch := make([]byte, len(data))
	copy(scratch, body)
	if digest.Sum(scratch) != sum {
		return nil, sum, &ChecksumMismatchError{Scope: "toc"}
	}

	dec := NewDecoder(body)
	if v := dec.U32(); v != TOCVersion {
		return nil, sum, &InvalidTOCError{Reason: fmt.Sprintf("unsupported toc version %d", v)}
	}
	t := &TOC{}
	nFrames := dec.U32()
	for i := uint32(0); i < nFrames; i++ {
		f, err := decodeTOCFrame(dec)
		if err != nil {
			return nil, sum, err
		}
		t.Frames = append(t.Frames, f)
	}
	if dec.Bool() {
		m := &LexManifest{Offset: dec.U64(), Length: dec.U64(), Checksum: dec.Fixed32(), DocCount: dec.U64(), Version: dec.U32()}
		t.Lex = m
	}
	if dec.Bool() {
		m := &VecManifest{Offset: dec.U64(), Length: dec.U64(), Checksum: dec.Fixed32(), VectorCount: dec.U64(), Dimension: dec.U32(), Similarity: dec.U8()}
		t.Vec = m
	}
	if dec.Bool() {
		m := &TimeManifest{Offset: dec.U64(), Length: dec.U64(), Checksum: dec.Fixed32(), EntryCount: dec.U64()}
		t.Time = m
	}
	nSegs := dec.U32()
	for i := uint32(0); i < nSegs && dec.Err() == nil; i++ {
		t.Segments = append(t.Segments, Segment{
			Kind:     SegmentKind(dec.U8()),
			Offset:   dec.U64(),
			Length:   dec.U64(),
			Checksum: dec.Fixed32(),
		})
	}
	dec.Fixed32() // reserved Merkle root
	if err := dec.Err(); err != nil {
		return nil, sum, err
	}
	if dec.Remaining() != 0 {
		return nil, sum, &InvalidTOCError{Reason: fmt.Sprintf("%d trailing bytes after toc body", dec.Remaining())}
	}
	return t, sum, nil
}

// decodeTOCFrame decodes a frame without the legacy short-form allowance;
// TOC frames always carry the digest extension.
func decodeTOCFrame(dec *Decoder) (FrameMeta, error) {
	return DecodeFrame(dec, false)
}

// Validate checks the TOC's structural invariants against the data region
// bounds [dataStart, footerOffset).
func (t *TOC) Validate(dataStart, footerOffset uint64) error {
	// Dense ids starting at 0, order matching id.
	for i := range t.Frames {
		if t.Frames[i].ID != uint64(i) {
			return &InvalidTOCError{Reason: fmt.Sprintf("frame at index %d has id %d (ids must be dense)", i, t.Frames[i].ID)}
		}
		if err := t.Frames[i].Validate(); err != nil {
			return err
		}
	}

	// Supersede symmetry against existing distinct ids.
	n := uint64(len(t.Frames))
	for i := range t.Frames {
		f := &t.Frames[i]
		if f.SupersededBy != nil {
			b := *f.SupersededBy
			if b >= n {
				return &InvalidTOCError{Reason: fmt.Sprintf("frame %d superseded by unknown frame %d", f.ID, b)}
			}
			if t.Frames[b].Supersedes == nil || *t.Frames[b].Supersedes != f.ID {
				return &InvalidTOCError{Reason: fmt.Sprintf("supersede link %d<->%d is not symmetric", f.ID, b)}
			}
		}
		if f.Supersedes != nil {
			a := *f.Supersedes
			if a >= n {
				return &InvalidTOCError{Reason: fmt.Sprintf("frame %d supersedes unknown frame %d", f.ID, a)}
			}
			if t.Frames[a].SupersededBy == nil || *t.Frames[a].SupersededBy != f.ID {
				return &InvalidTOCError{Reason: fmt.Sprintf("supersede link %d<->%d is not symmetric", a, f.ID)}
			}
		}
	}

	// Payload ranges inside the data region.
	for i := range t.Frames {
		f := &t.Frames[i]
		if f.PayloadLength == 0 {
			continue
		}
		if f.PayloadOffset < dataStart {
			return &InvalidTOCError{Reason: fmt.Sprintf("frame %d payload starts at %d, before data region %d", f.ID, f.PayloadOffset, dataStart)}
		}
		if f.PayloadOffset+f.PayloadLength > footerOffset {
			return &InvalidTOCError{Reason: fmt.Sprintf("frame %d payload ends at %d, past footer %d", f.ID, f.PayloadOffset+f.PayloadLength, footerOffset)}
		}
	}

	// Segments strictly increasing by offset, non-overlapping, in bounds.
	segs := append([]Segment(nil), t.Segments...)
	sorted := sort.SliceIsSorted(segs, func(i, j int) bool { return segs[i].Offset < segs[j].Offset })
	if !sorted {
		return &InvalidTOCError{Reason: "segment catalog not ordered by offset"}
	}
	for i, s := range segs {
		if s.Offset < dataStart || s.Offset+s.Length > footerOffset {
			return &InvalidTOCError{Reason: fmt.Sprintf("segment %s at [%d,%d) outside data region", s.Kind, s.Offset, s.Offset+s.Length)}
		}
		if i > 0 {
			prev := segs[i-1]
			if s.Offset < prev.Offset+prev.Length {
				return &InvalidTOCError{Reason: fmt.Sprintf("segments %s and %s overlap", prev.Kind, s.Kind)}
			}
		}
	}

	// Each manifest pairs with exactly one segment of the same kind.
	if err := t.checkManifestSegment(SegmentLex, t.Lex != nil, func() (uint64, uint64, [32]byte) {
		return t.Lex.Offset, t.Lex.Length, t.Lex.Checksum
	}); err != nil {
		return err
	}
	if err := t.checkManifestSegment(SegmentVec, t.Vec != nil, func() (uint64, uint64, [32]byte) {
		return t.Vec.Offset, t.Vec.Length, t.Vec.Checksum
	}); err != nil {
		return err
	}
	if err := t.checkManifestSegment(SegmentTime, t.Time != nil, func() (uint64, uint64, [32]byte) {
		return t.Time.Offset, t.Time.Length, t.Time.Checksum
	}); err != nil {
		return err
	}
	return nil
}

func (t *TOC) checkManifestSegment(kind SegmentKind, present bool, fields func() (uint64, uint64, [32]byte)) error {
	count := 0
	var seg Segment
	for _, s := range t.Segments {
		if s.Kind == kind {
			count++
			seg = s
		}
	}
	if !present {
		if count != 0 {
			return &InvalidTOCError{Reason: fmt.Sprintf("%s segment without matching manifest", kind)}
		}
		return nil
	}
	if count != 1 {
		return &InvalidTOCError{Reason: fmt.Sprintf("%s manifest needs exactly one segment, found %d", kind, count)}
	}
	off, length, sum := fields()
	if seg.Offset != off || seg.Length != length || seg.Checksum != sum {
		return &InvalidTOCError{Reason: fmt.Sprintf("%s segment disagrees with its manifest", kind)}
	}
	return nil
}
