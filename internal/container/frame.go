package container

import (
	"fmt"

	"github.com/framevault/framevault/internal/compress"
)

// ===========================================================================
// FRAME METADATA
// ===========================================================================
//
// A frame is an opaque byte payload plus metadata. Committed frames live in
// the TOC in dense id order; pending frames live in WAL putFrame records
// with the identical field layout, so the codec here is shared by both.
//
// ===========================================================================

// FrameStatus is the lifecycle state of a committed frame.
type FrameStatus uint8

const (
	StatusActive  FrameStatus = 0
	StatusDeleted FrameStatus = 1
)

// String returns a human-readable name for the status.
func (s FrameStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Tag is an ordered key/value pair attached to a frame.
type Tag struct {
	Key   string
	Value string
}

// FrameMeta is the full metadata record of a frame.
//
// Optional string fields use the empty string as absent; optional numeric
// fields are pointers. Metadata keys encode in sorted order so the byte
// form is canonical.
type FrameMeta struct {
	ID        uint64
	CaptureMs int64
	AnchorMs  *int64

	Kind       string
	Track      string
	URI        string
	Title      string
	SearchText string

	Tags         []Tag
	Labels       []string
	ContentDates []int64
	Role         string
	ParentID     *uint64

	ChunkIndex    uint32
	ChunkCount    uint32
	ChunkManifest []byte

	Status       FrameStatus
	Supersedes   *uint64
	SupersededBy *uint64

	Metadata map[string]string

	PayloadOffset   uint64
	PayloadLength   uint64
	Encoding        compress.Encoding
	CanonicalLength *uint64
	CanonicalDigest [32]byte
	StoredDigest    [32]byte
}

// Clone returns a deep copy of the frame metadata.
func (f *FrameMeta) Clone() FrameMeta {
	out := *f
	if f.AnchorMs != nil {
		v := *f.AnchorMs
		out.AnchorMs = &v
	}
	if f.ParentID != nil {
		v := *f.ParentID
		out.ParentID = &v
	}
	if f.Supersedes != nil {
		v := *f.Supersedes
		out.Supersedes = &v
	}
	if f.SupersededBy != nil {
		v := *f.SupersededBy
		out.SupersededBy = &v
	}
	if f.CanonicalLength != nil {
		v := *f.CanonicalLength
		out.CanonicalLength = &v
	}
	out.Tags = append([]Tag(nil), f.Tags...)
	out.Labels = append([]string(nil), f.Labels...)
	out.ContentDates = append([]int64(nil), f.ContentDates...)
	out.ChunkManifest = append([]byte(nil), f.ChunkManifest...)
	if f.Metadata != nil {
		out.Metadata = make(map[string]string, len(f.Metadata))
		for k, v := range f.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Validate checks the frame's internal invariants.
func (f *FrameMeta) Validate() error {
	if f.Encoding != compress.Plain && f.CanonicalLength == nil {
		return &InvalidTOCError{Reason: fmt.Sprintf("frame %d: compressed encoding without canonical length", f.ID)}
	}
	if f.PayloadLength > 0 && f.StoredDigest == ([32]byte{}) {
		return &InvalidTOCError{Reason: fmt.Sprintf("frame %d: non-empty payload without stored digest", f.ID)}
	}
	if f.Encoding == compress.Plain && f.CanonicalDigest != f.StoredDigest {
		return &InvalidTOCError{Reason: fmt.Sprintf("frame %d: plain payload with diverging digests", f.ID)}
	}
	if f.Supersedes != nil && *f.Supersedes == f.ID {
		return &InvalidTOCError{Reason: fmt.Sprintf("frame %d supersedes itself", f.ID)}
	}
	if f.SupersededBy != nil && *f.SupersededBy == f.ID {
		return &InvalidTOCError{Reason: fmt.Sprintf("frame %d superseded by itself", f.ID)}
	}
	return nil
}

// EncodeFrame appends the frame's canonical encoding to enc.
func EncodeFrame(enc *Encoder, f *FrameMeta) {
	enc.U64(f.ID)
	enc.I64(f.CaptureMs)
	enc.OptI64(f.AnchorMs)
	enc.OptStr(f.Kind)
	enc.OptStr(f.Track)
	enc.OptStr(f.URI)
	enc.OptStr(f.Title)
	enc.OptStr(f.SearchText)
	enc.U32(uint32(len(f.Tags)))
	for _, t := range f.Tags {
		enc.Str(t.Key)
		enc.Str(t.Value)
	}
	enc.U32(uint32(len(f.Labels)))
	for _, l := range f.Labels {
		enc.Str(l)
	}
	enc.U32(uint32(len(f.ContentDates)))
	for _, d := range f.ContentDates {
		enc.I64(d)
	}
	enc.OptStr(f.Role)
	enc.OptU64(f.ParentID)
	enc.U32(f.ChunkIndex)
	enc.U32(f.ChunkCount)
	enc.OptBlob(f.ChunkManifest)
	enc.U8(uint8(f.Status))
	enc.OptU64(f.Supersedes)
	enc.OptU64(f.SupersededBy)
	enc.StrMap(f.Metadata)
	enc.U64(f.PayloadOffset)
	enc.U64(f.PayloadLength)
	enc.U8(uint8(f.Encoding))
	enc.OptU64(f.CanonicalLength)
	enc.Fixed32(f.CanonicalDigest)
	enc.Fixed32(f.StoredDigest)
}

// DecodeFrame reads one frame from dec. When allowLegacy is set and the
// buffer ends exactly before the digest extension, the digests decode as
// zero; this accepts the historical short putFrame form.
func DecodeFrame(dec *Decoder, allowLegacy bool) (FrameMeta, error) {
	var f FrameMeta
	f.ID = dec.U64()
	f.CaptureMs = dec.I64()
	f.AnchorMs = dec.OptI64()
	f.Kind = dec.OptStr()
	f.Track = dec.OptStr()
	f.URI = dec.OptStr()
	f.Title = dec.OptStr()
	f.SearchText = dec.OptStr()
	nTags := dec.U32()
	for i := uint32(0); i < nTags && dec.Err() == nil; i++ {
		f.Tags = append(f.Tags, Tag{Key: dec.Str(), Value: dec.Str()})
	}
	nLabels := dec.U32()
	for i := uint32(0); i < nLabels && dec.Err() == nil; i++ {
		f.Labels = append(f.Labels, dec.Str())
	}
	nDates := dec.U32()
	for i := uint32(0); i < nDates && dec.Err() == nil; i++ {
		f.ContentDates = append(f.ContentDates, dec.I64())
	}
	f.Role = dec.OptStr()
	f.ParentID = dec.OptU64()
	f.ChunkIndex = dec.U32()
	f.ChunkCount = dec.U32()
	f.ChunkManifest = dec.OptBlob()
	f.Status = FrameStatus(dec.U8())
	f.Supersedes = dec.OptU64()
	f.SupersededBy = dec.OptU64()
	f.Metadata = dec.StrMap()
	f.PayloadOffset = dec.U64()
	f.PayloadLength = dec.U64()
	f.Encoding = compress.Encoding(dec.U8())
	f.CanonicalLength = dec.OptU64()
	if err := dec.Err(); err != nil {
		return f, err
	}
	if allowLegacy && dec.Remaining() == 0 {
		// Historical short form without the digest extension.
		return f, nil
	}
	f.CanonicalDigest = dec.Fixed32()
	f.StoredDigest = dec.Fixed32()
	if err := dec.Err(); err != nil {
		return f, err
	}
	if f.Status > StatusDeleted {
		return f, &DecodingError{Reason: fmt.Sprintf("frame %d: invalid status %d", f.ID, f.Status)}
	}
	if !f.Encoding.Valid() {
		return f, &DecodingError{Reason: fmt.Sprintf("frame %d: invalid encoding %d", f.ID, f.Encoding)}
	}
	return f, nil
}
