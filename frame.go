package framevault

import (
	"github.com/framevault/framevault/internal/compress"
	"github.com/framevault/framevault/internal/container"
	"github.com/framevault/framevault/internal/lex"
	"github.com/framevault/framevault/internal/vector"
)

// ===========================================================================
// PUBLIC DATA MODEL
// ===========================================================================
//
// Frame metadata and the codec-facing types live in internal/container;
// they are aliased here so the public API and the on-disk codec can never
// drift apart.
//
// ===========================================================================

// FrameMeta is the full metadata record of a frame.
type FrameMeta = container.FrameMeta

// Tag is an ordered key/value pair attached to a frame.
type Tag = container.Tag

// FrameStatus is the lifecycle state of a committed frame.
type FrameStatus = container.FrameStatus

// Frame lifecycle states.
const (
	StatusActive  = container.StatusActive
	StatusDeleted = container.StatusDeleted
)

// PayloadEncoding tags the stored form of a payload.
type PayloadEncoding = compress.Encoding

// Payload encodings.
const (
	EncodingPlain = compress.Plain
	EncodingLZ4   = compress.LZ4
	EncodingZstd  = compress.Zstd
)

// VectorIndex is the single-writer vector engine. Callers build and
// serialize one to stage it for the next commit.
type VectorIndex = vector.Index

// NewVectorIndex constructs an empty vector engine with a fixed
// dimension.
func NewVectorIndex(dimension int, metric Metric) (*VectorIndex, error) {
	return vector.New(dimension, metric)
}

// DeserializeVectorIndex reconstructs a vector engine from a serialized
// blob, validating dimension and metric against the configuration.
func DeserializeVectorIndex(data []byte, dimension int, metric Metric) (*VectorIndex, error) {
	return vector.Deserialize(data, dimension, metric)
}

// VectorHit is one vector search result.
type VectorHit = vector.Hit

// Structured-memory types, shared with the lex engine.
type (
	// AsOf is a bitemporal query point.
	AsOf = lex.AsOf
	// Entity is a stable structured-memory subject.
	Entity = lex.Entity
	// Interval is a half-open [From, To) range; nil To means open.
	Interval = lex.Interval
	// EvidenceRef links an assertion to its source frame.
	EvidenceRef = lex.EvidenceRef
	// Fact is one visible (fact, span) pair.
	Fact = lex.Fact
)

// AsOfBoth sets both bitemporal axes to the same instant.
func AsOfBoth(ms int64) AsOf {
	return AsOf{SystemMs: ms, ValidMs: ms}
}

// AsOfLatest is the "latest" sentinel: the maximum representable time on
// both axes, never wall-clock.
func AsOfLatest() AsOf {
	return lex.Latest()
}

// PutOptions carries the caller-supplied metadata of a new frame.
type PutOptions struct {
	CaptureMs  int64
	AnchorMs   *int64
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

	Metadata map[string]string
}
