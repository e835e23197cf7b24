package container

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/framevault/framevault/internal/compress"
	"github.com/framevault/framevault/internal/digest"
)

// fullFrame returns a frame exercising every optional field.
func fullFrame(t *testing.T) FrameMeta {
	t.Helper()
	anchor := int64(777)
	parent := uint64(3)
	supersededBy := uint64(9)
	canonicalLen := uint64(4096)
	return FrameMeta{
		ID:              5,
		CaptureMs:       1700000000000,
		AnchorMs:        &anchor,
		Kind:            "segment",
		Track:           "video",
		URI:             "file:///clip.mov",
		Title:           "Clip",
		SearchText:      "hello transcript",
		Tags:            []Tag{{Key: "lang", Value: "en"}, {Key: "speaker", Value: "a"}},
		Labels:          []string{"indoor", "meeting"},
		ContentDates:    []int64{1699999999000},
		Role:            "chunk",
		ParentID:        &parent,
		ChunkIndex:      2,
		ChunkCount:      7,
		ChunkManifest:   []byte{0xde, 0xad},
		Status:          StatusActive,
		SupersededBy:    &supersededBy,
		Metadata:        map[string]string{"b": "2", "a": "1"},
		PayloadOffset:   1 << 20,
		PayloadLength:   4000,
		Encoding:        compress.Zstd,
		CanonicalLength: &canonicalLen,
		CanonicalDigest: digest.Sum([]byte("canon")),
		StoredDigest:    digest.Sum([]byte("stored")),
	}
}

// TestFrameRoundTrip verifies encode-then-decode identity for a frame
// with every optional field set.
func TestFrameRoundTrip(t *testing.T) {
	f := fullFrame(t)
	enc := NewEncoder(256)
	EncodeFrame(enc, &f)

	dec := NewDecoder(enc.Bytes())
	back, err := DecodeFrame(dec, false)
	assert.NilError(t, err)
	assert.DeepEqual(t, back, f)
	assert.Equal(t, dec.Remaining(), 0)
}

// TestFrameRoundTripMinimal verifies a frame with only required fields.
func TestFrameRoundTripMinimal(t *testing.T) {
	f := FrameMeta{ID: 0, CaptureMs: 1000}
	enc := NewEncoder(64)
	EncodeFrame(enc, &f)
	back, err := DecodeFrame(NewDecoder(enc.Bytes()), false)
	assert.NilError(t, err)
	assert.Equal(t, back.ID, uint64(0))
	assert.Equal(t, back.CaptureMs, int64(1000))
	assert.Assert(t, back.AnchorMs == nil)
	assert.Assert(t, back.ParentID == nil)
}

// TestFrameLegacyShortForm verifies that a payload ending before the
// digest extension decodes with zero digests when the legacy allowance is
// on, and fails when it is off.
func TestFrameLegacyShortForm(t *testing.T) {
	f := fullFrame(t)
	enc := NewEncoder(256)
	EncodeFrame(enc, &f)
	short := enc.Bytes()[:enc.Len()-2*32] // strip both trailing digests

	back, err := DecodeFrame(NewDecoder(short), true)
	assert.NilError(t, err)
	assert.Equal(t, back.CanonicalDigest, [32]byte{})
	assert.Equal(t, back.StoredDigest, [32]byte{})
	assert.Equal(t, back.ID, f.ID)

	_, err = DecodeFrame(NewDecoder(short), false)
	assert.Assert(t, err != nil)
}

// TestFrameValidate covers the per-frame invariants:
// - compressed encoding requires a canonical length
// - non-empty payload requires a stored digest
// - plain payloads carry equal digests
// - self-supersession is rejected
func TestFrameValidate(t *testing.T) {
	f := fullFrame(t)
	assert.NilError(t, f.Validate())

	bad := f.Clone()
	bad.CanonicalLength = nil
	assert.Assert(t, bad.Validate() != nil)

	bad = f.Clone()
	bad.Encoding = compress.Plain
	bad.CanonicalLength = nil
	// Plain with diverging digests.
	assert.Assert(t, bad.Validate() != nil)

	bad = f.Clone()
	bad.Encoding = compress.Plain
	bad.CanonicalLength = nil
	bad.CanonicalDigest = bad.StoredDigest
	assert.NilError(t, bad.Validate())

	bad = f.Clone()
	self := bad.ID
	bad.Supersedes = &self
	assert.Assert(t, bad.Validate() != nil)
}

// TestFrameClone verifies deep copying of pointer and slice fields.
func TestFrameClone(t *testing.T) {
	f := fullFrame(t)
	c := f.Clone()
	*c.AnchorMs = 1
	c.Tags[0].Value = "zz"
	c.Metadata["a"] = "mutated"
	assert.Equal(t, *f.AnchorMs, int64(777))
	assert.Equal(t, f.Tags[0].Value, "en")
	assert.Equal(t, f.Metadata["a"], "1")
}
