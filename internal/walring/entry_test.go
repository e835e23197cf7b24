package walring

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/framevault/framevault/internal/container"
	"github.com/framevault/framevault/internal/digest"
)

// TestEntryRoundTrip verifies encode-then-decode identity for every
// opcode.
func TestEntryRoundTrip(t *testing.T) {
	entries := []Entry{
		PutFrameEntry{Frame: container.FrameMeta{
			ID:              4,
			CaptureMs:       123,
			Kind:            "segment",
			SearchText:      "hello",
			PayloadOffset:   1 << 16,
			PayloadLength:   10,
			CanonicalDigest: digest.Sum([]byte("x")),
			StoredDigest:    digest.Sum([]byte("x")),
		}},
		DeleteFrameEntry{ID: 9},
		SupersedeFrameEntry{Old: 1, New: 5},
		PutEmbeddingEntry{FrameID: 2, Vector: []float32{0.5, -1.25, 3}},
	}
	for _, e := range entries {
		payload, err := EncodeEntry(e)
		assert.NilError(t, err)
		back, err := DecodeEntry(payload)
		assert.NilError(t, err)
		assert.DeepEqual(t, back, e)
	}
}

// TestPutFrameLegacyShortForm verifies that a putFrame payload ending
// before the digest extension still decodes, with zero digests.
func TestPutFrameLegacyShortForm(t *testing.T) {
	e := PutFrameEntry{Frame: container.FrameMeta{
		ID:              1,
		CaptureMs:       5,
		PayloadOffset:   100,
		PayloadLength:   3,
		CanonicalDigest: digest.Sum([]byte("y")),
		StoredDigest:    digest.Sum([]byte("y")),
	}}
	payload, err := EncodeEntry(e)
	assert.NilError(t, err)

	legacy := payload[:len(payload)-2*32]
	back, err := DecodeEntry(legacy)
	assert.NilError(t, err)
	pf := back.(PutFrameEntry)
	assert.Equal(t, pf.Frame.ID, uint64(1))
	assert.Equal(t, pf.Frame.CanonicalDigest, [32]byte{})
	assert.Equal(t, pf.Frame.StoredDigest, [32]byte{})
}

// TestDecodeEntryRejectsGarbage covers the failure paths.
func TestDecodeEntryRejectsGarbage(t *testing.T) {
	_, err := DecodeEntry(nil)
	assert.Assert(t, err != nil)

	_, err = DecodeEntry([]byte{0xff, 1, 2, 3})
	assert.Assert(t, err != nil)

	// Truncated supersede body.
	_, err = DecodeEntry([]byte{byte(EntrySupersedeFrame), 1, 2})
	assert.Assert(t, err != nil)
}

// TestRecordHeaderRoundTrip verifies the 48-byte framing codec.
func TestRecordHeaderRoundTrip(t *testing.T) {
	h := RecordHeader{Sequence: 12, Length: 345, Flags: FlagPadding, Checksum: digest.EmptySum}
	back, err := DecodeRecordHeader(EncodeRecordHeader(&h))
	assert.NilError(t, err)
	assert.DeepEqual(t, back, h)
	assert.Assert(t, back.IsPadding())
	assert.Assert(t, !back.IsSentinel())

	sentinel, err := DecodeRecordHeader(Sentinel())
	assert.NilError(t, err)
	assert.Assert(t, sentinel.IsSentinel())
}
