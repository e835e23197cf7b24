package walring

import (
	"fmt"

	"github.com/framevault/framevault/internal/container"
	"github.com/framevault/framevault/internal/digest"
)

// ===========================================================================
// WAL RECORD CODEC
// ===========================================================================
//
// The WAL is a fixed-size ring of framed records. Every record starts with
// a 48-byte header:
//
// ┌──────────────┬──────────────┬─────────────┬────────────────────────┐
// │ Sequence(8)  │ Length(4)    │ Flags(4)    │ Checksum(32)           │
// │ uint64 LE    │ uint32 LE    │ uint32 LE   │ SHA-256                │
// └──────────────┴──────────────┴─────────────┴────────────────────────┘
// Offsets: 0              8              12            16
//
// Three record kinds share the framing:
//   Data     sequence > 0, flags without the padding bit,
//            checksum = SHA-256(payload), length = |payload|
//   Padding  sequence > 0, padding bit set, length = bytes to skip,
//            checksum = SHA-256(empty)
//   Sentinel 48 zero bytes, terminating the valid region
//
// ===========================================================================

// HeaderSize is the fixed record header length.
const HeaderSize = 48

// FlagPadding marks a padding record.
const FlagPadding uint32 = 1

// RecordHeader is the decoded framing of one record.
type RecordHeader struct {
	Sequence uint64
	Length   uint32
	Flags    uint32
	Checksum [32]byte
}

// IsSentinel reports whether the header is the zero sentinel.
func (h *RecordHeader) IsSentinel() bool {
	return h.Sequence == 0 && h.Length == 0 && h.Flags == 0 && h.Checksum == [32]byte{}
}

// IsPadding reports whether the padding bit is set.
func (h *RecordHeader) IsPadding() bool {
	return h.Flags&FlagPadding != 0
}

// EncodeRecordHeader serializes the header into a fresh 48-byte buffer.
func EncodeRecordHeader(h *RecordHeader) []byte {
	buf := make([]byte, HeaderSize)
	container.ByteOrder.PutUint64(buf[0:], h.Sequence)
	container.ByteOrder.PutUint32(buf[8:], h.Length)
	container.ByteOrder.PutUint32(buf[12:], h.Flags)
	copy(buf[16:], h.Checksum[:])
	return buf
}

// DecodeRecordHeader parses a 48-byte header.
func DecodeRecordHeader(buf []byte) (RecordHeader, error) {
	var h RecordHeader
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("record header needs %d bytes, have %d", HeaderSize, len(buf))
	}
	h.Sequence = container.ByteOrder.Uint64(buf[0:])
	h.Length = container.ByteOrder.Uint32(buf[8:])
	h.Flags = container.ByteOrder.Uint32(buf[12:])
	copy(h.Checksum[:], buf[16:48])
	return h, nil
}

// DataRecord builds the framed bytes of a data record: header followed by
// payload.
func DataRecord(sequence uint64, payload []byte) []byte {
	h := RecordHeader{
		Sequence: sequence,
		Length:   uint32(len(payload)),
		Checksum: digest.Sum(payload),
	}
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, EncodeRecordHeader(&h)...)
	return append(out, payload...)
}

// PaddingRecord builds the 48-byte header of a padding record that skips
// skip bytes after the header.
func PaddingRecord(sequence uint64, skip uint32) []byte {
	h := RecordHeader{
		Sequence: sequence,
		Length:   skip,
		Flags:    FlagPadding,
		Checksum: digest.EmptySum,
	}
	return EncodeRecordHeader(&h)
}

// Sentinel returns the 48-byte zero sentinel.
func Sentinel() []byte {
	return make([]byte, HeaderSize)
}
