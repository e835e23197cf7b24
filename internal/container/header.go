package container

import (
	"fmt"

	"github.com/framevault/framevault/internal/digest"
)

// ===========================================================================
// HEADER PAGES
// ===========================================================================
//
// Two 4096-byte header pages sit at file offsets 0 and 4096. Writes
// ping-pong between them; the valid page is the one with the larger
// header_page_generation whose checksum verifies. The header checksum is
// computed over the whole page with the checksum slot zeroed.
//
// Page layout (all little-endian):
// ┌──────────┬─────────┬───────────┬───────────┬──────────┬───────────┐
// │ Magic(4) │ Ver(2)  │ SpecMaj(1)│ SpecMin(1)│ PageGen(8)│ FileGen(8)│
// ├──────────┴─────────┴───────────┴───────────┴──────────┴───────────┤
// │ FooterOff(8) WALOff(8) WALSize(8) WritePos(8) CkptPos(8) Seq(8)   │
// ├───────────────────────────────────────────────────────────────────┤
// │ TOCChecksum(32) HeaderChecksum(32) [ReplaySnapshot(37)] zeros...  │
// └───────────────────────────────────────────────────────────────────┘
//
// The optional replay snapshot caches the WAL writer's derived state so
// open can skip the full ring scan when the snapshot is valid.
//
// ===========================================================================

// HeaderPageSize is the fixed size of one header page.
const HeaderPageSize = 4096

// FormatVersion is the current container format version.
const FormatVersion uint16 = 1

// Spec version carried in the header for diagnostics.
const (
	SpecMajor uint8 = 1
	SpecMinor uint8 = 0
)

// HeaderMagic identifies a container header page.
var HeaderMagic = [4]byte{'M', 'V', '2', 'S'}

// snapshotMagic identifies the optional replay snapshot block.
var snapshotMagic = [4]byte{'M', 'V', 'R', 'S'}

// Fixed field offsets within a header page.
const (
	offMagic       = 0
	offVersion     = 4
	offSpecMajor   = 6
	offSpecMinor   = 7
	offPageGen     = 8
	offFileGen     = 16
	offFooterOff   = 24
	offWALOff      = 32
	offWALSize     = 40
	offWritePos    = 48
	offCkptPos     = 56
	offCommitted   = 64
	offTOCChecksum = 72
	offHdrChecksum = 104
	offSnapshot    = 136
	snapshotLen    = 4 + 8*4 + 1
)

// ReplaySnapshot caches the WAL writer's derived state at header write
// time.
type ReplaySnapshot struct {
	LastSeq      uint64
	WritePos     uint64
	PendingBytes uint64
	WrapCount    uint64
}

// HeaderPage is the decoded form of one header page.
type HeaderPage struct {
	PageGeneration   uint64
	FileGeneration   uint64
	FooterOffset     uint64
	WALOffset        uint64
	WALSize          uint64
	WALWritePos      uint64
	WALCheckpointPos uint64
	WALCommittedSeq  uint64
	TOCChecksum      [32]byte
	Snapshot         *ReplaySnapshot
}

// Encode serializes the page, computing the header checksum over the page
// body with the checksum slot zeroed.
func (h *HeaderPage) Encode() []byte {
	buf := make([]byte, HeaderPageSize)
	copy(buf[offMagic:], HeaderMagic[:])
	ByteOrder.PutUint16(buf[offVersion:], FormatVersion)
	buf[offSpecMajor] = SpecMajor
	buf[offSpecMinor] = SpecMinor
	ByteOrder.PutUint64(buf[offPageGen:], h.PageGeneration)
	ByteOrder.PutUint64(buf[offFileGen:], h.FileGeneration)
	ByteOrder.PutUint64(buf[offFooterOff:], h.FooterOffset)
	ByteOrder.PutUint64(buf[offWALOff:], h.WALOffset)
	ByteOrder.PutUint64(buf[offWALSize:], h.WALSize)
	ByteOrder.PutUint64(buf[offWritePos:], h.WALWritePos)
	ByteOrder.PutUint64(buf[offCkptPos:], h.WALCheckpointPos)
	ByteOrder.PutUint64(buf[offCommitted:], h.WALCommittedSeq)
	copy(buf[offTOCChecksum:], h.TOCChecksum[:])
	if h.Snapshot != nil {
		s := buf[offSnapshot:]
		copy(s, snapshotMagic[:])
		ByteOrder.PutUint64(s[4:], h.Snapshot.LastSeq)
		ByteOrder.PutUint64(s[12:], h.Snapshot.WritePos)
		ByteOrder.PutUint64(s[20:], h.Snapshot.PendingBytes)
		ByteOrder.PutUint64(s[28:], h.Snapshot.WrapCount)
		s[36] = 1
	}
	sum := digest.Sum(buf)
	copy(buf[offHdrChecksum:], sum[:])
	return buf
}

// DecodeHeaderPage parses and validates one header page.
func DecodeHeaderPage(buf []byte) (*HeaderPage, error) {
	if len(buf) != HeaderPageSize {
		return nil, &InvalidHeaderError{Reason: fmt.Sprintf("page is %d bytes, expected %d", len(buf), HeaderPageSize)}
	}
	var magic [4]byte
	copy(magic[:], buf[offMagic:])
	if magic != HeaderMagic {
		return nil, &InvalidHeaderError{Reason: fmt.Sprintf("bad magic %q", magic)}
	}
	if v := ByteOrder.Uint16(buf[offVersion:]); v != FormatVersion {
		return nil, &InvalidHeaderError{Reason: fmt.Sprintf("unsupported format version %d", v)}
	}

	// Verify the checksum over the page with the checksum slot zeroed.
	var stored [32]byte
	copy(stored[:], buf[offHdrChecksum:])
	scratch := make([]byte, HeaderPageSize)
	copy(scratch, buf)
	for i := 0; i < 32; i++ {
		scratch[offHdrChecksum+i] = 0
	}
	if digest.Sum(scratch) != stored {
		return nil, &ChecksumMismatchError{Scope: "header page"}
	}

	h := &HeaderPage{
		PageGeneration:   ByteOrder.Uint64(buf[offPageGen:]),
		FileGeneration:   ByteOrder.Uint64(buf[offFileGen:]),
		FooterOffset:     ByteOrder.Uint64(buf[offFooterOff:]),
		WALOffset:        ByteOrder.Uint64(buf[offWALOff:]),
		WALSize:          ByteOrder.Uint64(buf[offWALSize:]),
		WALWritePos:      ByteOrder.Uint64(buf[offWritePos:]),
		WALCheckpointPos: ByteOrder.Uint64(buf[offCkptPos:]),
		WALCommittedSeq:  ByteOrder.Uint64(buf[offCommitted:]),
	}
	copy(h.TOCChecksum[:], buf[offTOCChecksum:])

	s := buf[offSnapshot : offSnapshot+snapshotLen]
	var smagic [4]byte
	copy(smagic[:], s)
	if smagic == snapshotMagic && s[36] == 1 {
		h.Snapshot = &ReplaySnapshot{
			LastSeq:      ByteOrder.Uint64(s[4:]),
			WritePos:     ByteOrder.Uint64(s[12:]),
			PendingBytes: ByteOrder.Uint64(s[20:]),
			WrapCount:    ByteOrder.Uint64(s[28:]),
		}
	}

	if h.WALOffset < 2*HeaderPageSize {
		return nil, &InvalidHeaderError{Reason: fmt.Sprintf("wal offset %d overlaps header pages", h.WALOffset)}
	}
	if h.WALSize == 0 {
		return nil, &InvalidHeaderError{Reason: "zero wal size"}
	}
	if h.WALWritePos >= h.WALSize || h.WALCheckpointPos >= h.WALSize {
		return nil, &InvalidHeaderError{Reason: "wal position outside ring"}
	}
	return h, nil
}

// SelectHeader picks the valid page with the larger page generation.
// slot reports which page won (0 or 1) so the next write targets the
// other one.
func SelectHeader(pageA, pageB []byte) (h *HeaderPage, slot int, err error) {
	a, errA := DecodeHeaderPage(pageA)
	b, errB := DecodeHeaderPage(pageB)
	switch {
	case errA == nil && errB == nil:
		if b.PageGeneration > a.PageGeneration {
			return b, 1, nil
		}
		return a, 0, nil
	case errA == nil:
		return a, 0, nil
	case errB == nil:
		return b, 1, nil
	default:
		return nil, 0, &InvalidHeaderError{Reason: fmt.Sprintf("no valid header page (A: %v, B: %v)", errA, errB)}
	}
}
