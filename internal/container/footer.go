package container

import (
	"fmt"
	"io"

	"github.com/framevault/framevault/internal/digest"
)

// ===========================================================================
// FOOTER
// ===========================================================================
//
// The footer is a fixed 64-byte trailer identifying the TOC of the current
// generation. The TOC sits immediately before the footer, so a footer at
// offset F describes TOC bytes [F-toc_len, F).
//
// Layout (little-endian):
// ┌──────────┬─────────┬───────────┬──────────────┬──────────────────┐
// │ Magic(4) │ Pad(4)  │ TOCLen(8) │ TOCHash(32)  │ FileGen(8) Seq(8)│
// └──────────┴─────────┴───────────┴──────────────┴──────────────────┘
//
// Recovery scans [expected, expected+MaxFooterScanBytes] for the last
// candidate whose hash matches its TOC; trailing junk past a valid footer
// is tolerated.
//
// ===========================================================================

// FooterSize is the fixed footer length.
const FooterSize = 64

// MaxFooterScanBytes bounds the forward scan for a valid footer.
const MaxFooterScanBytes = 1 << 20

// FooterMagic identifies a container footer.
var FooterMagic = [4]byte{'M', 'V', '2', 'F'}

// Footer identifies the TOC and generation of one durable snapshot.
type Footer struct {
	TOCLen          uint64
	TOCHash         [32]byte
	FileGeneration  uint64
	WALCommittedSeq uint64
}

// Encode serializes the footer.
func (f *Footer) Encode() []byte {
	buf := make([]byte, FooterSize)
	copy(buf[0:], FooterMagic[:])
	ByteOrder.PutUint64(buf[8:], f.TOCLen)
	copy(buf[16:], f.TOCHash[:])
	ByteOrder.PutUint64(buf[48:], f.FileGeneration)
	ByteOrder.PutUint64(buf[56:], f.WALCommittedSeq)
	return buf
}

// DecodeFooter parses a footer without consulting its TOC.
func DecodeFooter(buf []byte) (*Footer, error) {
	if len(buf) != FooterSize {
		return nil, &InvalidFooterError{Reason: fmt.Sprintf("footer is %d bytes, expected %d", len(buf), FooterSize)}
	}
	var magic [4]byte
	copy(magic[:], buf[0:])
	if magic != FooterMagic {
		return nil, &InvalidFooterError{Reason: fmt.Sprintf("bad magic %q", magic)}
	}
	f := &Footer{
		TOCLen:          ByteOrder.Uint64(buf[8:]),
		FileGeneration:  ByteOrder.Uint64(buf[48:]),
		WALCommittedSeq: ByteOrder.Uint64(buf[56:]),
	}
	copy(f.TOCHash[:], buf[16:])
	return f, nil
}

// LocateFooter finds the last valid footer whose offset lies within
// [expectedOffset, expectedOffset+MaxFooterScanBytes]. A footer is valid
// only when its hash matches the TOC bytes immediately preceding it.
// Returns the footer, its file offset, and the raw TOC bytes.
func LocateFooter(r io.ReaderAt, expectedOffset, fileSize int64) (*Footer, int64, []byte, error) {
	limit := expectedOffset + MaxFooterScanBytes
	if limit > fileSize-FooterSize {
		limit = fileSize - FooterSize
	}
	var (
		best    *Footer
		bestOff int64 = -1
		bestTOC []byte
	)
	buf := make([]byte, FooterSize)
	for off := expectedOffset; off <= limit; off++ {
		if _, err := r.ReadAt(buf, off); err != nil {
			break
		}
		var magic [4]byte
		copy(magic[:], buf)
		if magic != FooterMagic {
			continue
		}
		cand, err := DecodeFooter(buf)
		if err != nil {
			continue
		}
		tocStart := off - int64(cand.TOCLen)
		if cand.TOCLen == 0 || tocStart < 0 {
			continue
		}
		toc := make([]byte, cand.TOCLen)
		if _, err := r.ReadAt(toc, tocStart); err != nil {
			continue
		}
		if digest.Sum(toc) != cand.TOCHash {
			continue
		}
		best = cand
		bestOff = off
		bestTOC = toc
	}
	if best == nil {
		return nil, 0, nil, &InvalidFooterError{Reason: fmt.Sprintf("no valid footer in [%d, %d]", expectedOffset, limit)}
	}
	return best, bestOff, bestTOC, nil
}
