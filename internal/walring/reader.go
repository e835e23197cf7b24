package walring

import (
	"github.com/framevault/framevault/internal/digest"
	"github.com/framevault/framevault/internal/fsio"
)

// ===========================================================================
// WAL RING READER
// ===========================================================================
//
// The reader scans the ring from the committed checkpoint, returning every
// data record with a sequence newer than the committed sequence. The scan
// halts — without error — at the first byte run that cannot be a valid
// continuation:
//
//   - the zero sentinel
//   - a zero sequence
//   - a non-increasing sequence
//   - a padding record with the wrong checksum
//   - a record that does not fit in the remaining ring
//   - a payload checksum mismatch
//   - a full wrap back to the starting position
//
// Alongside the pending records the scan produces the writer state
// (last sequence, write position, pending bytes) used to rebuild the ring
// writer at open time.
//
// ===========================================================================

// Record is one decoded data record.
type Record struct {
	Sequence uint64
	Flags    uint32
	Payload  []byte
}

// ScanState is the writer state derived from a scan.
type ScanState struct {
	LastSequence uint64
	WritePos     uint64
	PendingBytes uint64
}

// Scan walks the ring at [walOffset, walOffset+walSize) starting from
// checkpointPos, returning pending records with sequence > committedSeq.
func Scan(f *fsio.File, walOffset, walSize, checkpointPos, committedSeq uint64) ([]Record, ScanState, error) {
	state := ScanState{WritePos: checkpointPos}
	var pending []Record

	pos := checkpointPos
	prevSeq := uint64(0)
	scanned := uint64(0)
	header := make([]byte, HeaderSize)

	for scanned < walSize {
		remaining := walSize - pos
		if remaining < HeaderSize {
			// The writer zero-fills tails shorter than a header; skip to
			// the ring start.
			scanned += remaining
			state.PendingBytes += remaining
			pos = 0
			state.WritePos = 0
			continue
		}

		if err := f.ReadExactly(header, int64(walOffset+pos)); err != nil {
			return nil, state, &CorruptionError{Offset: pos, Reason: err.Error()}
		}
		h, err := DecodeRecordHeader(header)
		if err != nil {
			return nil, state, &CorruptionError{Offset: pos, Reason: err.Error()}
		}
		if h.IsSentinel() {
			break
		}
		if h.Sequence == 0 || h.Sequence <= prevSeq {
			break
		}

		if h.IsPadding() {
			if h.Checksum != digest.EmptySum {
				break
			}
			total := uint64(HeaderSize) + uint64(h.Length)
			if total > remaining {
				break
			}
			prevSeq = h.Sequence
			pos += total
			scanned += total
			state.PendingBytes += total
			state.LastSequence = h.Sequence
			if pos == walSize {
				pos = 0
			}
			state.WritePos = pos
			continue
		}

		// Data record.
		if h.Length == 0 {
			break
		}
		total := uint64(HeaderSize) + uint64(h.Length)
		if total > remaining {
			break
		}
		payload := make([]byte, h.Length)
		if err := f.ReadExactly(payload, int64(walOffset+pos+HeaderSize)); err != nil {
			return nil, state, &CorruptionError{Offset: pos, Reason: err.Error()}
		}
		if digest.Sum(payload) != h.Checksum {
			break
		}

		prevSeq = h.Sequence
		pos += total
		scanned += total
		state.PendingBytes += total
		state.LastSequence = h.Sequence
		if pos == walSize {
			pos = 0
		}
		state.WritePos = pos

		if h.Sequence > committedSeq {
			pending = append(pending, Record{Sequence: h.Sequence, Flags: h.Flags, Payload: payload})
		}
	}

	return pending, state, nil
}

// ScanEntries decodes the pending records into typed entries, preserving
// sequence order.
func ScanEntries(f *fsio.File, walOffset, walSize, checkpointPos, committedSeq uint64) ([]SequencedEntry, ScanState, error) {
	records, state, err := Scan(f, walOffset, walSize, checkpointPos, committedSeq)
	if err != nil {
		return nil, state, err
	}
	out := make([]SequencedEntry, 0, len(records))
	for _, r := range records {
		e, err := DecodeEntry(r.Payload)
		if err != nil {
			return nil, state, &CorruptionError{Offset: 0, Reason: err.Error()}
		}
		out = append(out, SequencedEntry{Sequence: r.Sequence, Entry: e})
	}
	return out, state, nil
}

// SequencedEntry pairs a decoded entry with its WAL sequence.
type SequencedEntry struct {
	Sequence uint64
	Entry    Entry
}
