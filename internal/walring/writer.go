package walring

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/framevault/framevault/internal/fsio"
)

// ===========================================================================
// WAL RING WRITER
// ===========================================================================
//
// The writer appends framed records into the fixed ring at
// [walOffset, walOffset+size) of the container file. Its invariant: the 48
// bytes following the last valid record are either a zero sentinel or, in
// a crashed file, undecodable, so a reader halts there.
//
// Append algorithm:
// 1. Reject empty payloads, payloads above u32 max, and entries larger
//    than the ring.
// 2. Plan padding: a tail shorter than one header is zero-filled and the
//    writer wraps; a tail too short for the entry is consumed by a padding
//    record.
// 3. Guard capacity: pending bytes + planned consumption + the reserved
//    sentinel must fit in the ring; otherwise the caller commits and
//    retries once.
// 4. Write record and trailing sentinel (coalesced when contiguous).
// 5. Advance write position, pending bytes, last sequence.
// 6. Honor the fsync policy.
//
// Batched appends plan every position in locals first, then coalesce
// adjacent writes into contiguous regions and write once per region. Any
// failed write faults the writer; a faulted writer refuses all appends
// until the store is reopened.
//
// ===========================================================================

// FsyncMode selects when the writer forces the file to disk.
type FsyncMode uint8

const (
	FsyncAlways FsyncMode = iota
	FsyncOnCommit
	FsyncEveryBytes
)

// String returns a human-readable name for the mode.
func (m FsyncMode) String() string {
	switch m {
	case FsyncAlways:
		return "always"
	case FsyncOnCommit:
		return "onCommit"
	case FsyncEveryBytes:
		return "everyBytes"
	default:
		return "unknown"
	}
}

// FsyncPolicy is the configured fsync discipline.
type FsyncPolicy struct {
	Mode       FsyncMode
	EveryBytes uint64
}

// State is the writer's logical position, rebuilt at open from a ring
// scan or a header replay snapshot.
type State struct {
	WritePos      uint64
	CheckpointPos uint64
	PendingBytes  uint64
	LastSequence  uint64
	WrapCount     uint64
}

// Writer appends records into the ring.
type Writer struct {
	f      *fsio.File
	off    uint64 // absolute file offset of the ring
	size   uint64
	policy FsyncPolicy
	logger *slog.Logger

	writePos       uint64
	checkpointPos  uint64
	pendingBytes   uint64
	lastSequence   uint64
	wrapCount      uint64
	bytesSinceSync uint64
	faulted        bool
}

// NewWriter builds a writer over the ring region with a recovered state.
func NewWriter(f *fsio.File, walOffset, walSize uint64, state State, policy FsyncPolicy, logger *slog.Logger) *Writer {
	return &Writer{
		f:             f,
		off:           walOffset,
		size:          walSize,
		policy:        policy,
		logger:        logger,
		writePos:      state.WritePos,
		checkpointPos: state.CheckpointPos,
		pendingBytes:  state.PendingBytes,
		lastSequence:  state.LastSequence,
		wrapCount:     state.WrapCount,
	}
}

// Snapshot returns the writer's current logical state.
func (w *Writer) Snapshot() State {
	return State{
		WritePos:      w.writePos,
		CheckpointPos: w.checkpointPos,
		PendingBytes:  w.pendingBytes,
		LastSequence:  w.lastSequence,
		WrapCount:     w.wrapCount,
	}
}

// Faulted reports whether a partial write poisoned the writer.
func (w *Writer) Faulted() bool { return w.faulted }

// writeOp is one planned positional write, relative to the ring start.
type writeOp struct {
	pos  uint64
	data []byte
}

// plan captures the outcome of planning one append in locals.
type plan struct {
	ops      []writeOp
	newPos   uint64
	consumed uint64 // pending-byte growth: zero-fill + padding + record
	wraps    bool
	seqUsed  uint64 // sequences consumed (1 for the record, +1 for padding)
}

// planAppend computes positions, padding, and wraps for one payload
// without touching writer state.
func (w *Writer) planAppend(pos, nextSeq uint64, payload []byte) (plan, error) {
	var p plan
	entrySize := uint64(HeaderSize + len(payload))
	if len(payload) == 0 {
		return p, fmt.Errorf("refusing to append empty payload")
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return p, &CapacityError{Limit: math.MaxUint32, Requested: uint64(len(payload))}
	}
	if entrySize > w.size {
		return p, &CapacityError{Limit: w.size, Requested: entrySize}
	}

	remaining := w.size - pos
	seq := nextSeq
	switch {
	case remaining < HeaderSize:
		// Too short for any header: zero-fill and wrap.
		if remaining > 0 {
			p.ops = append(p.ops, writeOp{pos: pos, data: make([]byte, remaining)})
		}
		p.consumed += remaining
		if pos != 0 {
			p.wraps = true
		}
		pos = 0
	case remaining < entrySize:
		// Room for a header but not the entry: padding record to the end.
		skip := remaining - HeaderSize
		p.ops = append(p.ops, writeOp{pos: pos, data: PaddingRecord(seq, uint32(skip))})
		p.consumed += remaining
		p.seqUsed++
		seq++
		p.wraps = true
		pos = 0
	}

	p.ops = append(p.ops, writeOp{pos: pos, data: DataRecord(seq, payload)})
	p.consumed += entrySize
	p.seqUsed++
	p.newPos = pos + entrySize
	if p.newPos == w.size {
		p.newPos = 0
		p.wraps = true
	}
	return p, nil
}

// Append writes one payload and the trailing sentinel. Returns the
// sequence assigned to the data record.
func (w *Writer) Append(payload []byte) (uint64, error) {
	seqs, err := w.AppendBatch([][]byte{payload})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch writes payloads as one coalesced operation. All positions,
// paddings, and wraps are computed in locals; adjacent writes collapse
// into contiguous regions written once each. On any write failure the
// writer faults.
func (w *Writer) AppendBatch(payloads [][]byte) ([]uint64, error) {
	if w.faulted {
		return nil, ErrFaulted
	}
	if len(payloads) == 0 {
		return nil, nil
	}

	pos := w.writePos
	seq := w.lastSequence + 1
	pending := w.pendingBytes
	wraps := uint64(0)
	var ops []writeOp
	seqs := make([]uint64, 0, len(payloads))

	for _, payload := range payloads {
		p, err := w.planAppend(pos, seq, payload)
		if err != nil {
			return nil, err
		}
		// Capacity guard: the entry plus the reserved trailing sentinel
		// must fit alongside everything already pending.
		if pending+p.consumed+HeaderSize > w.size {
			return nil, &CapacityError{Limit: w.size, Requested: pending + p.consumed + HeaderSize}
		}
		ops = append(ops, p.ops...)
		seqs = append(seqs, seq+p.seqUsed-1)
		seq += p.seqUsed
		pending += p.consumed
		pos = p.newPos
		if p.wraps {
			wraps++
		}
	}

	// Trailing sentinel when there is room before the ring's end.
	if w.size-pos >= HeaderSize {
		ops = append(ops, writeOp{pos: pos, data: Sentinel()})
	}

	written := uint64(0)
	for _, region := range coalesce(ops) {
		if err := w.f.WriteAll(region.data, int64(w.off+region.pos)); err != nil {
			w.faulted = true
			w.logger.Error("wal write failed; writer faulted", "pos", region.pos, "err", err)
			return nil, err
		}
		written += uint64(len(region.data))
	}

	w.writePos = pos
	w.pendingBytes = pending
	w.lastSequence = seq - 1
	w.wrapCount += wraps
	w.bytesSinceSync += written

	if err := w.maybeSync(); err != nil {
		return nil, err
	}
	w.logger.Debug("wal append", "records", len(payloads), "lastSeq", w.lastSequence, "writePos", w.writePos, "pending", w.pendingBytes)
	return seqs, nil
}

// coalesce merges adjacent ops into contiguous regions.
func coalesce(ops []writeOp) []writeOp {
	if len(ops) == 0 {
		return nil
	}
	out := []writeOp{{pos: ops[0].pos, data: append([]byte(nil), ops[0].data...)}}
	for _, op := range ops[1:] {
		last := &out[len(out)-1]
		if op.pos == last.pos+uint64(len(last.data)) {
			last.data = append(last.data, op.data...)
			continue
		}
		out = append(out, writeOp{pos: op.pos, data: append([]byte(nil), op.data...)})
	}
	return out
}

// maybeSync applies the configured fsync policy after an append.
func (w *Writer) maybeSync() error {
	switch w.policy.Mode {
	case FsyncAlways:
		return w.Sync()
	case FsyncEveryBytes:
		if w.policy.EveryBytes > 0 && w.bytesSinceSync >= w.policy.EveryBytes {
			return w.Sync()
		}
	}
	return nil
}

// Sync forces the file to disk and resets the byte counter.
func (w *Writer) Sync() error {
	if err := w.f.Sync(); err != nil {
		w.faulted = true
		return err
	}
	w.bytesSinceSync = 0
	return nil
}

// RecordCheckpoint marks everything appended so far as committed: the
// checkpoint moves to the write position and pending bytes reset.
func (w *Writer) RecordCheckpoint() {
	w.checkpointPos = w.writePos
	w.pendingBytes = 0
}
