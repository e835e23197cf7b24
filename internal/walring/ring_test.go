package walring

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	"pgregory.net/rapid"

	"github.com/framevault/framevault/internal/fsio"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const testRingOffset = 128

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newRing creates a temp-backed ring of the given size.
func newRing(t *testing.T, size uint64) (*fsio.File, *Writer) {
	t.Helper()
	dir := t.TempDir()
	f, err := fsio.Create(filepath.Join(dir, "ring.mv2s"))
	if err != nil {
		t.Fatalf("failed to create ring file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	if err := f.Truncate(testRingOffset + int64(size)); err != nil {
		t.Fatalf("failed to size ring file: %v", err)
	}
	if err := f.WriteAll(Sentinel(), testRingOffset); err != nil {
		t.Fatalf("failed to write sentinel: %v", err)
	}
	w := NewWriter(f, testRingOffset, size, State{}, FsyncPolicy{Mode: FsyncOnCommit}, discardLogger())
	return f, w
}

func payloadOf(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

// =============================================================================
// SUITE 1: APPEND / SCAN ROUND TRIP
// =============================================================================

// TestAppendScanRoundTrip verifies that appended payloads scan back in
// order with strictly increasing sequences and matching writer state.
func TestAppendScanRoundTrip(t *testing.T) {
	f, w := newRing(t, 64*1024)

	var want [][]byte
	for i := 0; i < 5; i++ {
		p := payloadOf(100+i*13, byte('a'+i))
		seq, err := w.Append(p)
		assert.NilError(t, err)
		assert.Equal(t, seq, uint64(i+1))
		want = append(want, p)
	}

	records, state, err := Scan(f, testRingOffset, 64*1024, 0, 0)
	assert.NilError(t, err)
	assert.Equal(t, len(records), 5)
	for i, r := range records {
		assert.Equal(t, r.Sequence, uint64(i+1))
		assert.DeepEqual(t, r.Payload, want[i])
	}
	ws := w.Snapshot()
	assert.Equal(t, state.WritePos, ws.WritePos)
	assert.Equal(t, state.PendingBytes, ws.PendingBytes)
	assert.Equal(t, state.LastSequence, ws.LastSequence)
}

// TestScanSkipsCommitted verifies the committed-sequence filter.
func TestScanSkipsCommitted(t *testing.T) {
	f, w := newRing(t, 64*1024)
	for i := 0; i < 4; i++ {
		_, err := w.Append(payloadOf(64, byte(i)))
		assert.NilError(t, err)
	}

	records, _, err := Scan(f, testRingOffset, 64*1024, 0, 2)
	assert.NilError(t, err)
	assert.Equal(t, len(records), 2)
	assert.Equal(t, records[0].Sequence, uint64(3))
	assert.Equal(t, records[1].Sequence, uint64(4))
}

// TestAppendBatchMatchesSingles verifies the batched path assigns a
// contiguous sequence block and scans identically to single appends.
func TestAppendBatchMatchesSingles(t *testing.T) {
	f, w := newRing(t, 64*1024)
	payloads := [][]byte{payloadOf(50, 1), payloadOf(200, 2), payloadOf(7, 3)}
	seqs, err := w.AppendBatch(payloads)
	assert.NilError(t, err)
	assert.DeepEqual(t, seqs, []uint64{1, 2, 3})

	records, _, err := Scan(f, testRingOffset, 64*1024, 0, 0)
	assert.NilError(t, err)
	assert.Equal(t, len(records), 3)
	for i := range records {
		assert.DeepEqual(t, records[i].Payload, payloads[i])
	}
}

// =============================================================================
// SUITE 2: WRAP, PADDING, CAPACITY
// =============================================================================

// TestWrapEmitsPadding verifies that a tail too short for the next entry
// is consumed by a padding record, the wrap counter increments, and
// records keep scanning after the checkpoint moves.
func TestWrapEmitsPadding(t *testing.T) {
	const size = 4096
	f, w := newRing(t, size)

	// Fill most of the ring, then checkpoint (simulating a commit).
	p := payloadOf(3000, 'x')
	seq, err := w.Append(p)
	assert.NilError(t, err)
	w.RecordCheckpoint()
	committed := seq
	ckpt := w.Snapshot().CheckpointPos

	// The next entry does not fit in the tail: the writer pads and wraps.
	p2 := payloadOf(2000, 'y')
	_, err = w.Append(p2)
	assert.NilError(t, err)
	assert.Equal(t, w.Snapshot().WrapCount, uint64(1))

	records, state, err := Scan(f, testRingOffset, size, ckpt, committed)
	assert.NilError(t, err)
	assert.Equal(t, len(records), 1)
	assert.DeepEqual(t, records[0].Payload, p2)
	assert.Equal(t, state.WritePos, w.Snapshot().WritePos)
}

// TestCapacityExceeded verifies the guard: an entry that cannot fit
// alongside pending bytes surfaces a capacity error and leaves the writer
// usable.
func TestCapacityExceeded(t *testing.T) {
	const size = 4096
	_, w := newRing(t, size)

	_, err := w.Append(payloadOf(3000, 'x'))
	assert.NilError(t, err)

	_, err = w.Append(payloadOf(2000, 'y'))
	var capErr *CapacityError
	assert.Assert(t, errorAs(err, &capErr), "expected capacity error, got %v", err)
	assert.Equal(t, capErr.Limit, uint64(size))

	// After a checkpoint the same append fits.
	w.RecordCheckpoint()
	_, err = w.Append(payloadOf(2000, 'y'))
	assert.NilError(t, err)
}

// TestOversizedEntryRejected verifies entries larger than the ring are
// rejected outright.
func TestOversizedEntryRejected(t *testing.T) {
	_, w := newRing(t, 4096)
	_, err := w.Append(payloadOf(5000, 'z'))
	var capErr *CapacityError
	assert.Assert(t, errorAs(err, &capErr))
}

// =============================================================================
// SUITE 3: SCAN HALTING
// =============================================================================

// TestCorruptPayloadHaltsScan verifies a flipped payload byte stops the
// scan at the preceding record without an error.
func TestCorruptPayloadHaltsScan(t *testing.T) {
	f, w := newRing(t, 64*1024)
	_, err := w.Append(payloadOf(100, 'a'))
	assert.NilError(t, err)
	second := w.Snapshot().WritePos
	_, err = w.Append(payloadOf(100, 'b'))
	assert.NilError(t, err)

	// Flip one byte inside the second record's payload.
	if err := f.WriteAll([]byte{0xff}, testRingOffset+int64(second)+HeaderSize+10); err != nil {
		t.Fatalf("failed to corrupt payload: %v", err)
	}

	records, state, err := Scan(f, testRingOffset, 64*1024, 0, 0)
	assert.NilError(t, err)
	assert.Equal(t, len(records), 1)
	assert.Equal(t, state.LastSequence, uint64(1))
	assert.Equal(t, state.WritePos, second)
}

// TestNonMonotonicSequenceHaltsScan verifies a stale sequence stops the
// scan.
func TestNonMonotonicSequenceHaltsScan(t *testing.T) {
	f, w := newRing(t, 64*1024)
	_, err := w.Append(payloadOf(64, 'a'))
	assert.NilError(t, err)
	pos := w.Snapshot().WritePos

	// Hand-write a record with a non-increasing sequence.
	stale := DataRecord(1, payloadOf(8, 'z'))
	assert.NilError(t, f.WriteAll(stale, testRingOffset+int64(pos)))

	records, _, err := Scan(f, testRingOffset, 64*1024, 0, 0)
	assert.NilError(t, err)
	assert.Equal(t, len(records), 1)
}

// TestPaddingChecksumHaltsScan verifies a padding record with the wrong
// checksum stops the scan.
func TestPaddingChecksumHaltsScan(t *testing.T) {
	f, w := newRing(t, 64*1024)
	_, err := w.Append(payloadOf(64, 'a'))
	assert.NilError(t, err)
	pos := w.Snapshot().WritePos

	bad := PaddingRecord(2, 100)
	bad[16] ^= 0xff // corrupt the checksum field
	assert.NilError(t, f.WriteAll(bad, testRingOffset+int64(pos)))

	records, _, err := Scan(f, testRingOffset, 64*1024, 0, 0)
	assert.NilError(t, err)
	assert.Equal(t, len(records), 1)
}

// =============================================================================
// SUITE 4: PROPERTIES
// =============================================================================

// TestRingProperty drives random append/checkpoint schedules against a
// model: a scan from the checkpoint always reproduces exactly the
// payloads appended since, in order, with strictly increasing sequences.
func TestRingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		size := uint64(rapid.SampledFrom([]int{4096, 8192, 16384}).Draw(rt, "size"))
		dir, err := os.MkdirTemp("", "ring-prop")
		if err != nil {
			rt.Fatalf("tempdir: %v", err)
		}
		defer os.RemoveAll(dir)
		f, err := fsio.Create(filepath.Join(dir, "ring.mv2s"))
		if err != nil {
			rt.Fatalf("create: %v", err)
		}
		defer f.Close()
		if err := f.Truncate(testRingOffset + int64(size)); err != nil {
			rt.Fatalf("truncate: %v", err)
		}
		if err := f.WriteAll(Sentinel(), testRingOffset); err != nil {
			rt.Fatalf("sentinel: %v", err)
		}
		w := NewWriter(f, testRingOffset, size, State{}, FsyncPolicy{Mode: FsyncOnCommit}, discardLogger())

		var model [][]byte
		committed := uint64(0)
		ckpt := uint64(0)

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(rt, "checkpoint") {
				w.RecordCheckpoint()
				committed = w.Snapshot().LastSequence
				ckpt = w.Snapshot().CheckpointPos
				model = nil
				continue
			}
			n := rapid.IntRange(1, int(size/4)).Draw(rt, "payloadSize")
			p := payloadOf(n, byte(i))
			_, err := w.Append(p)
			if err != nil {
				// Capacity pressure: the model commits, like the store.
				w.RecordCheckpoint()
				committed = w.Snapshot().LastSequence
				ckpt = w.Snapshot().CheckpointPos
				model = nil
				if _, err := w.Append(p); err != nil {
					rt.Fatalf("append after checkpoint failed: %v", err)
				}
			}
			model = append(model, p)
		}

		records, state, err := Scan(f, testRingOffset, size, ckpt, committed)
		if err != nil {
			rt.Fatalf("scan failed: %v", err)
		}
		if len(records) != len(model) {
			rt.Fatalf("scan returned %d records, model has %d", len(records), len(model))
		}
		prev := uint64(0)
		for i, r := range records {
			if !bytes.Equal(r.Payload, model[i]) {
				rt.Fatalf("payload %d mismatch", i)
			}
			if r.Sequence <= prev {
				rt.Fatalf("sequence not strictly increasing at %d", i)
			}
			prev = r.Sequence
		}
		if state.WritePos != w.Snapshot().WritePos {
			rt.Fatalf("write pos mismatch: scan %d, writer %d", state.WritePos, w.Snapshot().WritePos)
		}
	})
}

// errorAs wraps errors.As for test readability.
func errorAs(err error, target any) bool {
	return err != nil && errors.As(err, target)
}
