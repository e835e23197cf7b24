package framevault

import (
	"fmt"

	"github.com/framevault/framevault/internal/container"
	"github.com/framevault/framevault/internal/digest"
	"github.com/framevault/framevault/internal/vector"
	"github.com/framevault/framevault/internal/walring"
)

// ===========================================================================
// COMMIT
// ===========================================================================
//
// Commit is the only operation that moves the durable generation:
//
// 1. Fold pending mutations into a trial TOC, in sequence order.
// 2. Append the staged lex blob, then the staged vec blob, updating the
//    manifests and segment catalog.
// 3. Validate the trial TOC's data-range invariants against the footer
//    offset it will use.
// 4. Write the encoded TOC, then the footer (generation+1, max applied
//    sequence). Fsync.
// 5. Write the next header page to the inactive slot. Fsync.
// 6. Checkpoint the ring; clear pending state.
//
// A crash before the footer of step 4 lands leaves the previous
// generation current; a crash
// between 4 and 5 recovers through the footer scan, which completes the
// commit because generation and committed sequence travel in the footer.
//
// ===========================================================================

// Commit folds pending mutations and staged blobs into a new durable
// generation.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.commitLocked()
}

func (s *Store) commitLocked() error {
	if s.wal.Faulted() {
		return ErrWriterFaulted
	}
	if len(s.pending) == 0 && s.stagedLex == nil && s.stagedVec == nil {
		return nil
	}
	if s.pendingEmbeddings > 0 && s.stagedVec == nil {
		return fmt.Errorf("pending embeddings require a staged vec index before commit")
	}

	trial, maxSeq, err := s.applyPending()
	if err != nil {
		return err
	}

	dataEnd := s.dataEnd

	// Staged lex blob.
	if s.stagedLex != nil {
		if err := s.f.WriteAll(s.stagedLex.data, int64(dataEnd)); err != nil {
			return ioErr("lex segment write", err)
		}
		trial.Lex = &container.LexManifest{
			Offset:   dataEnd,
			Length:   uint64(len(s.stagedLex.data)),
			Checksum: s.stagedLex.checksum,
			DocCount: s.stagedLex.docCount,
			Version:  s.stagedLex.version,
		}
		replaceSegment(trial, container.SegmentLex, dataEnd, uint64(len(s.stagedLex.data)), s.stagedLex.checksum)
		dataEnd += uint64(len(s.stagedLex.data))
	}

	// Staged vec blob.
	if s.stagedVec != nil {
		if err := s.f.WriteAll(s.stagedVec.data, int64(dataEnd)); err != nil {
			return ioErr("vec segment write", err)
		}
		trial.Vec = &container.VecManifest{
			Offset:      dataEnd,
			Length:      uint64(len(s.stagedVec.data)),
			Checksum:    s.stagedVec.checksum,
			VectorCount: s.stagedVec.vectorCount,
			Dimension:   s.stagedVec.dimension,
			Similarity:  uint8(s.stagedVec.similarity),
		}
		replaceSegment(trial, container.SegmentVec, dataEnd, uint64(len(s.stagedVec.data)), s.stagedVec.checksum)
		dataEnd += uint64(len(s.stagedVec.data))
	}

	// TOC and footer; the footer bound validates payload and segment
	// ranges.
	tocOffset := dataEnd
	tocBytes, tocSum := trial.Encode()
	footerOffset := tocOffset + uint64(len(tocBytes))
	if err := trial.Validate(dataStart(s.walSize), footerOffset); err != nil {
		return err
	}
	if err := s.f.WriteAll(tocBytes, int64(tocOffset)); err != nil {
		return ioErr("toc write", err)
	}
	footer := &container.Footer{
		TOCLen:          uint64(len(tocBytes)),
		TOCHash:         digest.Sum(tocBytes),
		FileGeneration:  s.generation + 1,
		WALCommittedSeq: maxSeq,
	}
	if err := s.f.WriteAll(footer.Encode(), int64(footerOffset)); err != nil {
		return ioErr("footer write", err)
	}
	if err := s.f.Sync(); err != nil {
		return ioErr("fsync", err)
	}

	// Header flip to the inactive slot.
	ws := s.wal.Snapshot()
	page := &container.HeaderPage{
		PageGeneration:   s.pageGeneration + 1,
		FileGeneration:   s.generation + 1,
		FooterOffset:     footerOffset,
		WALOffset:        walOffset,
		WALSize:          s.walSize,
		WALWritePos:      ws.WritePos,
		WALCheckpointPos: ws.WritePos,
		WALCommittedSeq:  maxSeq,
		TOCChecksum:      tocSum,
		Snapshot: &container.ReplaySnapshot{
			LastSeq:   ws.LastSequence,
			WritePos:  ws.WritePos,
			WrapCount: ws.WrapCount,
		},
	}
	slot := 1 - s.headerSlot
	if err := s.f.WriteAll(page.Encode(), int64(slot)*container.HeaderPageSize); err != nil {
		return ioErr("header write", err)
	}
	if err := s.f.Sync(); err != nil {
		return ioErr("fsync", err)
	}

	// The generation is durable; fold state forward.
	s.wal.RecordCheckpoint()
	s.headerSlot = slot
	s.pageGeneration++
	s.generation++
	s.committedSeq = maxSeq
	s.footerOffset = footerOffset
	s.dataEnd = footerOffset + container.FooterSize
	s.toc = trial
	s.pending = nil
	s.pendingPuts = 0
	s.pendingEmbeddings = 0

	if s.stagedVec != nil {
		idx, err := vector.Deserialize(s.stagedVec.data, int(s.stagedVec.dimension), s.stagedVec.similarity)
		if err != nil {
			s.logger.Warn("committed vec blob failed to deserialize", "err", err)
		} else {
			s.vec = idx
		}
	}
	s.stagedLex = nil
	s.stagedVec = nil
	s.stageStamp++
	s.surrogate = nil
	s.rebuildTimeline()

	s.logger.Info("commit", "generation", s.generation, "frames", len(s.toc.Frames), "committedSeq", s.committedSeq)
	return nil
}

// applyPending folds the pending mutations into a trial TOC in sequence
// order, returning the highest applied sequence.
func (s *Store) applyPending() (*container.TOC, uint64, error) {
	trial := s.toc.Clone()
	maxSeq := s.committedSeq

	stagedDim := 0
	if s.stagedVec != nil {
		stagedDim = int(s.stagedVec.dimension)
	}

	for _, p := range s.pending {
		if p.seq > maxSeq {
			maxSeq = p.seq
		}
		switch e := p.entry.(type) {
		case walring.PutFrameEntry:
			if e.Frame.ID != uint64(len(trial.Frames)) {
				return nil, 0, &InvalidTOCError{Reason: fmt.Sprintf(
					"pending frame id %d breaks dense ordering at %d", e.Frame.ID, len(trial.Frames))}
			}
			trial.Frames = append(trial.Frames, e.Frame.Clone())

		case walring.DeleteFrameEntry:
			if e.ID >= uint64(len(trial.Frames)) {
				return nil, 0, &InvalidTOCError{Reason: fmt.Sprintf("pending delete of unknown frame %d", e.ID)}
			}
			trial.Frames[e.ID].Status = StatusDeleted

		case walring.SupersedeFrameEntry:
			n := uint64(len(trial.Frames))
			if e.Old >= n || e.New >= n {
				return nil, 0, &InvalidTOCError{Reason: fmt.Sprintf("pending supersede references unknown frame (%d, %d)", e.Old, e.New)}
			}
			if e.Old == e.New {
				return nil, 0, &InvalidTOCError{Reason: fmt.Sprintf("frame %d cannot supersede itself", e.Old)}
			}
			older := &trial.Frames[e.Old]
			newer := &trial.Frames[e.New]
			if older.SupersededBy != nil && *older.SupersededBy != e.New {
				return nil, 0, &InvalidTOCError{Reason: fmt.Sprintf("frame %d already superseded by %d", e.Old, *older.SupersededBy)}
			}
			if newer.Supersedes != nil && *newer.Supersedes != e.Old {
				return nil, 0, &InvalidTOCError{Reason: fmt.Sprintf("frame %d already supersedes %d", e.New, *newer.Supersedes)}
			}
			oldID, newID := e.Old, e.New
			older.SupersededBy = &newID
			newer.Supersedes = &oldID

		case walring.PutEmbeddingEntry:
			if e.FrameID >= uint64(len(trial.Frames)) {
				return nil, 0, &InvalidTOCError{Reason: fmt.Sprintf("pending embedding for unknown frame %d", e.FrameID)}
			}
			if stagedDim != 0 && len(e.Vector) != stagedDim {
				return nil, 0, &InvalidTOCError{Reason: fmt.Sprintf(
					"pending embedding for frame %d has dimension %d, staged index expects %d", e.FrameID, len(e.Vector), stagedDim)}
			}

		default:
			return nil, 0, &InvalidTOCError{Reason: fmt.Sprintf("unknown pending entry %T", p.entry)}
		}
	}
	return trial, maxSeq, nil
}

// replaceSegment swaps the catalog entry of one kind, keeping the catalog
// offset-ordered.
func replaceSegment(t *container.TOC, kind container.SegmentKind, offset, length uint64, checksum [32]byte) {
	out := t.Segments[:0]
	for _, seg := range t.Segments {
		if seg.Kind != kind {
			out = append(out, seg)
		}
	}
	t.Segments = out
	// Appended segments always land past every existing offset.
	t.Segments = append(t.Segments, container.Segment{Kind: kind, Offset: offset, Length: length, Checksum: checksum})
}
