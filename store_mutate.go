package framevault

import (
	"errors"
	"fmt"

	"github.com/framevault/framevault/internal/compress"
	"github.com/framevault/framevault/internal/digest"
	"github.com/framevault/framevault/internal/walring"
)

// ===========================================================================
// MUTATIONS
// ===========================================================================
//
// Every mutation is WAL-first: payload bytes land in the data region, the
// entry lands in the ring, and the in-memory pending list grows. Nothing
// touches the committed TOC until commit.
//
// WAL capacity exhaustion triggers exactly one internal commit-and-retry;
// a second failure surfaces to the caller.
//
// ===========================================================================

// Put appends one frame. The returned id is assigned in commit order.
func (s *Store) Put(content []byte, opts PutOptions, encoding PayloadEncoding) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	ids, err := s.putBatchLocked([][]byte{content}, []PutOptions{opts}, encoding, false)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// PutBatch appends frames as one planned operation: a contiguous block of
// ids in input order, one coalesced payload-region write, and one batched
// WAL append.
func (s *Store) PutBatch(contents [][]byte, opts []PutOptions, encoding PayloadEncoding) ([]uint64, error) {
	if len(contents) != len(opts) {
		return nil, fmt.Errorf("content/options count mismatch: %d vs %d", len(contents), len(opts))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.putBatchLocked(contents, opts, encoding, true)
}

// plannedPut is one frame fully prepared in locals.
type plannedPut struct {
	meta    FrameMeta
	stored  []byte
	payload []byte // WAL entry payload
}

// putBatchLocked plans every frame, writes payloads, appends WAL entries,
// and only then mutates store state. useMap selects the coalesced
// mapped-region write.
func (s *Store) putBatchLocked(contents [][]byte, opts []PutOptions, encoding PayloadEncoding, useMap bool) ([]uint64, error) {
	plans, err := s.planPuts(contents, opts, encoding)
	if err != nil {
		return nil, err
	}

	err = s.writePlans(plans, useMap)
	var capErr *CapacityExceededError
	if errors.As(err, &capErr) {
		// One internal commit frees the ring, then retry with fresh
		// offsets.
		s.logger.Debug("wal capacity exceeded; committing and retrying",
			"limit", capErr.Limit, "requested", capErr.Requested)
		if cerr := s.commitLocked(); cerr != nil {
			return nil, cerr
		}
		plans, err = s.planPuts(contents, opts, encoding)
		if err != nil {
			return nil, err
		}
		err = s.writePlans(plans, useMap)
	}
	if err != nil {
		return nil, err
	}

	ids := make([]uint64, len(plans))
	for i := range plans {
		ids[i] = plans[i].meta.ID
	}
	return ids, nil
}

// planPuts computes metadata, compression, digests, offsets, and WAL
// payloads purely in locals.
func (s *Store) planPuts(contents [][]byte, opts []PutOptions, encoding PayloadEncoding) ([]plannedPut, error) {
	if !encoding.Valid() {
		return nil, &EncodingError{Reason: fmt.Sprintf("unknown payload encoding %d", encoding)}
	}
	nextID := uint64(len(s.toc.Frames) + s.pendingPuts)
	offset := s.dataEnd

	plans := make([]plannedPut, len(contents))
	for i, content := range contents {
		canonicalDigest := digest.Sum(content)
		stored, effective, err := compress.CompressIfSmaller(encoding, content)
		if err != nil {
			return nil, &EncodingError{Reason: err.Error()}
		}
		storedDigest := digest.Sum(stored)

		meta := FrameMeta{
			ID:              nextID + uint64(i),
			CaptureMs:       opts[i].CaptureMs,
			AnchorMs:        opts[i].AnchorMs,
			Kind:            opts[i].Kind,
			Track:           opts[i].Track,
			URI:             opts[i].URI,
			Title:           opts[i].Title,
			SearchText:      opts[i].SearchText,
			Tags:            opts[i].Tags,
			Labels:          opts[i].Labels,
			ContentDates:    opts[i].ContentDates,
			Role:            opts[i].Role,
			ParentID:        opts[i].ParentID,
			ChunkIndex:      opts[i].ChunkIndex,
			ChunkCount:      opts[i].ChunkCount,
			ChunkManifest:   opts[i].ChunkManifest,
			Metadata:        opts[i].Metadata,
			PayloadOffset:   offset,
			PayloadLength:   uint64(len(stored)),
			Encoding:        effective,
			CanonicalDigest: canonicalDigest,
			StoredDigest:    storedDigest,
		}
		if effective != compress.Plain {
			canonicalLen := uint64(len(content))
			meta.CanonicalLength = &canonicalLen
		}

		payload, err := walring.EncodeEntry(walring.PutFrameEntry{Frame: meta})
		if err != nil {
			return nil, &EncodingError{Reason: err.Error()}
		}
		plans[i] = plannedPut{meta: meta, stored: stored, payload: payload}
		offset += uint64(len(stored))
	}
	return plans, nil
}

// writePlans lands payload bytes and WAL entries, then mutates state.
func (s *Store) writePlans(plans []plannedPut, useMap bool) error {
	total := uint64(0)
	for i := range plans {
		total += uint64(len(plans[i].stored))
	}

	// Payload bytes first; the WAL entry references them.
	if total > 0 {
		regionStart := s.dataEnd
		if useMap {
			if err := s.f.Truncate(int64(regionStart + total)); err != nil {
				return ioErr("payload grow", err)
			}
			m, err := s.f.WritableMap(int64(regionStart), int64(total))
			if err != nil {
				return ioErr("payload map", err)
			}
			buf := m.Bytes()
			off := 0
			for i := range plans {
				copy(buf[off:], plans[i].stored)
				off += len(plans[i].stored)
			}
			if err := m.Flush(); err != nil {
				m.Close()
				return ioErr("payload flush", err)
			}
			if err := m.Close(); err != nil {
				return ioErr("payload unmap", err)
			}
		} else {
			for i := range plans {
				if len(plans[i].stored) == 0 {
					continue
				}
				if err := s.f.WriteAll(plans[i].stored, int64(plans[i].meta.PayloadOffset)); err != nil {
					return ioErr("payload write", err)
				}
			}
		}
	}

	payloads := make([][]byte, len(plans))
	for i := range plans {
		payloads[i] = plans[i].payload
	}
	seqs, err := s.wal.AppendBatch(payloads)
	if err != nil {
		return ioErr("wal append", err)
	}

	for i := range plans {
		s.pending = append(s.pending, pendingMutation{seq: seqs[i], entry: walring.PutFrameEntry{Frame: plans[i].meta}})
		s.pendingPuts++
		s.dataEnd = plans[i].meta.PayloadOffset + plans[i].meta.PayloadLength
		if plans[i].meta.SearchText != "" {
			if err := s.lex.AddDocument(plans[i].meta.ID, plans[i].meta.SearchText); err != nil {
				s.logger.Warn("failed to index search text", "frame", plans[i].meta.ID, "err", err)
			}
		}
	}
	return nil
}

// appendSimpleEntry encodes and appends one non-put entry with the single
// commit-and-retry discipline.
func (s *Store) appendSimpleEntry(entry walring.Entry) error {
	payload, err := walring.EncodeEntry(entry)
	if err != nil {
		return &EncodingError{Reason: err.Error()}
	}
	seq, err := s.wal.Append(payload)
	var capErr *CapacityExceededError
	if errors.As(err, &capErr) {
		if cerr := s.commitLocked(); cerr != nil {
			return cerr
		}
		seq, err = s.wal.Append(payload)
	}
	if err != nil {
		return ioErr("wal append", err)
	}
	s.pending = append(s.pending, pendingMutation{seq: seq, entry: entry})
	return nil
}

// frameKnown reports whether id is committed or pending.
func (s *Store) frameKnown(id uint64) bool {
	return id < uint64(len(s.toc.Frames)+s.pendingPuts)
}

// Delete marks a frame deleted at the next commit.
func (s *Store) Delete(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if !s.frameKnown(id) {
		return &FrameNotFoundError{ID: id}
	}
	if err := s.appendSimpleEntry(walring.DeleteFrameEntry{ID: id}); err != nil {
		return err
	}
	if err := s.lex.RemoveDocument(id); err != nil {
		s.logger.Warn("failed to drop document", "frame", id, "err", err)
	}
	return nil
}

// Supersede links frames at the next commit: newID supersedes oldID.
func (s *Store) Supersede(oldID, newID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if oldID == newID {
		return fmt.Errorf("frame %d cannot supersede itself", oldID)
	}
	if !s.frameKnown(oldID) {
		return &FrameNotFoundError{ID: oldID}
	}
	if !s.frameKnown(newID) {
		return &FrameNotFoundError{ID: newID}
	}
	return s.appendSimpleEntry(walring.SupersedeFrameEntry{Old: oldID, New: newID})
}

// resolveVecDimension returns the authoritative embedding width: staged
// manifest, then committed manifest, then configuration. Zero means
// undetermined.
func (s *Store) resolveVecDimension() int {
	if s.stagedVec != nil {
		return int(s.stagedVec.dimension)
	}
	if s.toc.Vec != nil {
		return int(s.toc.Vec.Dimension)
	}
	return s.opts.VectorDimension
}

// PutEmbedding enqueues an embedding for the frame. The dimension must
// match the configured vector index.
func (s *Store) PutEmbedding(id uint64, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.putEmbeddingLocked(id, vec)
}

// PutEmbeddingBatch enqueues embeddings for many frames.
func (s *Store) PutEmbeddingBatch(ids []uint64, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return fmt.Errorf("id/vector count mismatch: %d vs %d", len(ids), len(vecs))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for i := range ids {
		if err := s.putEmbeddingLocked(ids[i], vecs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) putEmbeddingLocked(id uint64, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty embedding for frame %d", id)
	}
	if dim := s.resolveVecDimension(); dim != 0 && len(vec) != dim {
		return fmt.Errorf("embedding for frame %d has dimension %d, index expects %d", id, len(vec), dim)
	}
	for _, p := range s.pending {
		if e, ok := p.entry.(walring.PutEmbeddingEntry); ok && len(e.Vector) != len(vec) {
			return fmt.Errorf("embedding for frame %d has dimension %d, pending embeddings use %d", id, len(vec), len(e.Vector))
		}
	}
	if err := s.appendSimpleEntry(walring.PutEmbeddingEntry{FrameID: id, Vector: vec}); err != nil {
		return err
	}
	s.pendingEmbeddings++
	return nil
}

// ===========================================================================
// INDEX STAGING
// ===========================================================================

// StageLexIndexForNextCommit stages a lex index image plus its manifest
// fields. Each staging bumps the stage stamp.
func (s *Store) StageLexIndexForNextCommit(data []byte, docCount uint64, version uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if len(data) == 0 {
		return fmt.Errorf("empty lex index blob")
	}
	s.stagedLex = &stagedBlob{
		data:     data,
		checksum: digest.Sum(data),
		docCount: docCount,
		version:  version,
	}
	s.stageStamp++
	return nil
}

// StageVecIndexForNextCommit stages a vector index image plus its
// manifest fields, validating dimension and similarity compatibility.
func (s *Store) StageVecIndexForNextCommit(data []byte, vectorCount uint64, dimension uint32, similarity Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if len(data) == 0 {
		return fmt.Errorf("empty vec index blob")
	}
	if dimension == 0 {
		return fmt.Errorf("zero vec index dimension")
	}
	if m := s.toc.Vec; m != nil {
		if m.Dimension != dimension {
			return fmt.Errorf("staged vec dimension %d conflicts with committed %d", dimension, m.Dimension)
		}
		if Metric(m.Similarity) != similarity {
			return fmt.Errorf("staged vec similarity %s conflicts with committed %s", similarity, Metric(m.Similarity))
		}
	} else if similarity != s.opts.Metric {
		return fmt.Errorf("staged vec similarity %s conflicts with configured %s", similarity, s.opts.Metric)
	}
	if d := s.opts.VectorDimension; d != 0 && d != int(dimension) {
		return fmt.Errorf("staged vec dimension %d conflicts with configured %d", dimension, d)
	}
	for _, p := range s.pending {
		if e, ok := p.entry.(walring.PutEmbeddingEntry); ok && len(e.Vector) != int(dimension) {
			return fmt.Errorf("staged vec dimension %d conflicts with pending embedding of %d", dimension, len(e.Vector))
		}
	}
	s.stagedVec = &stagedBlob{
		data:        data,
		checksum:    digest.Sum(data),
		vectorCount: vectorCount,
		dimension:   dimension,
		similarity:  similarity,
	}
	s.stageStamp++
	return nil
}

// StageLexSnapshot serializes the store's own lex engine and stages it.
func (s *Store) StageLexSnapshot(compact bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	docs, err := s.lex.DocCount()
	if err != nil {
		return err
	}
	data, err := s.lex.Serialize(compact)
	if err != nil {
		return err
	}
	s.stagedLex = &stagedBlob{
		data:     data,
		checksum: digest.Sum(data),
		docCount: docs,
		version:  1,
	}
	s.stageStamp++
	return nil
}

// StageStamp returns the monotonic staging stamp; callers use it to
// detect that their staged blob was committed or replaced.
func (s *Store) StageStamp() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stageStamp
}
