package framevault

import (
	"strconv"

	"github.com/framevault/framevault/internal/compress"
	"github.com/framevault/framevault/internal/walring"
)

// ===========================================================================
// READS
// ===========================================================================
//
// Reads run under the shared read lock against the committed TOC
// snapshot. Pending mutations are invisible except through the explicitly
// named including-pending lookups.
//
// ===========================================================================

// FrameMeta returns the committed metadata of one frame.
func (s *Store) FrameMeta(id uint64) (FrameMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return FrameMeta{}, ErrStoreClosed
	}
	return s.frameMetaLocked(id)
}

func (s *Store) frameMetaLocked(id uint64) (FrameMeta, error) {
	if id >= uint64(len(s.toc.Frames)) {
		return FrameMeta{}, &FrameNotFoundError{ID: id}
	}
	return s.toc.Frames[id].Clone(), nil
}

// FrameMetas returns committed metadata for the given ids.
func (s *Store) FrameMetas(ids []uint64) ([]FrameMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]FrameMeta, 0, len(ids))
	for _, id := range ids {
		f, err := s.frameMetaLocked(id)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// AllFrameMetas returns every committed frame in id order.
func (s *Store) AllFrameMetas() []FrameMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FrameMeta, len(s.toc.Frames))
	for i := range s.toc.Frames {
		out[i] = s.toc.Frames[i].Clone()
	}
	return out
}

// FrameMetasIncludingPending overlays pending putFrame records onto the
// committed snapshot by id.
func (s *Store) FrameMetasIncludingPending(ids []uint64) ([]FrameMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	pendingByID := make(map[uint64]FrameMeta)
	for _, p := range s.pending {
		if e, ok := p.entry.(walring.PutFrameEntry); ok {
			pendingByID[e.Frame.ID] = e.Frame
		}
	}

	out := make([]FrameMeta, 0, len(ids))
	for _, id := range ids {
		if f, ok := pendingByID[id]; ok {
			out = append(out, f.Clone())
			continue
		}
		f, err := s.frameMetaLocked(id)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// FrameContent returns the canonical payload bytes, decompressing when the
// stored form is compressed.
func (s *Store) FrameContent(id uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.frameContentLocked(id)
}

func (s *Store) frameContentLocked(id uint64) ([]byte, error) {
	f, err := s.frameMetaLocked(id)
	if err != nil {
		return nil, err
	}
	stored, err := s.readPayload(&f)
	if err != nil {
		return nil, err
	}
	if f.Encoding == compress.Plain {
		return stored, nil
	}
	out, err := compress.Decompress(f.Encoding, stored, int(*f.CanonicalLength))
	if err != nil {
		return nil, &DecodingError{Reason: err.Error()}
	}
	return out, nil
}

// FrameStoredContent returns the raw stored bytes without decoding.
func (s *Store) FrameStoredContent(id uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	f, err := s.frameMetaLocked(id)
	if err != nil {
		return nil, err
	}
	return s.readPayload(&f)
}

func (s *Store) readPayload(f *FrameMeta) ([]byte, error) {
	if f.PayloadLength == 0 {
		return nil, nil
	}
	buf := make([]byte, f.PayloadLength)
	if err := s.f.ReadExactly(buf, int64(f.PayloadOffset)); err != nil {
		return nil, ioErr("payload read", err)
	}
	return buf, nil
}

// FrameContents returns canonical payloads for many frames.
func (s *Store) FrameContents(ids []uint64) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		content, err := s.frameContentLocked(id)
		if err != nil {
			return nil, err
		}
		out = append(out, content)
	}
	return out, nil
}

// FramePreview returns up to maxBytes of the canonical payload. Plain
// payloads read only the prefix; compressed payloads decompress first and
// slice.
func (s *Store) FramePreview(id uint64, maxBytes int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.framePreviewLocked(id, maxBytes)
}

func (s *Store) framePreviewLocked(id uint64, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultPreviewMaxBytes
	}
	f, err := s.frameMetaLocked(id)
	if err != nil {
		return nil, err
	}
	if f.Encoding == compress.Plain {
		n := uint64(maxBytes)
		if n > f.PayloadLength {
			n = f.PayloadLength
		}
		if n == 0 {
			return nil, nil
		}
		buf := make([]byte, n)
		if err := s.f.ReadExactly(buf, int64(f.PayloadOffset)); err != nil {
			return nil, ioErr("preview read", err)
		}
		return buf, nil
	}
	content, err := s.frameContentLocked(id)
	if err != nil {
		return nil, err
	}
	if len(content) > maxBytes {
		content = content[:maxBytes]
	}
	return content, nil
}

// FramePreviews returns previews for many frames; compressed entries fall
// through to single reads.
func (s *Store) FramePreviews(ids []uint64, maxBytes int) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		p, err := s.framePreviewLocked(id, maxBytes)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ===========================================================================
// SURROGATES
// ===========================================================================

// surrogateSourceKey is the metadata key linking a surrogate frame to its
// source.
const surrogateSourceKey = "source_frame_id"

// surrogateKind marks surrogate frames.
const surrogateKind = "surrogate"

// SurrogateFrameID resolves the surrogate frame of a source frame, if one
// exists. The inverted map builds lazily and excludes deleted and
// superseded frames.
func (s *Store) SurrogateFrameID(sourceID uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false
	}
	s.buildSurrogateMapLocked()
	id, ok := s.surrogate[sourceID]
	return id, ok
}

// SurrogateFrameIDs resolves surrogates for many source frames; missing
// entries are skipped.
func (s *Store) SurrogateFrameIDs(sourceIDs []uint64) map[uint64]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.buildSurrogateMapLocked()
	out := make(map[uint64]uint64)
	for _, src := range sourceIDs {
		if id, ok := s.surrogate[src]; ok {
			out[src] = id
		}
	}
	return out
}

func (s *Store) buildSurrogateMapLocked() {
	if s.surrogate != nil {
		return
	}
	s.surrogate = make(map[uint64]uint64)
	for i := range s.toc.Frames {
		f := &s.toc.Frames[i]
		if f.Kind != surrogateKind || f.Status == StatusDeleted || f.SupersededBy != nil {
			continue
		}
		src, ok := f.Metadata[surrogateSourceKey]
		if !ok {
			continue
		}
		sourceID, err := strconv.ParseUint(src, 10, 64)
		if err != nil {
			continue
		}
		s.surrogate[sourceID] = f.ID
	}
}

// ===========================================================================
// COMMITTED INDEX BYTES
// ===========================================================================

// ReadCommittedLexIndexBytes returns the committed lex blob after
// verifying its manifest checksum.
func (s *Store) ReadCommittedLexIndexBytes() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	m := s.toc.Lex
	if m == nil {
		return nil, nil
	}
	return s.readVerifiedSegment(m.Offset, m.Length, m.Checksum, "lex index")
}

// ReadCommittedVecIndexBytes returns the committed vec blob after
// verifying its manifest checksum.
func (s *Store) ReadCommittedVecIndexBytes() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	m := s.toc.Vec
	if m == nil {
		return nil, nil
	}
	return s.readVerifiedSegment(m.Offset, m.Length, m.Checksum, "vec index")
}
