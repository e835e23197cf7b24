package framevault

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStore creates a store in a temp directory.
func newTestStore(t *testing.T, opts Options) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mv2s")
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	s, err := Create(path, opts)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s, path
}

// reopen closes the store and opens the same file again.
func reopen(t *testing.T, s *Store, path string, opts Options) *Store {
	t.Helper()
	if err := s.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	reopened, err := Open(path, opts)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	return reopened
}

// =============================================================================
// SUITE 1: DURABILITY
// =============================================================================

// TestPutCommitReopen covers the basic durability cycle:
// put -> commit -> close -> open -> read.
func TestPutCommitReopen(t *testing.T) {
	opts := Options{WALSize: 65536}
	s, path := newTestStore(t, opts)

	id, err := s.Put([]byte("hello"), PutOptions{CaptureMs: 1000}, EncodingPlain)
	assert.NilError(t, err)
	assert.Equal(t, id, uint64(0))
	assert.NilError(t, s.Commit())

	s = reopen(t, s, path, opts)
	defer s.Close()

	content, err := s.FrameContent(0)
	assert.NilError(t, err)
	assert.DeepEqual(t, content, []byte("hello"))

	st := s.Stats()
	assert.Equal(t, st.FrameCount, uint64(1))
	assert.Equal(t, st.Generation, uint64(1))
}

// TestCrashBeforeCommit simulates a crash between WAL append and commit:
// - two puts, no commit, close (pending stays in the ring)
// - reopen reconstructs both as pending
// - a commit then makes them durable
func TestCrashBeforeCommit(t *testing.T) {
	opts := Options{WALSize: 65536}
	s, path := newTestStore(t, opts)

	_, err := s.Put([]byte("a"), PutOptions{CaptureMs: 1}, EncodingPlain)
	assert.NilError(t, err)
	_, err = s.Put([]byte("b"), PutOptions{CaptureMs: 2}, EncodingPlain)
	assert.NilError(t, err)

	// No commit: the TOC still has zero frames after reopen.
	s = reopen(t, s, path, opts)
	assert.Equal(t, s.Stats().FrameCount, uint64(0))
	assert.Equal(t, s.Stats().PendingMutations, 2)

	metas, err := s.FrameMetasIncludingPending([]uint64{0, 1})
	assert.NilError(t, err)
	assert.Equal(t, len(metas), 2)
	assert.Equal(t, metas[0].ID, uint64(0))
	assert.Equal(t, metas[1].ID, uint64(1))

	assert.NilError(t, s.Commit())
	s = reopen(t, s, path, opts)
	defer s.Close()

	all := s.AllFrameMetas()
	assert.Equal(t, len(all), 2)
	a, err := s.FrameContent(0)
	assert.NilError(t, err)
	assert.DeepEqual(t, a, []byte("a"))
	b, err := s.FrameContent(1)
	assert.NilError(t, err)
	assert.DeepEqual(t, b, []byte("b"))
}

// TestSupersede verifies the bidirectional link and its symmetry after
// commit and reopen.
func TestSupersede(t *testing.T) {
	opts := Options{WALSize: 65536}
	s, path := newTestStore(t, opts)

	for i := 0; i < 3; i++ {
		_, err := s.Put([]byte{byte(i)}, PutOptions{CaptureMs: int64(i + 1)}, EncodingPlain)
		assert.NilError(t, err)
	}
	assert.NilError(t, s.Commit())
	assert.NilError(t, s.Supersede(0, 2))
	assert.NilError(t, s.Commit())

	s = reopen(t, s, path, opts)
	defer s.Close()

	f0, err := s.FrameMeta(0)
	assert.NilError(t, err)
	assert.Equal(t, *f0.SupersededBy, uint64(2))
	f2, err := s.FrameMeta(2)
	assert.NilError(t, err)
	assert.Equal(t, *f2.Supersedes, uint64(0))

	// The timeline excludes superseded frames.
	frames := s.Timeline(TimelineQuery{})
	ids := make([]uint64, len(frames))
	for i, f := range frames {
		ids[i] = f.ID
	}
	assert.DeepEqual(t, ids, []uint64{2, 1})
}

// TestWALWrap drives a small ring through wraps: padding records are
// consumed transparently and all committed content stays readable.
func TestWALWrap(t *testing.T) {
	opts := Options{WALSize: 4096}
	s, path := newTestStore(t, opts)

	const n = 40
	for i := 0; i < n; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 300)
		id, err := s.Put(payload, PutOptions{CaptureMs: int64(i)}, EncodingPlain)
		assert.NilError(t, err)
		assert.Equal(t, id, uint64(i))
	}
	assert.NilError(t, s.Commit())
	assert.Assert(t, s.Stats().WAL.WrapCount >= 1)

	s = reopen(t, s, path, opts)
	defer s.Close()

	assert.Equal(t, s.Stats().FrameCount, uint64(n))
	for i := 0; i < n; i++ {
		content, err := s.FrameContent(uint64(i))
		assert.NilError(t, err)
		assert.DeepEqual(t, content, bytes.Repeat([]byte{byte(i)}, 300))
	}
}

// TestDelete verifies deletion is pending until commit and survives
// reopen.
func TestDelete(t *testing.T) {
	opts := Options{WALSize: 65536}
	s, path := newTestStore(t, opts)

	_, err := s.Put([]byte("x"), PutOptions{CaptureMs: 1}, EncodingPlain)
	assert.NilError(t, err)
	assert.NilError(t, s.Commit())
	assert.NilError(t, s.Delete(0))

	// Still active in the committed snapshot.
	f, err := s.FrameMeta(0)
	assert.NilError(t, err)
	assert.Equal(t, f.Status, StatusActive)

	assert.NilError(t, s.Commit())
	s = reopen(t, s, path, opts)
	defer s.Close()

	f, err = s.FrameMeta(0)
	assert.NilError(t, err)
	assert.Equal(t, f.Status, StatusDeleted)
	assert.Equal(t, len(s.Timeline(TimelineQuery{})), 0)
}

// =============================================================================
// SUITE 2: PAYLOAD ENCODINGS
// =============================================================================

// TestCompressedPayload verifies the strictly-shorter rule, canonical
// digests, content reads, and previews for compressed frames.
func TestCompressedPayload(t *testing.T) {
	opts := Options{WALSize: 65536}
	s, path := newTestStore(t, opts)

	payload := bytes.Repeat([]byte("compressible pattern "), 100)
	id, err := s.Put(payload, PutOptions{CaptureMs: 1}, EncodingZstd)
	assert.NilError(t, err)
	assert.NilError(t, s.Commit())

	s = reopen(t, s, path, opts)
	defer s.Close()

	f, err := s.FrameMeta(id)
	assert.NilError(t, err)
	assert.Equal(t, f.Encoding, EncodingZstd)
	assert.Equal(t, *f.CanonicalLength, uint64(len(payload)))
	assert.Assert(t, f.PayloadLength < uint64(len(payload)))

	content, err := s.FrameContent(id)
	assert.NilError(t, err)
	assert.DeepEqual(t, content, payload)

	stored, err := s.FrameStoredContent(id)
	assert.NilError(t, err)
	assert.Equal(t, uint64(len(stored)), f.PayloadLength)

	preview, err := s.FramePreview(id, 10)
	assert.NilError(t, err)
	assert.DeepEqual(t, preview, payload[:10])
}

// TestIncompressiblePayloadFallsBack verifies the plain fallback when
// compression does not win.
func TestIncompressiblePayloadFallsBack(t *testing.T) {
	s, _ := newTestStore(t, Options{WALSize: 65536})
	defer s.Close()

	noise := make([]byte, 64)
	for i := range noise {
		noise[i] = byte(i*201 + 7)
	}
	id, err := s.Put(noise, PutOptions{CaptureMs: 1}, EncodingLZ4)
	assert.NilError(t, err)
	assert.NilError(t, s.Commit())

	f, err := s.FrameMeta(id)
	assert.NilError(t, err)
	assert.Equal(t, f.Encoding, EncodingPlain)
	assert.Equal(t, f.CanonicalDigest, f.StoredDigest)
}

// =============================================================================
// SUITE 3: BATCH AND EMBEDDINGS
// =============================================================================

// TestPutBatch verifies contiguous id assignment and the mapped-region
// write path.
func TestPutBatch(t *testing.T) {
	opts := Options{WALSize: 65536}
	s, path := newTestStore(t, opts)

	contents := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	putOpts := []PutOptions{{CaptureMs: 1}, {CaptureMs: 2}, {CaptureMs: 3}}
	ids, err := s.PutBatch(contents, putOpts, EncodingPlain)
	assert.NilError(t, err)
	assert.DeepEqual(t, ids, []uint64{0, 1, 2})
	assert.NilError(t, s.Commit())

	s = reopen(t, s, path, opts)
	defer s.Close()

	got, err := s.FrameContents(ids)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, contents)
}

// TestEmbeddingsRequireStagedIndex verifies the commit precondition and
// the dimension checks at enqueue.
func TestEmbeddingsRequireStagedIndex(t *testing.T) {
	s, _ := newTestStore(t, Options{WALSize: 65536, VectorDimension: 2})
	defer s.Close()

	_, err := s.Put([]byte("v"), PutOptions{CaptureMs: 1}, EncodingPlain)
	assert.NilError(t, err)

	// Wrong dimension rejected at enqueue.
	assert.Assert(t, s.PutEmbedding(0, []float32{1, 2, 3}) != nil)

	assert.NilError(t, s.PutEmbedding(0, []float32{1, 0}))
	assert.Assert(t, s.Commit() != nil) // no staged vec index

	idx, err := NewVectorIndex(2, MetricCosine)
	assert.NilError(t, err)
	assert.NilError(t, idx.Add(0, []float32{1, 0}))
	assert.NilError(t, s.StageVecIndexForNextCommit(idx.Serialize(), 1, 2, MetricCosine))
	assert.NilError(t, s.Commit())

	blob, err := s.ReadCommittedVecIndexBytes()
	assert.NilError(t, err)
	back, err := DeserializeVectorIndex(blob, 2, MetricCosine)
	assert.NilError(t, err)
	assert.Equal(t, back.Count(), 1)
}

// TestEmbeddingForUnknownFrameRejectedAtCommit verifies the applyPending
// guard for ids past the maximum known frame.
func TestEmbeddingForUnknownFrameRejectedAtCommit(t *testing.T) {
	s, _ := newTestStore(t, Options{WALSize: 65536, VectorDimension: 2})
	defer s.Close()

	assert.NilError(t, s.PutEmbedding(99, []float32{1, 0}))
	idx, err := NewVectorIndex(2, MetricCosine)
	assert.NilError(t, err)
	assert.NilError(t, idx.Add(99, []float32{1, 0}))
	assert.NilError(t, s.StageVecIndexForNextCommit(idx.Serialize(), 1, 2, MetricCosine))
	assert.Assert(t, s.Commit() != nil)
}

// =============================================================================
// SUITE 4: VERIFY, SURROGATES, LEASES
// =============================================================================

// TestVerifyDeep verifies both verification levels over a mixed corpus.
func TestVerifyDeep(t *testing.T) {
	s, _ := newTestStore(t, Options{WALSize: 65536})
	defer s.Close()

	_, err := s.Put([]byte("plain"), PutOptions{CaptureMs: 1, SearchText: "plain text"}, EncodingPlain)
	assert.NilError(t, err)
	_, err = s.Put(bytes.Repeat([]byte("zip "), 200), PutOptions{CaptureMs: 2}, EncodingZstd)
	assert.NilError(t, err)
	assert.NilError(t, s.StageLexSnapshot(false))
	assert.NilError(t, s.Commit())

	res, err := s.Verify(context.Background(), false)
	assert.NilError(t, err)
	assert.Equal(t, res.FrameCount, 2)
	assert.Assert(t, !res.Deep)

	res, err = s.Verify(context.Background(), true)
	assert.NilError(t, err)
	assert.Equal(t, res.PayloadsChecked, 2)
	assert.Equal(t, res.SegmentsChecked, 1)
}

// TestSurrogateLookup verifies the lazily built source -> surrogate map
// and its exclusion rules.
func TestSurrogateLookup(t *testing.T) {
	s, _ := newTestStore(t, Options{WALSize: 65536})
	defer s.Close()

	_, err := s.Put([]byte("src"), PutOptions{CaptureMs: 1}, EncodingPlain)
	assert.NilError(t, err)
	_, err = s.Put([]byte("sur"), PutOptions{
		CaptureMs: 2,
		Kind:      "surrogate",
		Metadata:  map[string]string{"source_frame_id": "0"},
	}, EncodingPlain)
	assert.NilError(t, err)
	assert.NilError(t, s.Commit())

	id, ok := s.SurrogateFrameID(0)
	assert.Assert(t, ok)
	assert.Equal(t, id, uint64(1))

	// Deleting the surrogate removes the mapping after commit.
	assert.NilError(t, s.Delete(1))
	assert.NilError(t, s.Commit())
	_, ok = s.SurrogateFrameID(0)
	assert.Assert(t, !ok)
}

// TestReadMissingFrame verifies the not-found taxonomy error.
func TestReadMissingFrame(t *testing.T) {
	s, _ := newTestStore(t, Options{WALSize: 65536})
	defer s.Close()

	_, err := s.FrameContent(42)
	var notFound *FrameNotFoundError
	assert.Assert(t, errorsAs(err, &notFound))
	assert.Equal(t, notFound.ID, uint64(42))
}
