package framevault

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/btree"

	"github.com/framevault/framevault/internal/container"
	"github.com/framevault/framevault/internal/digest"
	"github.com/framevault/framevault/internal/fsio"
	"github.com/framevault/framevault/internal/lex"
	"github.com/framevault/framevault/internal/logging"
	"github.com/framevault/framevault/internal/vector"
	"github.com/framevault/framevault/internal/walring"
)

// ===========================================================================
// STORE ACTOR
// ===========================================================================
//
// The store is the single owner of one container file. All mutations
// serialize through the write lock; reads share the committed TOC
// snapshot under the read lock. The WAL ring holds pending mutations;
// commit folds them into a fresh TOC, appends staged index blobs, writes
// TOC + footer, flips the header, and checkpoints the ring.
//
// File layout:
//   [0,4096)      header page A
//   [4096,8192)   header page B
//   [8192,+wal)   WAL ring
//   [data ...)    payloads, index segments, TOC, footer (appended)
//
// ===========================================================================

// walOffset is fixed: the WAL ring begins right after the header pages.
const walOffset = 2 * container.HeaderPageSize

// dataStart returns the first data-region byte for a given ring size.
func dataStart(walSize uint64) uint64 { return walOffset + walSize }

// minWALSize keeps room for at least one record and the sentinel.
const minWALSize = 4096

// pendingMutation is one WAL entry awaiting commit.
type pendingMutation struct {
	seq   uint64
	entry walring.Entry
}

// stagedBlob is an index image staged for the next commit.
type stagedBlob struct {
	data     []byte
	checksum [32]byte

	// lex fields
	docCount uint64
	version  uint32

	// vec fields
	vectorCount uint64
	dimension   uint32
	similarity  Metric
}

// timelineItem orders frames by capture time in the timeline index.
type timelineItem struct {
	captureMs int64
	id        uint64
}

func timelineLess(a, b timelineItem) bool {
	if a.captureMs != b.captureMs {
		return a.captureMs < b.captureMs
	}
	return a.id < b.id
}

// Store is a single-file frame store with hybrid retrieval.
type Store struct {
	mu         sync.RWMutex
	f          *fsio.File
	opts       Options
	logger     *slog.Logger
	logCleanup func()

	path       string
	scratchDir string

	walSize uint64
	wal     *walring.Writer

	generation     uint64
	pageGeneration uint64
	headerSlot     int // slot of the current valid page; writes go to the other
	committedSeq   uint64
	footerOffset   uint64
	dataEnd        uint64

	toc *container.TOC

	pending           []pendingMutation
	pendingPuts       int
	pendingEmbeddings int

	stagedLex  *stagedBlob
	stagedVec  *stagedBlob
	stageStamp uint64

	lex *lex.Engine
	vec *vector.Index

	lease *leaseState

	surrogate map[uint64]uint64 // lazily built source -> surrogate map
	timeline  *btree.BTreeG[timelineItem]

	closed bool
}

// Create builds a new container file at path and opens it.
func Create(path string, opts Options) (*Store, error) {
	walSize := opts.WALSize
	if walSize == 0 {
		walSize = DefaultWALSize
	}
	if walSize < minWALSize {
		return nil, fmt.Errorf("wal size %d below minimum %d", walSize, minWALSize)
	}

	f, err := fsio.Create(path)
	if err != nil {
		return nil, ioErr("create", err)
	}

	s, err := initStore(f, path, opts, walSize)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return s, nil
}

// initStore lays out a fresh container: zero sentinel, empty TOC, footer,
// and both header pages.
func initStore(f *fsio.File, path string, opts Options, walSize uint64) (*Store, error) {
	logger, cleanup := resolveLogger(opts)

	if err := f.Truncate(int64(dataStart(walSize))); err != nil {
		cleanup()
		return nil, ioErr("layout", err)
	}
	if err := f.WriteAll(walring.Sentinel(), walOffset); err != nil {
		cleanup()
		return nil, ioErr("sentinel", err)
	}

	// Generation 0: an empty TOC and its footer.
	emptyTOC := &container.TOC{}
	tocBytes, tocSum := emptyTOC.Encode()
	tocOffset := dataStart(walSize)
	if err := f.WriteAll(tocBytes, int64(tocOffset)); err != nil {
		cleanup()
		return nil, ioErr("toc", err)
	}
	footerOffset := tocOffset + uint64(len(tocBytes))
	footer := &container.Footer{
		TOCLen:  uint64(len(tocBytes)),
		TOCHash: digest.Sum(tocBytes),
	}
	if err := f.WriteAll(footer.Encode(), int64(footerOffset)); err != nil {
		cleanup()
		return nil, ioErr("footer", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return nil, ioErr("fsync", err)
	}

	page := &container.HeaderPage{
		PageGeneration: 1,
		FooterOffset:   footerOffset,
		WALOffset:      walOffset,
		WALSize:        walSize,
		TOCChecksum:    tocSum,
		Snapshot:       &container.ReplaySnapshot{},
	}
	if err := f.WriteAll(page.Encode(), 0); err != nil {
		cleanup()
		return nil, ioErr("header", err)
	}
	pageB := *page
	pageB.PageGeneration = 0
	if err := f.WriteAll(pageB.Encode(), container.HeaderPageSize); err != nil {
		cleanup()
		return nil, ioErr("header", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return nil, ioErr("fsync", err)
	}

	s := &Store{
		f:              f,
		opts:           opts,
		logger:         logger,
		logCleanup:     cleanup,
		path:           path,
		scratchDir:     path + ".scratch",
		walSize:        walSize,
		generation:     0,
		pageGeneration: 1,
		headerSlot:     0,
		footerOffset:   footerOffset,
		dataEnd:        footerOffset + container.FooterSize,
		toc:            emptyTOC,
		lease:          newLeaseState(),
		timeline:       btree.NewG(32, timelineLess),
	}
	s.wal = walring.NewWriter(f, walOffset, walSize, walring.State{}, opts.Fsync, logger)

	if err := s.openLexEngine(); err != nil {
		cleanup()
		f.Close()
		return nil, err
	}
	logger.Info("store created", "path", path, "walSize", walSize)
	return s, nil
}

// Open opens an existing container file.
func Open(path string, opts Options) (*Store, error) {
	logger, cleanup := resolveLogger(opts)

	f, err := fsio.Open(path)
	if err != nil {
		cleanup()
		return nil, ioErr("open", err)
	}
	s, err := loadStore(f, path, opts, logger, cleanup)
	if err != nil {
		cleanup()
		f.Close()
		return nil, err
	}
	return s, nil
}

// loadStore performs recovery: valid header, last valid footer, TOC
// decode + validation, WAL scan, engine reloads.
func loadStore(f *fsio.File, path string, opts Options, logger *slog.Logger, cleanup func()) (*Store, error) {
	pageA := make([]byte, container.HeaderPageSize)
	pageB := make([]byte, container.HeaderPageSize)
	if err := f.ReadExactly(pageA, 0); err != nil {
		return nil, ioErr("header read", err)
	}
	if err := f.ReadExactly(pageB, container.HeaderPageSize); err != nil {
		return nil, ioErr("header read", err)
	}
	header, slot, err := container.SelectHeader(pageA, pageB)
	if err != nil {
		return nil, err
	}
	if header.WALOffset != walOffset {
		return nil, &InvalidHeaderError{Reason: fmt.Sprintf("unexpected wal offset %d", header.WALOffset)}
	}

	fileSize, err := f.Size()
	if err != nil {
		return nil, ioErr("stat", err)
	}

	// The last valid footer wins; generation and committed sequence come
	// from the footer itself so a commit interrupted between footer and
	// header flip completes rather than double-applying.
	footer, footerOff, tocBytes, err := container.LocateFooter(f, int64(header.FooterOffset), fileSize)
	if err != nil {
		return nil, err
	}
	toc, _, err := container.DecodeTOC(tocBytes)
	if err != nil {
		return nil, err
	}
	if err := toc.Validate(dataStart(header.WALSize), uint64(footerOff)); err != nil {
		return nil, err
	}

	entries, scanState, err := walring.ScanEntries(f, walOffset, header.WALSize, header.WALCheckpointPos, footer.WALCommittedSeq)
	if err != nil {
		return nil, err
	}
	if snap := header.Snapshot; snap != nil && snap.LastSeq != scanState.LastSequence {
		logger.Debug("replay snapshot superseded by ring scan",
			"snapshotSeq", snap.LastSeq, "scanSeq", scanState.LastSequence)
	}

	s := &Store{
		f:              f,
		opts:           opts,
		logger:         logger,
		logCleanup:     cleanup,
		path:           path,
		scratchDir:     path + ".scratch",
		walSize:        header.WALSize,
		generation:     footer.FileGeneration,
		pageGeneration: header.PageGeneration,
		headerSlot:     slot,
		committedSeq:   footer.WALCommittedSeq,
		footerOffset:   uint64(footerOff),
		dataEnd:        uint64(footerOff) + container.FooterSize,
		toc:            toc,
		lease:          newLeaseState(),
		timeline:       btree.NewG(32, timelineLess),
	}

	wrapCount := uint64(0)
	if snap := header.Snapshot; snap != nil {
		wrapCount = snap.WrapCount
	}
	s.wal = walring.NewWriter(f, walOffset, s.walSize, walring.State{
		WritePos:      scanState.WritePos,
		CheckpointPos: header.WALCheckpointPos,
		PendingBytes:  scanState.PendingBytes,
		LastSequence:  maxU64(scanState.LastSequence, footer.WALCommittedSeq),
		WrapCount:     wrapCount,
	}, opts.Fsync, logger)

	// Rebuild pending mutations in sequence order and extend the data end
	// over pending payloads.
	for _, se := range entries {
		s.pending = append(s.pending, pendingMutation{seq: se.Sequence, entry: se.Entry})
		switch e := se.Entry.(type) {
		case walring.PutFrameEntry:
			s.pendingPuts++
			if end := e.Frame.PayloadOffset + e.Frame.PayloadLength; end > s.dataEnd {
				s.dataEnd = end
			}
		case walring.PutEmbeddingEntry:
			s.pendingEmbeddings++
		}
	}

	if opts.Repair && uint64(fileSize) > s.dataEnd {
		logger.Info("repair: truncating trailing bytes", "from", fileSize, "to", s.dataEnd)
		if err := f.Truncate(int64(s.dataEnd)); err != nil {
			return nil, ioErr("repair truncate", err)
		}
	}

	if err := s.openLexEngine(); err != nil {
		return nil, err
	}
	if err := s.loadCommittedIndexes(); err != nil {
		return nil, err
	}
	s.rebuildTimeline()
	s.reindexPendingSearchText()

	logger.Info("store opened", "path", path, "generation", s.generation,
		"frames", len(toc.Frames), "pending", len(s.pending))
	return s, nil
}

// openLexEngine prepares the scratch-backed lex database. Stale scratch
// from a crashed process is discarded; the committed blob is the source
// of truth.
func (s *Store) openLexEngine() error {
	if err := os.RemoveAll(s.scratchDir); err != nil {
		return ioErr("scratch dir", err)
	}
	if err := os.MkdirAll(s.scratchDir, 0o755); err != nil {
		return ioErr("scratch dir", err)
	}
	e, err := lex.Open(filepath.Join(s.scratchDir, "lex.db"), s.logger)
	if err != nil {
		return err
	}
	s.lex = e
	return nil
}

// loadCommittedIndexes restores the lex and vec engines from their
// manifests, verifying segment checksums first.
func (s *Store) loadCommittedIndexes() error {
	if m := s.toc.Lex; m != nil {
		data, err := s.readVerifiedSegment(m.Offset, m.Length, m.Checksum, "lex index")
		if err != nil {
			return err
		}
		if err := s.lex.LoadBlob(data); err != nil {
			return err
		}
	}
	if m := s.toc.Vec; m != nil {
		data, err := s.readVerifiedSegment(m.Offset, m.Length, m.Checksum, "vec index")
		if err != nil {
			return err
		}
		idx, err := vector.Deserialize(data, int(m.Dimension), Metric(m.Similarity))
		if err != nil {
			return ioErr("vec deserialize", err)
		}
		s.vec = idx
	}
	return nil
}

// readVerifiedSegment reads a byte range and checks its digest.
func (s *Store) readVerifiedSegment(offset, length uint64, checksum [32]byte, scope string) ([]byte, error) {
	data := make([]byte, length)
	if err := s.f.ReadExactly(data, int64(offset)); err != nil {
		return nil, ioErr("segment read", err)
	}
	if digest.Sum(data) != checksum {
		return nil, &ChecksumMismatchError{Scope: scope}
	}
	return data, nil
}

// rebuildTimeline loads the capture-time index from the committed TOC.
func (s *Store) rebuildTimeline() {
	s.timeline = btree.NewG(32, timelineLess)
	for i := range s.toc.Frames {
		f := &s.toc.Frames[i]
		s.timeline.ReplaceOrInsert(timelineItem{captureMs: f.CaptureMs, id: f.ID})
	}
}

// reindexPendingSearchText replays pending frames' search text into the
// lex engine; the scratch database does not survive a crash.
func (s *Store) reindexPendingSearchText() {
	for _, p := range s.pending {
		switch e := p.entry.(type) {
		case walring.PutFrameEntry:
			if e.Frame.SearchText != "" {
				if err := s.lex.AddDocument(e.Frame.ID, e.Frame.SearchText); err != nil {
					s.logger.Warn("failed to reindex pending search text", "frame", e.Frame.ID, "err", err)
				}
			}
		case walring.DeleteFrameEntry:
			if err := s.lex.RemoveDocument(e.ID); err != nil {
				s.logger.Warn("failed to drop pending document", "frame", e.ID, "err", err)
			}
		}
	}
}

func resolveLogger(opts Options) (*slog.Logger, func()) {
	if opts.Logger != nil {
		return opts.Logger, func() {}
	}
	return logging.Setup()
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// Flush forces the WAL region to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return ioErr("flush", s.wal.Sync())
}

// Close flushes batched work and releases the file handle and advisory
// lock. Pending WAL mutations survive to the next open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if err := s.lex.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if !s.wal.Faulted() {
		if err := s.wal.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	os.RemoveAll(s.scratchDir)
	s.logCleanup()
	return ioErr("close", firstErr)
}

// ===========================================================================
// STATS
// ===========================================================================

// WALStats describes the ring writer's position.
type WALStats struct {
	Size              uint64
	WritePos          uint64
	CheckpointPos     uint64
	PendingBytes      uint64
	WrapCount         uint64
	LastSequence      uint64
	CommittedSequence uint64
}

// IndexStats summarizes the committed index manifests.
type IndexStats struct {
	LexDocCount  uint64
	LexBytes     uint64
	VecCount     uint64
	VecDimension uint32
	VecBytes     uint64
}

// Stats is a point-in-time snapshot of the store.
type Stats struct {
	FrameCount       uint64
	ActiveFrames     uint64
	DeletedFrames    uint64
	SupersededFrames uint64
	PendingMutations int
	Generation       uint64
	DataEnd          uint64
	WAL              WALStats
	Index            IndexStats
}

// Stats returns a snapshot of the committed state and ring position.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	st.FrameCount = uint64(len(s.toc.Frames))
	for i := range s.toc.Frames {
		f := &s.toc.Frames[i]
		switch {
		case f.Status == StatusDeleted:
			st.DeletedFrames++
		case f.SupersededBy != nil:
			st.SupersededFrames++
		default:
			st.ActiveFrames++
		}
	}
	st.PendingMutations = len(s.pending)
	st.Generation = s.generation
	st.DataEnd = s.dataEnd

	ws := s.wal.Snapshot()
	st.WAL = WALStats{
		Size:              s.walSize,
		WritePos:          ws.WritePos,
		CheckpointPos:     ws.CheckpointPos,
		PendingBytes:      ws.PendingBytes,
		WrapCount:         ws.WrapCount,
		LastSequence:      ws.LastSequence,
		CommittedSequence: s.committedSeq,
	}
	if m := s.toc.Lex; m != nil {
		st.Index.LexDocCount = m.DocCount
		st.Index.LexBytes = m.Length
	}
	if m := s.toc.Vec; m != nil {
		st.Index.VecCount = m.VectorCount
		st.Index.VecDimension = m.Dimension
		st.Index.VecBytes = m.Length
	}
	return st
}

// ===========================================================================
// TIMELINE
// ===========================================================================

// TimelineQuery selects committed frames by capture time.
type TimelineQuery struct {
	SinceMs *int64
	UntilMs *int64
	Limit   int
	Kinds   []string
	Track   string
}

// Timeline returns committed frames in reverse-chronological order,
// excluding deleted and superseded frames. Ties on capture time break by
// frame id descending so the order is total.
func (s *Store) Timeline(q TimelineQuery) []FrameMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = len(s.toc.Frames)
	}
	kindSet := map[string]bool{}
	for _, k := range q.Kinds {
		kindSet[k] = true
	}

	var out []FrameMeta
	s.timeline.Descend(func(item timelineItem) bool {
		if q.SinceMs != nil && item.captureMs < *q.SinceMs {
			return false
		}
		if q.UntilMs != nil && item.captureMs >= *q.UntilMs {
			return true
		}
		f := &s.toc.Frames[item.id]
		if f.Status == StatusDeleted || f.SupersededBy != nil {
			return true
		}
		if len(kindSet) > 0 && !kindSet[f.Kind] {
			return true
		}
		if q.Track != "" && f.Track != q.Track {
			return true
		}
		out = append(out, f.Clone())
		return len(out) < limit
	})
	return out
}
