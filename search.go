package framevault

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/framevault/framevault/internal/container"
	"github.com/framevault/framevault/internal/lex"
	"github.com/framevault/framevault/internal/vector"
)

// ===========================================================================
// HYBRID SEARCH
// ===========================================================================
//
// Search fuses up to four lanes — full text, vector, structured-memory
// evidence, and the timeline fallback — with weighted reciprocal-rank
// fusion. Fusion is deterministic for a fixed corpus and request: the
// tie-break chain is (fused score DESC, frame id ASC), and the as-of
// point defaults to the "latest" sentinel rather than wall-clock time.
//
// ===========================================================================

// SearchModeKind selects the active lanes.
type SearchModeKind uint8

const (
	ModeHybrid SearchModeKind = iota
	ModeTextOnly
	ModeVectorOnly
)

// SearchMode is the lane selection plus the hybrid blend.
type SearchMode struct {
	Kind SearchModeKind
	// Alpha weighs the vector lane against the text lane in hybrid mode;
	// clamped to [0, 1].
	Alpha float64
}

// Hybrid returns a hybrid mode with the given vector weight.
func Hybrid(alpha float64) SearchMode {
	return SearchMode{Kind: ModeHybrid, Alpha: alpha}
}

// TextOnly disables the vector lane.
func TextOnly() SearchMode { return SearchMode{Kind: ModeTextOnly} }

// VectorOnly disables the text lane.
func VectorOnly() SearchMode { return SearchMode{Kind: ModeVectorOnly, Alpha: 1} }

// Source identifies one lane in a result's sources bitset.
type Source uint8

const (
	SourceText Source = 1 << iota
	SourceVector
	SourceTimeline
	SourceStructuredMemory
)

// Has reports whether the lane contributed.
func (s Source) Has(lane Source) bool { return s&lane != 0 }

// TimeRange bounds the timeline lane by capture time, half-open.
type TimeRange struct {
	SinceMs int64
	UntilMs int64
}

// SearchRequest describes one hybrid query.
type SearchRequest struct {
	Query          string
	QueryEmbedding []float32

	TimeRange   *TimeRange
	FrameFilter []uint64
	TopK        int

	EnginePreference EnginePreference
	Mode             SearchMode

	PreviewMaxBytes       int
	AllowTimelineFallback bool
	TimelineFallbackLimit int

	// AsOf bounds structured-memory visibility; nil means the latest
	// sentinel.
	AsOf *AsOf
}

// SearchResult is one fused hit.
type SearchResult struct {
	FrameID uint64
	Score   float64
	Sources Source
	Preview string
}

// SearchResponse is the ordered result list.
type SearchResponse struct {
	Results []SearchResult
}

// rrfK is the reciprocal-rank-fusion constant.
const rrfK = 60.0

// smLaneWeight is the fixed structured-memory lane weight.
const smLaneWeight = 0.5

// candidateFactor oversamples lane candidates before fusion.
const candidateFactor = 4

// laneHits is one lane's ordered contribution.
type laneHits struct {
	source  Source
	weight  float64
	ids     []uint64
	preview map[uint64]string
}

// Search runs the hybrid pipeline and materializes fused results.
func (s *Store) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	toc := s.toc
	vecIdx := s.vec
	lexEng := s.lex
	embedder := s.opts.Embedder
	s.mu.RUnlock()

	topK := req.TopK
	if topK < 1 {
		topK = 1
	}
	if topK > vector.MaxTopK {
		topK = vector.MaxTopK
	}
	alpha := req.Mode.Alpha
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	asOf := AsOfLatest()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}

	allow := map[uint64]bool{}
	for _, id := range req.FrameFilter {
		allow[id] = true
	}
	allowed := func(id uint64) bool {
		return len(allow) == 0 || allow[id]
	}

	textEnabled := req.Mode.Kind != ModeVectorOnly && req.Query != ""
	vectorEnabled := req.Mode.Kind != ModeTextOnly &&
		(len(req.QueryEmbedding) > 0 || (embedder != nil && req.Query != "")) &&
		vecIdx != nil
	smEnabled := lexEng != nil && req.Query != ""
	timelineEnabled := req.AllowTimelineFallback && req.Query == "" && len(req.QueryEmbedding) == 0

	candidates := topK * candidateFactor

	var (
		textLane, vecLane, smLane *laneHits
	)
	g, _ := errgroup.WithContext(ctx)

	if textEnabled {
		g.Go(func() error {
			hits, err := lexEng.SearchText(req.Query, candidates)
			if err != nil {
				return fmt.Errorf("text lane failed: %w", err)
			}
			lane := &laneHits{source: SourceText, weight: 1 - alpha, preview: map[uint64]string{}}
			if req.Mode.Kind == ModeTextOnly {
				lane.weight = 1
			}
			for _, h := range hits {
				if !allowed(h.FrameID) {
					continue
				}
				lane.ids = append(lane.ids, h.FrameID)
				lane.preview[h.FrameID] = h.Snippet
			}
			textLane = lane
			return nil
		})
	}

	if vectorEnabled {
		g.Go(func() error {
			embedding := req.QueryEmbedding
			if len(embedding) == 0 {
				vec, err := embedder.Embed(req.Query)
				if err != nil {
					return fmt.Errorf("query embedding failed: %w", err)
				}
				if !embedder.Normalized() {
					vector.Normalize(vec)
				}
				embedding = vec
			}
			hits, err := vecIdx.Search(embedding, candidates)
			if err != nil {
				return fmt.Errorf("vector lane failed: %w", err)
			}
			lane := &laneHits{source: SourceVector, weight: alpha}
			if req.Mode.Kind == ModeVectorOnly {
				lane.weight = 1
			}
			for _, h := range hits {
				if allowed(h.FrameID) {
					lane.ids = append(lane.ids, h.FrameID)
				}
			}
			vecLane = lane
			return nil
		})
	}

	if smEnabled {
		g.Go(func() error {
			ids, err := structuredMemoryLane(lexEng, req.Query, asOf, candidates)
			if err != nil {
				return fmt.Errorf("structured-memory lane failed: %w", err)
			}
			lane := &laneHits{source: SourceStructuredMemory, weight: smLaneWeight}
			for _, id := range ids {
				if allowed(id) {
					lane.ids = append(lane.ids, id)
				}
			}
			smLane = lane
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lanes := make([]*laneHits, 0, 4)
	for _, lane := range []*laneHits{textLane, vecLane, smLane} {
		if lane != nil {
			lanes = append(lanes, lane)
		}
	}

	if timelineEnabled && len(lanes) == 0 {
		limit := req.TimelineFallbackLimit
		if limit <= 0 {
			limit = topK
		}
		lane := &laneHits{source: SourceTimeline, weight: 1}
		for _, id := range s.timelineLane(toc, req.TimeRange, allow, limit) {
			lane.ids = append(lane.ids, id)
		}
		lanes = append(lanes, lane)
	}

	fused := fuse(lanes)

	// Materialize: drop deleted and superseded frames, attach previews.
	previewBudget := req.PreviewMaxBytes
	if previewBudget <= 0 {
		previewBudget = s.opts.PreviewMaxBytes
	}
	if previewBudget <= 0 {
		previewBudget = DefaultPreviewMaxBytes
	}

	resp := &SearchResponse{}
	for _, cand := range fused {
		if len(resp.Results) >= topK {
			break
		}
		if cand.id >= uint64(len(toc.Frames)) {
			continue
		}
		f := &toc.Frames[cand.id]
		if f.Status == container.StatusDeleted || f.SupersededBy != nil {
			continue
		}
		preview := ""
		if textLane != nil {
			preview = textLane.preview[cand.id]
		}
		if preview == "" {
			p, err := s.FramePreview(cand.id, previewBudget)
			if err == nil {
				preview = string(p)
			}
		}
		resp.Results = append(resp.Results, SearchResult{
			FrameID: cand.id,
			Score:   cand.score,
			Sources: cand.sources,
			Preview: preview,
		})
	}
	return resp, nil
}

// fusedHit accumulates one frame's fused score and sources.
type fusedHit struct {
	id      uint64
	score   float64
	sources Source
}

// fuse applies weighted reciprocal-rank fusion with the deterministic
// tie-break (score DESC, frame id ASC).
func fuse(lanes []*laneHits) []fusedHit {
	acc := map[uint64]*fusedHit{}
	for _, lane := range lanes {
		for rank, id := range lane.ids {
			h, ok := acc[id]
			if !ok {
				h = &fusedHit{id: id}
				acc[id] = h
			}
			h.score += lane.weight / (rrfK + float64(rank+1))
			h.sources |= lane.source
		}
	}
	out := make([]fusedHit, 0, len(acc))
	for _, h := range acc {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

// structuredMemoryLane alias-matches the query (full normalized form plus
// tokens of length >= 2), fetches visible facts, and ranks evidence
// frames.
func structuredMemoryLane(eng *lex.Engine, query string, asOf AsOf, maxFrames int) ([]uint64, error) {
	terms := []string{query}
	for _, tok := range strings.Fields(query) {
		if len([]rune(tok)) >= 2 && tok != query {
			terms = append(terms, tok)
		}
	}

	seen := map[string]bool{}
	var subjects []string
	for _, term := range terms {
		entities, err := eng.ResolveEntities(term, maxFrames)
		if err != nil {
			return nil, err
		}
		for _, ent := range entities {
			if !seen[ent.Key] {
				seen[ent.Key] = true
				subjects = append(subjects, ent.Key)
			}
		}
	}
	if len(subjects) == 0 {
		return nil, nil
	}
	sort.Strings(subjects)
	return eng.EvidenceFrameIDs(subjects, asOf, lex.FactsLimit, maxFrames, false)
}

// timelineLane enumerates committed frames within the time range in
// reverse-chronological order.
func (s *Store) timelineLane(toc *container.TOC, tr *TimeRange, allow map[uint64]bool, limit int) []uint64 {
	type entry struct {
		captureMs int64
		id        uint64
	}
	var entries []entry
	for i := range toc.Frames {
		f := &toc.Frames[i]
		if f.Status == container.StatusDeleted || f.SupersededBy != nil {
			continue
		}
		if tr != nil && (f.CaptureMs < tr.SinceMs || (tr.UntilMs != 0 && f.CaptureMs >= tr.UntilMs)) {
			continue
		}
		if len(allow) > 0 && !allow[f.ID] {
			continue
		}
		entries = append(entries, entry{captureMs: f.CaptureMs, id: f.ID})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].captureMs != entries[j].captureMs {
			return entries[i].captureMs > entries[j].captureMs
		}
		return entries[i].id > entries[j].id
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	ids := make([]uint64, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}
