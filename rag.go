package framevault

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/framevault/framevault/internal/container"
)

// ===========================================================================
// RAG CONTEXT BUILDER
// ===========================================================================
//
// The context builder turns a search response into a token-budgeted
// context object:
//
//   1. Group results by logical root (parent id when present, else the
//      frame itself).
//   2. Within each root keep the best-scoring segments (score DESC,
//      segment index ASC); roots order by (score DESC, root id ASC).
//   3. Render a summary per root: time-coded transcript lines when search
//      text is available, a deterministic metadata line otherwise.
//   4. Budget: per-item cap = max tokens / item count, truncate with the
//      token counter, then greedily accept items while the total fits.
//   5. Attach thumbnail payloads to the first items, up to the limit.
//
// ===========================================================================

// thumbnailMetadataKey links a root frame to its thumbnail frame.
const thumbnailMetadataKey = "thumbnail_frame_id"

// ContextBudget bounds the assembled context.
type ContextBudget struct {
	MaxTextTokens             int
	MaxThumbnails             int
	MaxTranscriptLinesPerItem int
}

// ContextItem is one root's contribution to the context.
type ContextItem struct {
	RootID     uint64
	Score      float64
	Summary    string
	Tokens     int
	SegmentIDs []uint64
	Thumbnail  []byte
}

// ContextResult is the budgeted context.
type ContextResult struct {
	Items      []ContextItem
	UsedTokens int
}

// runeCounter approximates tokens as runes/4 when no host counter is
// supplied.
type runeCounter struct{}

func (runeCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// BuildContext assembles a token-budgeted context from a search response.
func (s *Store) BuildContext(resp *SearchResponse, budget ContextBudget) (*ContextResult, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	toc := s.toc
	counter := TokenCounter(runeCounter{})
	if s.opts.TokenCounter != nil {
		counter = s.opts.TokenCounter
	}
	s.mu.RUnlock()

	if budget.MaxTextTokens <= 0 {
		return &ContextResult{}, nil
	}
	maxLines := budget.MaxTranscriptLinesPerItem
	if maxLines <= 0 {
		maxLines = 8
	}

	// Group results by root.
	type rootGroup struct {
		rootID   uint64
		score    float64
		segments []SearchResult
	}
	groups := map[uint64]*rootGroup{}
	for _, r := range resp.Results {
		if r.FrameID >= uint64(len(toc.Frames)) {
			continue
		}
		f := &toc.Frames[r.FrameID]
		rootID := r.FrameID
		if f.ParentID != nil {
			rootID = *f.ParentID
		}
		g, ok := groups[rootID]
		if !ok {
			g = &rootGroup{rootID: rootID}
			groups[rootID] = g
		}
		g.segments = append(g.segments, r)
		if r.Score > g.score {
			g.score = r.Score
		}
	}

	ordered := make([]*rootGroup, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].rootID < ordered[j].rootID
	})

	// Deterministic per-root segment order: score DESC, chunk index ASC.
	for _, g := range ordered {
		sort.Slice(g.segments, func(i, j int) bool {
			if g.segments[i].Score != g.segments[j].Score {
				return g.segments[i].Score > g.segments[j].Score
			}
			fi := &toc.Frames[g.segments[i].FrameID]
			fj := &toc.Frames[g.segments[j].FrameID]
			if fi.ChunkIndex != fj.ChunkIndex {
				return fi.ChunkIndex < fj.ChunkIndex
			}
			return g.segments[i].FrameID < g.segments[j].FrameID
		})
	}

	perItemCap := budget.MaxTextTokens / max(1, len(ordered))

	result := &ContextResult{}
	for _, g := range ordered {
		summary := s.renderSummary(toc, g.rootID, g.segments, maxLines)
		summary = truncateToTokens(summary, perItemCap, counter)
		tokens := counter.Count(summary)
		if result.UsedTokens+tokens > budget.MaxTextTokens {
			continue
		}
		item := ContextItem{
			RootID:  g.rootID,
			Score:   g.score,
			Summary: summary,
			Tokens:  tokens,
		}
		for _, seg := range g.segments {
			item.SegmentIDs = append(item.SegmentIDs, seg.FrameID)
		}
		result.UsedTokens += tokens
		result.Items = append(result.Items, item)
	}

	// Thumbnails attach to the first items only.
	attached := 0
	for i := range result.Items {
		if attached >= budget.MaxThumbnails {
			break
		}
		thumb := s.thumbnailPayload(toc, result.Items[i].RootID)
		if thumb != nil {
			result.Items[i].Thumbnail = thumb
			attached++
		}
	}
	return result, nil
}

// renderSummary builds the text block for one root. Segments with search
// text render as time-coded transcript lines; the fallback is a
// deterministic metadata line.
func (s *Store) renderSummary(toc *container.TOC, rootID uint64, segments []SearchResult, maxLines int) string {
	var b strings.Builder
	if rootID < uint64(len(toc.Frames)) {
		root := &toc.Frames[rootID]
		title := root.Title
		if title == "" {
			title = root.URI
		}
		if title == "" {
			title = "frame " + strconv.FormatUint(rootID, 10)
		}
		b.WriteString(title)
		b.WriteByte('\n')
	}

	lines := 0
	for _, seg := range segments {
		if lines >= maxLines {
			break
		}
		f := &toc.Frames[seg.FrameID]
		if f.SearchText != "" {
			fmt.Fprintf(&b, "[%s] %s\n", timecode(f.CaptureMs), firstLine(f.SearchText))
			lines++
			continue
		}
		fmt.Fprintf(&b, "[%s] %s segment %d\n", timecode(f.CaptureMs), orUnknown(f.Kind), f.ChunkIndex)
		lines++
	}
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "untitled"
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// timecode renders millis as h:mm:ss.
func timecode(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	total := ms / 1000
	h := total / 3600
	m := (total % 3600) / 60
	sec := total % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
}

// truncateToTokens trims text so the counter stays within limit,
// preserving whole lines where possible.
func truncateToTokens(text string, limit int, counter TokenCounter) string {
	if limit <= 0 {
		return ""
	}
	if counter.Count(text) <= limit {
		return text
	}
	// Drop trailing lines first.
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for len(lines) > 1 {
		lines = lines[:len(lines)-1]
		candidate := strings.Join(lines, "\n")
		if counter.Count(candidate) <= limit {
			return candidate
		}
	}
	// A single oversized line truncates by runes.
	runes := []rune(lines[0])
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter.Count(string(runes[:mid])) <= limit {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}

// thumbnailPayload reads the thumbnail frame linked from the root's
// metadata.
func (s *Store) thumbnailPayload(toc *container.TOC, rootID uint64) []byte {
	if rootID >= uint64(len(toc.Frames)) {
		return nil
	}
	ref, ok := toc.Frames[rootID].Metadata[thumbnailMetadataKey]
	if !ok {
		return nil
	}
	thumbID, err := strconv.ParseUint(ref, 10, 64)
	if err != nil {
		return nil
	}
	content, err := s.FrameContent(thumbID)
	if err != nil {
		return nil
	}
	return content
}
