package framevault

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

// wordCounter counts whitespace-separated tokens, a stand-in for a host
// tokenizer.
type wordCounter struct{}

func (wordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

// newRAGStore builds a two-root corpus: a root frame with two segment
// children each carrying transcript text, plus a standalone frame.
func newRAGStore(t *testing.T) *Store {
	t.Helper()
	s, _ := newTestStore(t, Options{WALSize: 65536, TokenCounter: wordCounter{}})
	t.Cleanup(func() { s.Close() })

	// Frame 0: the root.
	_, err := s.Put([]byte("root"), PutOptions{CaptureMs: 0, Title: "Meeting Recording"}, EncodingPlain)
	assert.NilError(t, err)
	root := uint64(0)
	// Frames 1 and 2: segments of the root.
	_, err = s.Put([]byte("seg0"), PutOptions{
		CaptureMs: 60_000, ParentID: &root, ChunkIndex: 0, SearchText: "welcome to the meeting",
	}, EncodingPlain)
	assert.NilError(t, err)
	_, err = s.Put([]byte("seg1"), PutOptions{
		CaptureMs: 120_000, ParentID: &root, ChunkIndex: 1, SearchText: "action items reviewed",
	}, EncodingPlain)
	assert.NilError(t, err)
	// Frame 3: a standalone document.
	_, err = s.Put([]byte("doc"), PutOptions{CaptureMs: 5_000, Title: "Standalone Note", SearchText: "note body"}, EncodingPlain)
	assert.NilError(t, err)
	assert.NilError(t, s.Commit())
	return s
}

// TestBuildContextGroupsByRoot verifies grouping, deterministic root
// order, and per-root segment order.
func TestBuildContextGroupsByRoot(t *testing.T) {
	s := newRAGStore(t)

	resp := &SearchResponse{Results: []SearchResult{
		{FrameID: 2, Score: 0.9},
		{FrameID: 3, Score: 0.5},
		{FrameID: 1, Score: 0.8},
	}}
	ctx, err := s.BuildContext(resp, ContextBudget{MaxTextTokens: 100})
	assert.NilError(t, err)
	assert.Equal(t, len(ctx.Items), 2)

	// Root 0 carries the higher best-segment score.
	assert.Equal(t, ctx.Items[0].RootID, uint64(0))
	assert.DeepEqual(t, ctx.Items[0].SegmentIDs, []uint64{2, 1})
	assert.Equal(t, ctx.Items[1].RootID, uint64(3))

	// Transcript lines carry timecodes.
	assert.Assert(t, strings.Contains(ctx.Items[0].Summary, "[0:01:00]") ||
		strings.Contains(ctx.Items[0].Summary, "[0:02:00]"))
	assert.Assert(t, ctx.UsedTokens > 0)
	assert.Assert(t, ctx.UsedTokens <= 100)
}

// TestBuildContextBudget verifies the token ceiling: items that overflow
// the budget are skipped, accepted items stay within it.
func TestBuildContextBudget(t *testing.T) {
	s := newRAGStore(t)

	resp := &SearchResponse{Results: []SearchResult{
		{FrameID: 1, Score: 0.9},
		{FrameID: 3, Score: 0.8},
	}}
	ctx, err := s.BuildContext(resp, ContextBudget{MaxTextTokens: 4})
	assert.NilError(t, err)
	assert.Assert(t, ctx.UsedTokens <= 4)
	for _, item := range ctx.Items {
		assert.Assert(t, item.Tokens <= 4)
	}

	// Zero budget yields an empty context.
	empty, err := s.BuildContext(resp, ContextBudget{})
	assert.NilError(t, err)
	assert.Equal(t, len(empty.Items), 0)
}

// TestBuildContextDeterminism verifies identical inputs produce identical
// contexts.
func TestBuildContextDeterminism(t *testing.T) {
	s := newRAGStore(t)

	resp := &SearchResponse{Results: []SearchResult{
		{FrameID: 2, Score: 0.9},
		{FrameID: 3, Score: 0.9}, // equal scores: root id breaks the tie
		{FrameID: 1, Score: 0.2},
	}}
	a, err := s.BuildContext(resp, ContextBudget{MaxTextTokens: 50})
	assert.NilError(t, err)
	b, err := s.BuildContext(resp, ContextBudget{MaxTextTokens: 50})
	assert.NilError(t, err)
	assert.DeepEqual(t, a, b)
	assert.Equal(t, a.Items[0].RootID, uint64(0)) // 0 < 3 on equal score
}

// TestTruncateToTokens verifies line-preserving truncation.
func TestTruncateToTokens(t *testing.T) {
	counter := wordCounter{}
	text := "one two three\nfour five\nsix seven eight"
	assert.Equal(t, truncateToTokens(text, 100, counter), text)
	assert.Equal(t, truncateToTokens(text, 5, counter), "one two three\nfour five")

	// A cap below the first line truncates within it.
	short := truncateToTokens(text, 2, counter)
	assert.Assert(t, counter.Count(short) <= 2)
	assert.Assert(t, strings.HasPrefix("one two three", strings.TrimRight(short, " ")))

	assert.Equal(t, truncateToTokens(text, 0, counter), "")
}
