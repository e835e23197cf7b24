package framevault

import (
	"testing"

	"gotest.tools/v3/assert"
)

// =============================================================================
// STRUCTURED MEMORY THROUGH THE STORE
// =============================================================================

// TestFactVisibilityScenario walks the canonical bitemporal scenario
// through the public API:
// - upsert u:alice
// - assert email=a@x at t1, email=a@y at t2
// - facts at t1 see one, facts at t2 see both, deterministically ordered
func TestFactVisibilityScenario(t *testing.T) {
	s, _ := newTestStore(t, Options{WALSize: 65536})
	defer s.Close()

	t1, t2 := int64(1000), int64(2000)
	_, err := s.Put([]byte("evidence"), PutOptions{CaptureMs: t1}, EncodingPlain)
	assert.NilError(t, err)

	_, err = s.UpsertEntity("u:alice", "person", nil, t1)
	assert.NilError(t, err)
	_, err = s.AssertFact("u:alice", "email", StringObject("a@x"),
		Interval{From: t1}, Interval{From: t1},
		[]EvidenceRef{{FrameID: 0, ExtractorID: "x", ExtractorVersion: "1", AssertedMs: t1}}, t1)
	assert.NilError(t, err)
	_, err = s.AssertFact("u:alice", "email", StringObject("a@y"),
		Interval{From: t2}, Interval{From: t2},
		[]EvidenceRef{{FrameID: 0, ExtractorID: "x", ExtractorVersion: "1", AssertedMs: t2}}, t2)
	assert.NilError(t, err)

	facts, truncated, err := s.Facts("u:alice", "", AsOfBoth(t1), 100)
	assert.NilError(t, err)
	assert.Assert(t, !truncated)
	assert.Equal(t, len(facts), 1)
	assert.Equal(t, facts[0].Object.Str, "a@x")

	facts, _, err = s.Facts("u:alice", "", AsOfBoth(t2), 100)
	assert.NilError(t, err)
	assert.Equal(t, len(facts), 2)
	assert.Equal(t, facts[0].Object.Str, "a@x")
	assert.Equal(t, facts[1].Object.Str, "a@y")
}

// TestStructuredMemorySurvivesCommit verifies facts persist through the
// lex blob staging path across a reopen.
func TestStructuredMemorySurvivesCommit(t *testing.T) {
	opts := Options{WALSize: 65536}
	s, path := newTestStore(t, opts)

	_, err := s.Put([]byte("ev"), PutOptions{CaptureMs: 1}, EncodingPlain)
	assert.NilError(t, err)
	_, err = s.UpsertEntity("u:bob", "person", []string{"Bob"}, 1000)
	assert.NilError(t, err)
	_, err = s.AssertFact("u:bob", "city", StringObject("berlin"),
		Interval{From: 1000}, Interval{From: 1000},
		[]EvidenceRef{{FrameID: 0, ExtractorID: "x", ExtractorVersion: "1", AssertedMs: 1000}}, 1000)
	assert.NilError(t, err)
	assert.NilError(t, s.StageLexSnapshot(true))
	assert.NilError(t, s.Commit())

	s = reopen(t, s, path, opts)
	defer s.Close()

	entities, err := s.ResolveEntities("bob", 10)
	assert.NilError(t, err)
	assert.Equal(t, len(entities), 1)
	assert.Equal(t, entities[0].Key, "u:bob")

	facts, _, err := s.Facts("u:bob", "city", AsOfLatest(), 10)
	assert.NilError(t, err)
	assert.Equal(t, len(facts), 1)
	assert.Equal(t, facts[0].Object.Str, "berlin")

	frames, err := s.EvidenceFrameIDs([]string{"u:bob"}, AsOfLatest(), 100, 10, false)
	assert.NilError(t, err)
	assert.DeepEqual(t, frames, []uint64{0})
}

// TestAssertFactRejectsUnknownEvidenceFrame verifies evidence must
// reference a known frame.
func TestAssertFactRejectsUnknownEvidenceFrame(t *testing.T) {
	s, _ := newTestStore(t, Options{WALSize: 65536})
	defer s.Close()

	_, err := s.AssertFact("u:alice", "email", StringObject("a@x"),
		Interval{From: 1000}, Interval{From: 1000},
		[]EvidenceRef{{FrameID: 7, ExtractorID: "x", ExtractorVersion: "1", AssertedMs: 1000}}, 1000)
	var notFound *FrameNotFoundError
	assert.Assert(t, errorsAs(err, &notFound))
}

// TestStageStampAdvances verifies callers can detect that their staged
// blob was committed or replaced.
func TestStageStampAdvances(t *testing.T) {
	s, _ := newTestStore(t, Options{WALSize: 65536})
	defer s.Close()

	before := s.StageStamp()
	assert.NilError(t, s.StageLexSnapshot(false))
	afterStage := s.StageStamp()
	assert.Assert(t, afterStage > before)

	assert.NilError(t, s.Commit())
	assert.Assert(t, s.StageStamp() > afterStage)
}
