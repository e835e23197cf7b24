package framevault

import (
	"github.com/framevault/framevault/internal/canon"
)

// ===========================================================================
// STRUCTURED MEMORY
// ===========================================================================
//
// Structured memory lives inside the lex blob; the store delegates to the
// lex engine, which is its sole writer. Durability follows the blob
// staging path: assert facts, stage a lex snapshot, commit.
//
// ===========================================================================

// Object is the typed object of a fact.
type Object = canon.Object

// Object constructors, re-exported for callers.
var (
	StringObject = canon.StringObject
	IntObject    = canon.IntObject
	FloatObject  = canon.FloatObject
	BoolObject   = canon.BoolObject
	BytesObject  = canon.BytesObject
	TimeObject   = canon.TimeObject
	EntityObject = canon.EntityObject
)

// UpsertEntity inserts or returns the entity with the given key. Kind
// updates only when previously empty; aliases dedupe on their normalized
// form.
func (s *Store) UpsertEntity(key, kind string, aliases []string, nowMs int64) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entity{}, ErrStoreClosed
	}
	return s.lex.UpsertEntity(key, kind, aliases, nowMs)
}

// AssertFact records a proposition with a bitemporal span and evidence.
// The fact dedupes on its canonical digest.
func (s *Store) AssertFact(subjectKey, predicateKey string, obj Object, valid, system Interval, evidence []EvidenceRef, nowMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	for _, ev := range evidence {
		if !s.frameKnown(ev.FrameID) {
			return 0, &FrameNotFoundError{ID: ev.FrameID}
		}
	}
	return s.lex.AssertFact(subjectKey, predicateKey, obj, valid, system, evidence, nowMs)
}

// RetractFact closes every open span of the fact on the system axis.
func (s *Store) RetractFact(factID int64, atMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.lex.RetractFact(factID, atMs)
}

// Facts returns visible (fact, span) pairs at as_of, deterministically
// ordered, capped at the facts limit. The bool reports truncation.
func (s *Store) Facts(subjectKey, predicateKey string, asOf AsOf, limit int) ([]Fact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}
	return s.lex.Facts(subjectKey, predicateKey, asOf, limit)
}

// ResolveEntities matches the normalized alias exactly, ordered by entity
// key.
func (s *Store) ResolveEntities(alias string, limit int) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.lex.ResolveEntities(alias, limit)
}

// EvidenceFrameIDs ranks the evidence frames of the subjects' visible
// facts at as_of.
func (s *Store) EvidenceFrameIDs(subjectKeys []string, asOf AsOf, maxFacts, maxFrames int, requireSpan bool) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.lex.EvidenceFrameIDs(subjectKeys, asOf, maxFacts, maxFrames, requireSpan)
}
