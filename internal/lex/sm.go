package lex

import (
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/framevault/framevault/internal/canon"
)

// ===========================================================================
// STRUCTURED MEMORY
// ===========================================================================
//
// Entities, predicates, facts, bitemporal spans, and evidence share the
// lex database and its flush transaction. Facts dedupe on a canonical
// digest; spans are half-open on both axes and retraction closes the
// system axis only; evidence points to exactly one of {span, fact}.
//
// Visibility at as_of = (system, valid):
//   system_from <= system < (system_to ?? inf)
//   valid_from  <= valid  < (valid_to  ?? inf)
//
// ===========================================================================

// AsOf is a bitemporal query point.
type AsOf struct {
	SystemMs int64
	ValidMs  int64
}

// Latest is the as-of sentinel meaning "now on both axes, unbounded".
func Latest() AsOf {
	return AsOf{SystemMs: math.MaxInt64, ValidMs: math.MaxInt64}
}

// Entity is a stable structured-memory subject.
type Entity struct {
	ID        int64
	Key       string
	Kind      string
	CreatedMs int64
}

// Interval is a half-open [From, To) range; nil To means open.
type Interval struct {
	From int64
	To   *int64
}

// EvidenceRef links an assertion to its source frame.
type EvidenceRef struct {
	FrameID          uint64
	ChunkIndex       *uint32
	TextStart        *uint32
	TextEnd          *uint32
	ExtractorID      string
	ExtractorVersion string
	Confidence       *float64
	AssertedMs       int64
}

// Fact is one visible (fact, span) pair returned by Facts.
type Fact struct {
	ID           int64
	SubjectKey   string
	PredicateKey string
	Object       canon.Object
	ValidFrom    int64
	ValidTo      *int64
	SystemFrom   int64
	SystemTo     *int64
}

// FactsLimit is the hard cap on one Facts call.
const FactsLimit = 10_000

// UpsertEntity inserts or returns the entity with the given key. Kind
// updates only when previously empty; aliases dedupe on their normalized
// form.
func (e *Engine) UpsertEntity(key, kind string, aliases []string, nowMs int64) (Entity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.beginLocked()
	if err != nil {
		return Entity{}, err
	}
	ent, err := e.upsertEntityLocked(tx, key, kind, nowMs)
	if err != nil {
		return Entity{}, err
	}
	for _, alias := range aliases {
		normed := canon.Fold(alias)
		if normed == "" {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO sm_entity_alias(entity_id, alias, alias_norm) VALUES(?, ?, ?)
			ON CONFLICT(entity_id, alias_norm) DO NOTHING`, ent.ID, alias, normed); err != nil {
			return Entity{}, fmt.Errorf("alias insert for entity %q failed: %w", key, err)
		}
	}
	if err := e.noteWriteLocked(); err != nil {
		return Entity{}, err
	}
	return ent, nil
}

func (e *Engine) upsertEntityLocked(tx *sql.Tx, key, kind string, nowMs int64) (Entity, error) {
	var ent Entity
	err := tx.QueryRow(`SELECT id, key, kind, created_ms FROM sm_entity WHERE key = ?`, key).
		Scan(&ent.ID, &ent.Key, &ent.Kind, &ent.CreatedMs)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.Exec(`INSERT INTO sm_entity(key, kind, created_ms) VALUES(?, ?, ?)`, key, kind, nowMs)
		if err != nil {
			return Entity{}, fmt.Errorf("entity insert %q failed: %w", key, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return Entity{}, fmt.Errorf("entity id for %q unavailable: %w", key, err)
		}
		return Entity{ID: id, Key: key, Kind: kind, CreatedMs: nowMs}, nil
	case err != nil:
		return Entity{}, fmt.Errorf("entity lookup %q failed: %w", key, err)
	}
	if ent.Kind == "" && kind != "" {
		if _, err := tx.Exec(`UPDATE sm_entity SET kind = ? WHERE id = ?`, kind, ent.ID); err != nil {
			return Entity{}, fmt.Errorf("entity kind update %q failed: %w", key, err)
		}
		ent.Kind = kind
	}
	return ent, nil
}

// ensurePredicateLocked inserts or returns the predicate id.
func (e *Engine) ensurePredicateLocked(tx *sql.Tx, key string, nowMs int64) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM sm_predicate WHERE key = ?`, key).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.Exec(`INSERT INTO sm_predicate(key, created_ms) VALUES(?, ?)`, key, nowMs)
		if err != nil {
			return 0, fmt.Errorf("predicate insert %q failed: %w", key, err)
		}
		return res.LastInsertId()
	case err != nil:
		return 0, fmt.Errorf("predicate lookup %q failed: %w", key, err)
	}
	return id, nil
}

// objectColumns maps a typed object onto the exclusive column set.
func objectColumns(tx *sql.Tx, obj canon.Object) (cols [7]any, err error) {
	switch obj.Kind {
	case canon.KindString:
		cols[0] = obj.Str
	case canon.KindInt:
		cols[1] = obj.Int
	case canon.KindFloat:
		if math.IsNaN(obj.Float) || math.IsInf(obj.Float, 0) {
			return cols, fmt.Errorf("non-finite float object")
		}
		cols[2] = obj.Float
	case canon.KindBool:
		if obj.Bool {
			cols[3] = int64(1)
		} else {
			cols[3] = int64(0)
		}
	case canon.KindBytes:
		cols[4] = obj.Bytes
	case canon.KindTime:
		cols[5] = obj.TimeMs
	case canon.KindEntity:
		var id int64
		err := tx.QueryRow(`SELECT id FROM sm_entity WHERE key = ?`, obj.EntityKey).Scan(&id)
		if err == sql.ErrNoRows {
			return cols, fmt.Errorf("entity object %q does not exist", obj.EntityKey)
		}
		if err != nil {
			return cols, fmt.Errorf("entity object lookup %q failed: %w", obj.EntityKey, err)
		}
		cols[6] = id
	default:
		return cols, fmt.Errorf("unknown object kind %d", obj.Kind)
	}
	return cols, nil
}

// AssertFact canonicalizes the object, dedupes the fact on its digest,
// opens a span, and attaches evidence. Returns the fact id.
func (e *Engine) AssertFact(subjectKey, predicateKey string, obj canon.Object, valid, system Interval, evidence []EvidenceRef, nowMs int64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.beginLocked()
	if err != nil {
		return 0, err
	}

	subject, err := e.upsertEntityLocked(tx, subjectKey, "", nowMs)
	if err != nil {
		return 0, err
	}
	predID, err := e.ensurePredicateLocked(tx, predicateKey, nowMs)
	if err != nil {
		return 0, err
	}
	canonical, err := obj.CanonicalBytes()
	if err != nil {
		return 0, err
	}
	hash, err := canon.FactDigest(subjectKey, predicateKey, obj)
	if err != nil {
		return 0, err
	}
	cols, err := objectColumns(tx, obj)
	if err != nil {
		return 0, err
	}

	// Fact insert dedupes on the digest.
	var factID int64
	err = tx.QueryRow(`SELECT id FROM sm_fact WHERE fact_hash = ?`, hash[:]).Scan(&factID)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.Exec(`
			INSERT INTO sm_fact(subject_id, predicate_id, object_kind,
				obj_string, obj_int, obj_float, obj_bool, obj_bytes, obj_time, obj_entity_id,
				canonical_object, fact_hash)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			subject.ID, predID, int64(obj.Kind),
			cols[0], cols[1], cols[2], cols[3], cols[4], cols[5], cols[6],
			canonical, hash[:])
		if err != nil {
			return 0, fmt.Errorf("fact insert failed: %w", err)
		}
		factID, err = res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("fact id unavailable: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("fact lookup failed: %w", err)
	}

	// Open the span; the key is stable under retraction.
	spanKey := canon.SpanKeyDigest(factID, valid.From, valid.To, system.From)
	var spanID int64
	err = tx.QueryRow(`SELECT id FROM sm_fact_span WHERE span_key_hash = ?`, spanKey[:]).Scan(&spanID)
	switch {
	case err == sql.ErrNoRows:
		var validTo, systemTo any
		if valid.To != nil {
			validTo = *valid.To
		}
		if system.To != nil {
			systemTo = *system.To
		}
		res, err := tx.Exec(`
			INSERT INTO sm_fact_span(fact_id, span_key_hash, valid_from, valid_to, system_from, system_to)
			VALUES(?, ?, ?, ?, ?, ?)`,
			factID, spanKey[:], valid.From, validTo, system.From, systemTo)
		if err != nil {
			return 0, fmt.Errorf("span insert failed: %w", err)
		}
		spanID, err = res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("span id unavailable: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("span lookup failed: %w", err)
	}

	for _, ev := range evidence {
		if ev.FrameID > math.MaxInt64 {
			return 0, fmt.Errorf("evidence frame id %d exceeds signed 64-bit range", ev.FrameID)
		}
		var chunk, tstart, tend, conf any
		if ev.ChunkIndex != nil {
			chunk = int64(*ev.ChunkIndex)
		}
		if ev.TextStart != nil {
			tstart = int64(*ev.TextStart)
		}
		if ev.TextEnd != nil {
			tend = int64(*ev.TextEnd)
		}
		if ev.Confidence != nil {
			conf = *ev.Confidence
		}
		if _, err := tx.Exec(`
			INSERT INTO sm_evidence(span_id, fact_id, source_frame_id, chunk_index,
				text_start, text_end, extractor_id, extractor_version, confidence, asserted_ms)
			VALUES(?, NULL, ?, ?, ?, ?, ?, ?, ?, ?)`,
			spanID, int64(ev.FrameID), chunk, tstart, tend,
			ev.ExtractorID, ev.ExtractorVersion, conf, ev.AssertedMs); err != nil {
			return 0, fmt.Errorf("evidence insert failed: %w", err)
		}
	}

	if err := e.noteWriteLocked(); err != nil {
		return 0, err
	}
	return factID, nil
}

// RetractFact closes every open span of the fact on the system axis.
// Requires at > system_from of each open span. Idempotent: a fact with no
// open spans retracts as a no-op.
func (e *Engine) RetractFact(factID int64, atMs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.beginLocked()
	if err != nil {
		return err
	}

	rows, err := tx.Query(`SELECT id, system_from FROM sm_fact_span WHERE fact_id = ? AND system_to IS NULL`, factID)
	if err != nil {
		return fmt.Errorf("open span lookup for fact %d failed: %w", factID, err)
	}
	type openSpan struct {
		id         int64
		systemFrom int64
	}
	var open []openSpan
	for rows.Next() {
		var s openSpan
		if err := rows.Scan(&s.id, &s.systemFrom); err != nil {
			rows.Close()
			return fmt.Errorf("open span scan failed: %w", err)
		}
		open = append(open, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, s := range open {
		if atMs <= s.systemFrom {
			return fmt.Errorf("retraction at %d does not follow span system start %d", atMs, s.systemFrom)
		}
	}
	for _, s := range open {
		if _, err := tx.Exec(`UPDATE sm_fact_span SET system_to = ? WHERE id = ?`, atMs, s.id); err != nil {
			return fmt.Errorf("span close failed: %w", err)
		}
	}
	return e.noteWriteLocked()
}

// Facts returns the visible (fact, span) pairs for the optional subject
// and predicate filters at as_of. Order is deterministic:
// (predicate key ASC, object kind ASC, canonical object ASC,
// valid_from DESC, fact id ASC). Truncated reports whether the effective
// limit cut results off.
func (e *Engine) Facts(subjectKey, predicateKey string, asOf AsOf, limit int) ([]Fact, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flushLocked(); err != nil {
		return nil, false, err
	}

	if limit <= 0 || limit > FactsLimit {
		limit = FactsLimit
	}

	var (
		conds []string
		args  []any
	)
	conds = append(conds,
		`s.system_from <= ?`, `(s.system_to IS NULL OR s.system_to > ?)`,
		`s.valid_from <= ?`, `(s.valid_to IS NULL OR s.valid_to > ?)`,
	)
	args = append(args, asOf.SystemMs, asOf.SystemMs, asOf.ValidMs, asOf.ValidMs)
	if subjectKey != "" {
		conds = append(conds, `se.key = ?`)
		args = append(args, subjectKey)
	}
	if predicateKey != "" {
		conds = append(conds, `p.key = ?`)
		args = append(args, predicateKey)
	}
	args = append(args, limit+1)

	query := `
		SELECT f.id, se.key, p.key, f.object_kind,
			f.obj_string, f.obj_int, f.obj_float, f.obj_bool, f.obj_bytes, f.obj_time, oe.key,
			s.valid_from, s.valid_to, s.system_from, s.system_to
		FROM sm_fact_span s
		JOIN sm_fact f ON f.id = s.fact_id
		JOIN sm_entity se ON se.id = f.subject_id
		JOIN sm_predicate p ON p.id = f.predicate_id
		LEFT JOIN sm_entity oe ON oe.id = f.obj_entity_id
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY p.key ASC, f.object_kind ASC, f.canonical_object ASC, s.valid_from DESC, f.id ASC
		LIMIT ?`

	rows, err := e.db.Query(query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("facts query failed: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var (
			f         Fact
			kind      int64
			objStr    sql.NullString
			objInt    sql.NullInt64
			objFloat  sql.NullFloat64
			objBool   sql.NullInt64
			objBytes  []byte
			objTime   sql.NullInt64
			objEntity sql.NullString
			validTo   sql.NullInt64
			systemTo  sql.NullInt64
		)
		if err := rows.Scan(&f.ID, &f.SubjectKey, &f.PredicateKey, &kind,
			&objStr, &objInt, &objFloat, &objBool, &objBytes, &objTime, &objEntity,
			&f.ValidFrom, &validTo, &f.SystemFrom, &systemTo); err != nil {
			return nil, false, fmt.Errorf("facts scan failed: %w", err)
		}
		f.Object = scanObject(canon.ObjectKind(kind), objStr, objInt, objFloat, objBool, objBytes, objTime, objEntity)
		if validTo.Valid {
			v := validTo.Int64
			f.ValidTo = &v
		}
		if systemTo.Valid {
			v := systemTo.Int64
			f.SystemTo = &v
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	truncated := len(out) > limit
	if truncated {
		out = out[:limit]
	}
	return out, truncated, nil
}

func scanObject(kind canon.ObjectKind, s sql.NullString, i sql.NullInt64, f sql.NullFloat64, b sql.NullInt64, raw []byte, t sql.NullInt64, entityKey sql.NullString) canon.Object {
	switch kind {
	case canon.KindString:
		return canon.StringObject(s.String)
	case canon.KindInt:
		return canon.IntObject(i.Int64)
	case canon.KindFloat:
		return canon.FloatObject(f.Float64)
	case canon.KindBool:
		return canon.BoolObject(b.Int64 != 0)
	case canon.KindBytes:
		return canon.BytesObject(raw)
	case canon.KindTime:
		return canon.TimeObject(t.Int64)
	case canon.KindEntity:
		return canon.EntityObject(entityKey.String)
	default:
		return canon.Object{Kind: kind}
	}
}

// ResolveEntities matches the normalized alias exactly, ordered by entity
// key.
func (e *Engine) ResolveEntities(alias string, limit int) ([]Entity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flushLocked(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = FactsLimit
	}
	normed := canon.Fold(alias)
	if normed == "" {
		return nil, nil
	}
	rows, err := e.db.Query(`
		SELECT DISTINCT en.id, en.key, en.kind, en.created_ms
		FROM sm_entity_alias a
		JOIN sm_entity en ON en.id = a.entity_id
		WHERE a.alias_norm = ?
		ORDER BY en.key ASC
		LIMIT ?`, normed, limit)
	if err != nil {
		return nil, fmt.Errorf("alias resolve failed: %w", err)
	}
	defer rows.Close()
	var out []Entity
	for rows.Next() {
		var ent Entity
		if err := rows.Scan(&ent.ID, &ent.Key, &ent.Kind, &ent.CreatedMs); err != nil {
			return nil, fmt.Errorf("alias scan failed: %w", err)
		}
		out = append(out, ent)
	}
	return out, rows.Err()
}

// EvidenceFrameIDs collects visible facts for the subjects and ranks their
// evidence frames:
// (max confidence DESC nulls last, max asserted DESC, distinct fact count
// DESC, frame id ASC), capped at maxFrames. requireSpan keeps only
// evidence rows that reference a bitemporal span.
func (e *Engine) EvidenceFrameIDs(subjectKeys []string, asOf AsOf, maxFacts, maxFrames int, requireSpan bool) ([]uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flushLocked(); err != nil {
		return nil, err
	}
	if len(subjectKeys) == 0 || maxFrames <= 0 {
		return nil, nil
	}
	if maxFacts <= 0 || maxFacts > FactsLimit {
		maxFacts = FactsLimit
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(subjectKeys)), ",")
	args := make([]any, 0, len(subjectKeys)+6)
	for _, k := range subjectKeys {
		args = append(args, k)
	}
	args = append(args, asOf.SystemMs, asOf.SystemMs, asOf.ValidMs, asOf.ValidMs, maxFacts)

	factRows, err := e.db.Query(`
		SELECT DISTINCT f.id
		FROM sm_fact f
		JOIN sm_entity se ON se.id = f.subject_id
		JOIN sm_fact_span s ON s.fact_id = f.id
		WHERE se.key IN (`+placeholders+`)
			AND s.system_from <= ? AND (s.system_to IS NULL OR s.system_to > ?)
			AND s.valid_from <= ? AND (s.valid_to IS NULL OR s.valid_to > ?)
		ORDER BY f.id ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("evidence fact query failed: %w", err)
	}
	var factIDs []any
	for factRows.Next() {
		var id int64
		if err := factRows.Scan(&id); err != nil {
			factRows.Close()
			return nil, fmt.Errorf("evidence fact scan failed: %w", err)
		}
		factIDs = append(factIDs, id)
	}
	factRows.Close()
	if err := factRows.Err(); err != nil {
		return nil, err
	}
	if len(factIDs) == 0 {
		return nil, nil
	}

	factPH := strings.TrimSuffix(strings.Repeat("?,", len(factIDs)), ",")
	spanCond := ""
	if requireSpan {
		spanCond = "AND ev.span_id IS NOT NULL"
	}
	query := `
		SELECT ev.source_frame_id
		FROM sm_evidence ev
		LEFT JOIN sm_fact_span s ON s.id = ev.span_id
		WHERE COALESCE(ev.fact_id, s.fact_id) IN (` + factPH + `) ` + spanCond + `
		GROUP BY ev.source_frame_id
		ORDER BY MAX(ev.confidence) DESC NULLS LAST,
			MAX(ev.asserted_ms) DESC,
			COUNT(DISTINCT COALESCE(ev.fact_id, s.fact_id)) DESC,
			ev.source_frame_id ASC
		LIMIT ?`
	evArgs := append(append([]any{}, factIDs...), maxFrames)
	rows, err := e.db.Query(query, evArgs...)
	if err != nil {
		return nil, fmt.Errorf("evidence ranking query failed: %w", err)
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("evidence scan failed: %w", err)
		}
		out = append(out, uint64(id))
	}
	return out, rows.Err()
}
