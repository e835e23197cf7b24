package lex

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// ===========================================================================
// LEX INDEX ENGINE
// ===========================================================================
//
// The lex engine owns the single embedded relational database serialized
// as the lex index blob: the full-text table over frame search text plus
// the structured-memory tables (entities, predicates, facts, bitemporal
// spans, evidence). It is the sole writer and the sole serializer of that
// blob.
//
// The database is file-backed inside the store's scratch directory with
// rollback journaling, so the main file is always a standalone image once
// the open transaction commits. Serialize flushes and returns the file
// bytes; compact serialization additionally rewrites the image with
// VACUUM INTO when freelist pages exist.
//
// Writes batch: FTS operations queue in memory, structured-memory
// operations execute inside a lazily opened transaction, and both flush
// together when a queue crosses its threshold or before any read.
//
// ===========================================================================

// Schema identity. Legacy (0, 0) databases upgrade in place on open.
const (
	applicationID = 0x4D563253 // "MV2S"
	userVersion   = 2
)

// flushThreshold bounds the pending FTS queue and the open-transaction
// write count before an automatic flush.
const flushThreshold = 256

// Engine is the single-writer lex index actor.
type Engine struct {
	mu     sync.Mutex
	db     *sql.DB
	tx     *sql.Tx
	path   string
	logger *slog.Logger

	pendingFTS []ftsOp
	txWrites   int
}

type ftsOpKind uint8

const (
	ftsAdd ftsOpKind = iota
	ftsRemove
)

type ftsOp struct {
	kind    ftsOpKind
	frameID uint64
	text    string
}

// Open opens (or creates) the engine's database at path.
func Open(path string, logger *slog.Logger) (*Engine, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lex database: %w", err)
	}
	// Single writer; a second connection would break transaction scoping.
	db.SetMaxOpenConns(1)

	e := &Engine{db: db, path: path, logger: logger}
	if err := e.init(); err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

// init applies pragmas, pins schema identity, and creates tables.
func (e *Engine) init() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=DELETE",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := e.db.Exec(pragma); err != nil {
			return fmt.Errorf("pragma failed: %w", err)
		}
	}

	var appID, version int64
	if err := e.db.QueryRow("PRAGMA application_id").Scan(&appID); err != nil {
		return fmt.Errorf("failed to read application_id: %w", err)
	}
	if err := e.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read user_version: %w", err)
	}
	switch {
	case appID == 0 && version == 0:
		// New database or legacy image: adopt the current identity.
		if _, err := e.db.Exec(fmt.Sprintf("PRAGMA application_id = %d", applicationID)); err != nil {
			return fmt.Errorf("failed to pin application_id: %w", err)
		}
		if _, err := e.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", userVersion)); err != nil {
			return fmt.Errorf("failed to pin user_version: %w", err)
		}
	case appID == applicationID && version == userVersion:
		// Current schema.
	default:
		return fmt.Errorf("lex database has foreign schema identity (%#x, %d)", appID, version)
	}

	for _, stmt := range schema {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE VIRTUAL TABLE IF NOT EXISTS frames_fts USING fts5(content)`,
	`CREATE TABLE IF NOT EXISTS frame_mapping(
		frame_id  INTEGER PRIMARY KEY,
		fts_rowid INTEGER NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS sm_entity(
		id         INTEGER PRIMARY KEY,
		key        TEXT NOT NULL UNIQUE,
		kind       TEXT NOT NULL DEFAULT '',
		created_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sm_entity_alias(
		id         INTEGER PRIMARY KEY,
		entity_id  INTEGER NOT NULL REFERENCES sm_entity(id),
		alias      TEXT NOT NULL,
		alias_norm TEXT NOT NULL,
		UNIQUE(entity_id, alias_norm)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sm_alias_norm ON sm_entity_alias(alias_norm)`,
	`CREATE TABLE IF NOT EXISTS sm_predicate(
		id         INTEGER PRIMARY KEY,
		key        TEXT NOT NULL UNIQUE,
		created_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sm_fact(
		id               INTEGER PRIMARY KEY,
		subject_id       INTEGER NOT NULL REFERENCES sm_entity(id),
		predicate_id     INTEGER NOT NULL REFERENCES sm_predicate(id),
		object_kind      INTEGER NOT NULL,
		obj_string       TEXT,
		obj_int          INTEGER,
		obj_float        REAL,
		obj_bool         INTEGER,
		obj_bytes        BLOB,
		obj_time         INTEGER,
		obj_entity_id    INTEGER REFERENCES sm_entity(id),
		canonical_object BLOB NOT NULL,
		fact_hash        BLOB NOT NULL UNIQUE,
		CHECK (
			(object_kind = 1 AND obj_string IS NOT NULL AND obj_int IS NULL AND obj_float IS NULL AND obj_bool IS NULL AND obj_bytes IS NULL AND obj_time IS NULL AND obj_entity_id IS NULL) OR
			(object_kind = 2 AND obj_int IS NOT NULL AND obj_string IS NULL AND obj_float IS NULL AND obj_bool IS NULL AND obj_bytes IS NULL AND obj_time IS NULL AND obj_entity_id IS NULL) OR
			(object_kind = 3 AND obj_float IS NOT NULL AND obj_string IS NULL AND obj_int IS NULL AND obj_bool IS NULL AND obj_bytes IS NULL AND obj_time IS NULL AND obj_entity_id IS NULL) OR
			(object_kind = 4 AND obj_bool IS NOT NULL AND obj_string IS NULL AND obj_int IS NULL AND obj_float IS NULL AND obj_bytes IS NULL AND obj_time IS NULL AND obj_entity_id IS NULL) OR
			(object_kind = 5 AND obj_bytes IS NOT NULL AND obj_string IS NULL AND obj_int IS NULL AND obj_float IS NULL AND obj_bool IS NULL AND obj_time IS NULL AND obj_entity_id IS NULL) OR
			(object_kind = 6 AND obj_time IS NOT NULL AND obj_string IS NULL AND obj_int IS NULL AND obj_float IS NULL AND obj_bool IS NULL AND obj_bytes IS NULL AND obj_entity_id IS NULL) OR
			(object_kind = 7 AND obj_entity_id IS NOT NULL AND obj_string IS NULL AND obj_int IS NULL AND obj_float IS NULL AND obj_bool IS NULL AND obj_bytes IS NULL AND obj_time IS NULL)
		)
	)`,
	`CREATE TABLE IF NOT EXISTS sm_fact_span(
		id            INTEGER PRIMARY KEY,
		fact_id       INTEGER NOT NULL REFERENCES sm_fact(id),
		span_key_hash BLOB NOT NULL UNIQUE,
		valid_from    INTEGER NOT NULL,
		valid_to      INTEGER,
		system_from   INTEGER NOT NULL,
		system_to     INTEGER,
		CHECK (valid_to IS NULL OR valid_to > valid_from),
		CHECK (system_to IS NULL OR system_to > system_from)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sm_span_fact ON sm_fact_span(fact_id)`,
	`CREATE TABLE IF NOT EXISTS sm_evidence(
		id                INTEGER PRIMARY KEY,
		span_id           INTEGER REFERENCES sm_fact_span(id),
		fact_id           INTEGER REFERENCES sm_fact(id),
		source_frame_id   INTEGER NOT NULL,
		chunk_index       INTEGER,
		text_start        INTEGER,
		text_end          INTEGER,
		extractor_id      TEXT NOT NULL,
		extractor_version TEXT NOT NULL,
		confidence        REAL,
		asserted_ms       INTEGER NOT NULL,
		CHECK ((span_id IS NULL) != (fact_id IS NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sm_evidence_frame ON sm_evidence(source_frame_id)`,
}

// beginLocked lazily opens the write transaction.
func (e *Engine) beginLocked() (*sql.Tx, error) {
	if e.tx != nil {
		return e.tx, nil
	}
	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin lex transaction: %w", err)
	}
	e.tx = tx
	e.txWrites = 0
	return tx, nil
}

// noteWriteLocked counts a structured write and flushes past the
// threshold.
func (e *Engine) noteWriteLocked() error {
	e.txWrites++
	if e.txWrites >= flushThreshold || len(e.pendingFTS) >= flushThreshold {
		return e.flushLocked()
	}
	return nil
}

// flushLocked drains the FTS queue into the open transaction and commits.
func (e *Engine) flushLocked() error {
	if e.tx == nil && len(e.pendingFTS) == 0 {
		return nil
	}
	tx, err := e.beginLocked()
	if err != nil {
		return err
	}
	for _, op := range e.pendingFTS {
		switch op.kind {
		case ftsAdd:
			if err := e.applyAdd(tx, op.frameID, op.text); err != nil {
				tx.Rollback()
				e.tx = nil
				return err
			}
		case ftsRemove:
			if err := e.applyRemove(tx, op.frameID); err != nil {
				tx.Rollback()
				e.tx = nil
				return err
			}
		}
	}
	e.pendingFTS = e.pendingFTS[:0]
	if err := tx.Commit(); err != nil {
		e.tx = nil
		return fmt.Errorf("failed to commit lex transaction: %w", err)
	}
	e.tx = nil
	e.txWrites = 0
	return nil
}

// Flush commits all batched work.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked()
}

// Serialize flushes and returns the standalone database image. With
// compact set, freelist pages trigger a rewrite through VACUUM INTO.
func (e *Engine) Serialize(compact bool) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flushLocked(); err != nil {
		return nil, err
	}

	if compact {
		var freelist int64
		if err := e.db.QueryRow("PRAGMA freelist_count").Scan(&freelist); err != nil {
			return nil, fmt.Errorf("failed to read freelist count: %w", err)
		}
		if freelist > 0 {
			tmp := e.path + ".compact"
			_ = os.Remove(tmp)
			if _, err := e.db.Exec("VACUUM INTO ?", tmp); err != nil {
				return nil, fmt.Errorf("vacuum into failed: %w", err)
			}
			defer os.Remove(tmp)
			data, err := os.ReadFile(tmp)
			if err != nil {
				return nil, fmt.Errorf("failed to read compacted image: %w", err)
			}
			return data, nil
		}
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lex image: %w", err)
	}
	return data, nil
}

// LoadBlob replaces the engine's database with the given image.
func (e *Engine) LoadBlob(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tx != nil {
		e.tx.Rollback()
		e.tx = nil
	}
	e.pendingFTS = nil
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("failed to close lex database: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lex scratch dir: %w", err)
	}
	if err := os.WriteFile(e.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write lex image: %w", err)
	}
	db, err := sql.Open("sqlite", e.path)
	if err != nil {
		return fmt.Errorf("failed to reopen lex database: %w", err)
	}
	db.SetMaxOpenConns(1)
	e.db = db
	if err := e.init(); err != nil {
		return err
	}
	e.logger.Debug("lex blob loaded", "bytes", len(data))
	return nil
}

// Close flushes and closes the database.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flushLocked(); err != nil {
		e.db.Close()
		return err
	}
	return e.db.Close()
}
