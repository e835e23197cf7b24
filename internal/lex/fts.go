package lex

import (
	"database/sql"
	"fmt"
)

// ===========================================================================
// FULL-TEXT LANE
// ===========================================================================
//
// frames_fts holds one document per frame with search text; frame_mapping
// ties frame ids to FTS rowids. Adds and removes queue in memory and are
// applied inside the shared flush transaction.
//
// ===========================================================================

// TextHit is one full-text match. Score is similarity-oriented (higher is
// better).
type TextHit struct {
	FrameID uint64
	Score   float64
	Snippet string
}

// AddDocument queues the frame's search text for indexing. An existing
// document for the frame is replaced.
func (e *Engine) AddDocument(frameID uint64, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingFTS = append(e.pendingFTS, ftsOp{kind: ftsAdd, frameID: frameID, text: text})
	if len(e.pendingFTS) >= flushThreshold {
		return e.flushLocked()
	}
	return nil
}

// RemoveDocument queues removal of the frame's document.
func (e *Engine) RemoveDocument(frameID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingFTS = append(e.pendingFTS, ftsOp{kind: ftsRemove, frameID: frameID})
	if len(e.pendingFTS) >= flushThreshold {
		return e.flushLocked()
	}
	return nil
}

// applyAdd inserts or replaces one document inside the flush transaction.
func (e *Engine) applyAdd(tx *sql.Tx, frameID uint64, text string) error {
	if err := e.applyRemove(tx, frameID); err != nil {
		return err
	}
	res, err := tx.Exec(`INSERT INTO frames_fts(content) VALUES(?)`, text)
	if err != nil {
		return fmt.Errorf("fts insert for frame %d failed: %w", frameID, err)
	}
	rowid, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("fts rowid for frame %d unavailable: %w", frameID, err)
	}
	if _, err := tx.Exec(`INSERT INTO frame_mapping(frame_id, fts_rowid) VALUES(?, ?)`, int64(frameID), rowid); err != nil {
		return fmt.Errorf("frame mapping insert for frame %d failed: %w", frameID, err)
	}
	return nil
}

// applyRemove drops one document inside the flush transaction.
func (e *Engine) applyRemove(tx *sql.Tx, frameID uint64) error {
	var rowid int64
	err := tx.QueryRow(`SELECT fts_rowid FROM frame_mapping WHERE frame_id = ?`, int64(frameID)).Scan(&rowid)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("frame mapping lookup for frame %d failed: %w", frameID, err)
	}
	if _, err := tx.Exec(`DELETE FROM frames_fts WHERE rowid = ?`, rowid); err != nil {
		return fmt.Errorf("fts delete for frame %d failed: %w", frameID, err)
	}
	if _, err := tx.Exec(`DELETE FROM frame_mapping WHERE frame_id = ?`, int64(frameID)); err != nil {
		return fmt.Errorf("frame mapping delete for frame %d failed: %w", frameID, err)
	}
	return nil
}

// DocCount returns the number of indexed documents.
func (e *Engine) DocCount() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flushLocked(); err != nil {
		return 0, err
	}
	var n int64
	if err := e.db.QueryRow(`SELECT COUNT(*) FROM frame_mapping`).Scan(&n); err != nil {
		return 0, fmt.Errorf("doc count failed: %w", err)
	}
	return uint64(n), nil
}

// SearchText runs an FTS query and maps matches back to frame ids. Scores
// derive from bm25 (negated so higher is better); each hit carries a
// snippet.
func (e *Engine) SearchText(query string, limit int) ([]TextHit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flushLocked(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := e.db.Query(`
		SELECT m.frame_id, bm25(frames_fts), snippet(frames_fts, 0, '', '', '…', 12)
		FROM frames_fts
		JOIN frame_mapping m ON m.fts_rowid = frames_fts.rowid
		WHERE frames_fts MATCH ?
		ORDER BY bm25(frames_fts) ASC, m.frame_id ASC
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fts query failed: %w", err)
	}
	defer rows.Close()

	var hits []TextHit
	for rows.Next() {
		var (
			frameID int64
			rank    float64
			snippet string
		)
		if err := rows.Scan(&frameID, &rank, &snippet); err != nil {
			return nil, fmt.Errorf("fts scan failed: %w", err)
		}
		hits = append(hits, TextHit{FrameID: uint64(frameID), Score: -rank, Snippet: snippet})
	}
	return hits, rows.Err()
}
