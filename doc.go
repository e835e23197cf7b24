// Package framevault implements an on-device, single-file memory store.
//
// A store durably persists frames (opaque byte payloads with metadata)
// inside one container file: two ping-pong header pages, a fixed-size WAL
// ring for pending mutations, and an appended data region holding
// payloads, index segments, the table of contents, and a footer. Commits
// fold pending WAL entries into a fresh TOC and flip the header, so a
// crash at any point leaves either the previous or the new generation
// intact.
//
// Retrieval is hybrid: a full-text lane and a structured-memory evidence
// lane backed by an embedded relational blob, a vector lane backed by a
// serializable index, and a timeline fallback, fused with deterministic
// reciprocal-rank scoring.
package framevault
