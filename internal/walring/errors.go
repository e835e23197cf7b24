package walring

import "fmt"

// CapacityError reports an append that does not fit in the ring before the
// next commit. The caller is expected to commit and retry once.
type CapacityError struct {
	Limit     uint64
	Requested uint64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("wal capacity exceeded: requested %d bytes of %d", e.Requested, e.Limit)
}

// CorruptionError reports an undecodable region of the ring at a specific
// offset.
type CorruptionError struct {
	Offset uint64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal corruption at offset %d: %s", e.Offset, e.Reason)
}

// ErrFaulted is returned by a writer that observed a partial write; the
// store must be reopened before further appends.
type faultedError struct{}

func (faultedError) Error() string {
	return "wal writer is faulted after a partial write; reopen the store"
}

// ErrFaulted is the sentinel for a faulted writer.
var ErrFaulted = faultedError{}
