package framevault

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ===========================================================================
// WRITER LEASES
// ===========================================================================
//
// External callers coordinate exclusive write access through named
// leases. At most one lease is outstanding; release hands off to the
// first waiter in FIFO order. Leases gate external writers only; readers
// are never gated.
//
// ===========================================================================

// LeasePolicyKind selects the behavior when the lease is held.
type LeasePolicyKind uint8

const (
	// LeaseFail returns ErrWriterBusy immediately.
	LeaseFail LeasePolicyKind = iota
	// LeaseWait blocks until the lease frees.
	LeaseWait
	// LeaseTimeout blocks up to the configured duration, then returns
	// ErrWriterTimeout.
	LeaseTimeout
)

// LeasePolicy configures an acquire attempt.
type LeasePolicy struct {
	Kind    LeasePolicyKind
	Timeout time.Duration
}

// WriterLease is an outstanding exclusive writer claim.
type WriterLease struct {
	ID   string
	Name string
}

// leaseState serializes lease handoff independently of the store locks.
type leaseState struct {
	mu      sync.Mutex
	holder  *WriterLease
	waiters []*leaseWaiter
}

type leaseWaiter struct {
	name  string
	grant chan *WriterLease
}

func newLeaseState() *leaseState {
	return &leaseState{}
}

// AcquireWriterLease claims the exclusive writer lease under the given
// policy.
func (s *Store) AcquireWriterLease(name string, policy LeasePolicy) (*WriterLease, error) {
	ls := s.lease

	ls.mu.Lock()
	if ls.holder == nil {
		lease := &WriterLease{ID: uuid.NewString(), Name: name}
		ls.holder = lease
		ls.mu.Unlock()
		s.logger.Debug("writer lease acquired", "name", name, "id", lease.ID)
		return lease, nil
	}
	if policy.Kind == LeaseFail {
		ls.mu.Unlock()
		return nil, ErrWriterBusy
	}
	w := &leaseWaiter{name: name, grant: make(chan *WriterLease, 1)}
	ls.waiters = append(ls.waiters, w)
	ls.mu.Unlock()

	if policy.Kind == LeaseWait {
		lease := <-w.grant
		s.logger.Debug("writer lease acquired after wait", "name", name, "id", lease.ID)
		return lease, nil
	}

	timer := time.NewTimer(policy.Timeout)
	defer timer.Stop()
	select {
	case lease := <-w.grant:
		s.logger.Debug("writer lease acquired after wait", "name", name, "id", lease.ID)
		return lease, nil
	case <-timer.C:
		ls.mu.Lock()
		for i, cand := range ls.waiters {
			if cand == w {
				ls.waiters = append(ls.waiters[:i], ls.waiters[i+1:]...)
				ls.mu.Unlock()
				return nil, ErrWriterTimeout
			}
		}
		ls.mu.Unlock()
		// The grant raced the timeout; it is already in the channel.
		return <-w.grant, nil
	}
}

// ReleaseWriterLease releases the lease and hands it to the first waiter.
func (s *Store) ReleaseWriterLease(id string) error {
	ls := s.lease

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.holder == nil || ls.holder.ID != id {
		return ErrWriterBusy
	}
	ls.holder = nil
	if len(ls.waiters) > 0 {
		next := ls.waiters[0]
		ls.waiters = ls.waiters[1:]
		lease := &WriterLease{ID: uuid.NewString(), Name: next.name}
		ls.holder = lease
		next.grant <- lease
	}
	s.logger.Debug("writer lease released", "id", id)
	return nil
}
