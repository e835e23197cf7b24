package framevault

import (
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// TestLeaseFailPolicy verifies the immediate-failure policy while a lease
// is outstanding.
func TestLeaseFailPolicy(t *testing.T) {
	s, _ := newTestStore(t, Options{WALSize: 65536})
	defer s.Close()

	lease, err := s.AcquireWriterLease("ingest", LeasePolicy{Kind: LeaseFail})
	assert.NilError(t, err)
	assert.Assert(t, lease.ID != "")

	_, err = s.AcquireWriterLease("other", LeasePolicy{Kind: LeaseFail})
	assert.Equal(t, err, ErrWriterBusy)

	assert.NilError(t, s.ReleaseWriterLease(lease.ID))
	second, err := s.AcquireWriterLease("other", LeasePolicy{Kind: LeaseFail})
	assert.NilError(t, err)
	assert.NilError(t, s.ReleaseWriterLease(second.ID))
}

// TestLeaseFIFOHandoff verifies waiters receive the lease in arrival
// order.
func TestLeaseFIFOHandoff(t *testing.T) {
	s, _ := newTestStore(t, Options{WALSize: 65536})
	defer s.Close()

	first, err := s.AcquireWriterLease("first", LeasePolicy{Kind: LeaseFail})
	assert.NilError(t, err)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	acquire := func(name string) {
		defer wg.Done()
		lease, err := s.AcquireWriterLease(name, LeasePolicy{Kind: LeaseWait})
		if err != nil {
			t.Errorf("wait acquire failed: %v", err)
			return
		}
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		_ = s.ReleaseWriterLease(lease.ID)
	}

	wg.Add(2)
	go acquire("second")
	time.Sleep(50 * time.Millisecond) // establish queue order
	go acquire("third")
	time.Sleep(50 * time.Millisecond)

	assert.NilError(t, s.ReleaseWriterLease(first.ID))
	wg.Wait()

	assert.DeepEqual(t, order, []string{"second", "third"})
}

// TestLeaseTimeout verifies the timeout policy wakes the waiter with the
// timeout error.
func TestLeaseTimeout(t *testing.T) {
	s, _ := newTestStore(t, Options{WALSize: 65536})
	defer s.Close()

	lease, err := s.AcquireWriterLease("holder", LeasePolicy{Kind: LeaseFail})
	assert.NilError(t, err)
	defer s.ReleaseWriterLease(lease.ID)

	start := time.Now()
	_, err = s.AcquireWriterLease("waiter", LeasePolicy{Kind: LeaseTimeout, Timeout: 30 * time.Millisecond})
	assert.Equal(t, err, ErrWriterTimeout)
	assert.Assert(t, time.Since(start) >= 30*time.Millisecond)
}

// TestReleaseUnknownLease verifies a stale id cannot release the lease.
func TestReleaseUnknownLease(t *testing.T) {
	s, _ := newTestStore(t, Options{WALSize: 65536})
	defer s.Close()

	lease, err := s.AcquireWriterLease("holder", LeasePolicy{Kind: LeaseFail})
	assert.NilError(t, err)
	assert.Assert(t, s.ReleaseWriterLease("bogus") != nil)
	assert.NilError(t, s.ReleaseWriterLease(lease.ID))
}
