package engine

import "sync"

// runner serializes walk work per execution id. Two walk steps for the same
// execution must never run concurrently; the per-id lock enforces that, and
// the version compare-and-swap in the store backstops it across processes.
type runner struct {
	mu    sync.Mutex
	locks map[string]*executionLock
}

type executionLock struct {
	mu   sync.Mutex
	refs int
}

func newRunner() *runner {
	return &runner{
		locks: make(map[string]*executionLock),
	}
}

// do runs fn while holding the lock for the execution id. Lock entries are
// reference-counted and removed when the last holder releases.
func (r *runner) do(executionID string, fn func()) {
	r.mu.Lock()

	lock, exists := r.locks[executionID]
	if !exists {
		lock = &executionLock{}
		r.locks[executionID] = lock
	}

	lock.refs++
	r.mu.Unlock()

	lock.mu.Lock()
	defer func() {
		lock.mu.Unlock()

		r.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(r.locks, executionID)
		}
		r.mu.Unlock()
	}()

	fn()
}
