package sync

import stdsync "sync"

// keyedFlight is the in-process guard that keeps two passes for the same
// user from racing on one cursor. It complements the per-user advisory lock
// taken inside each storage transaction: the advisory lock serializes
// writers across processes, this guard skips redundant passes early.
type keyedFlight struct {
	mu     stdsync.Mutex
	active map[string]struct{}
}

func newKeyedFlight() *keyedFlight {
	return &keyedFlight{active: map[string]struct{}{}}
}

func (f *keyedFlight) tryAcquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.active[key]; busy {
		return false
	}
	f.active[key] = struct{}{}
	return true
}

func (f *keyedFlight) release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, key)
}
