package sync

import (
	"sync"
	"sync/atomic"
	"time"
)

// syncState is the lifecycle record every coordinator (and the manager)
// carries: whether it has been initialised, whether a sync is in flight, and
// when the last sync finished. It is never persisted.
//
// inProgress is a try-lock, not a queue: a caller observing an active sync
// gets [ErrSyncInProgress] immediately instead of waiting.
type syncState struct {
	inProgress atomic.Bool

	mu           sync.Mutex
	initialized  bool
	lastSyncTime time.Time
}

// begin claims the in-progress flag or reports the active sync.
func (s *syncState) begin() error {
	if !s.inProgress.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	return nil
}

// end records the sync time and releases the flag. Always call via defer so
// the flag is released on every path, including panics and remote timeouts.
func (s *syncState) end() {
	s.mu.Lock()
	s.lastSyncTime = time.Now().UTC()
	s.mu.Unlock()
	s.inProgress.Store(false)
}

// markInitialized flips the initialised flag.
func (s *syncState) markInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// isInitialized reports whether markInitialized has run.
func (s *syncState) isInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// lastSync returns when the most recent sync finished, or the zero time.
func (s *syncState) lastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSyncTime
}
