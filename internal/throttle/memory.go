package throttle

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps suppression entries in process memory for single mode.
// Params: entry map guarded by one mutex and injected clock.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	notifiedAt time.Time
	expiresAt  time.Time
	suppressed uint64
}

// NewMemoryStore creates in-memory throttle store.
// Params: now function (defaults to time.Now when nil).
// Returns: initialized store.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, entries: make(map[string]memoryEntry)}
}

// Acquire implements the atomic check-and-refresh under one lock.
// Params: fingerprint key and suppression window.
// Returns: pass decision with suppressed counter.
func (s *MemoryStore) Acquire(_ context.Context, fingerprint string, window time.Duration) (bool, uint64, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[fingerprint]
	if ok && now.Before(entry.expiresAt) {
		entry.suppressed++
		s.entries[fingerprint] = entry
		return false, entry.suppressed, nil
	}

	s.entries[fingerprint] = memoryEntry{
		notifiedAt: now,
		expiresAt:  now.Add(window),
	}
	return true, 0, nil
}

// Clear removes one entry.
// Params: fingerprint key.
// Returns: nil (in-memory delete).
func (s *MemoryStore) Clear(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fingerprint)
	return nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
