package tracker

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps correlation records in process memory for single mode.
// Params: record map guarded by one mutex, retention window, injected clock.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	retention time.Duration
	records   map[string]Tracked
}

// NewMemoryStore creates in-memory tracker store.
// Params: retention window and now function (defaults to time.Now when nil).
// Returns: initialized store.
func NewMemoryStore(retention time.Duration, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, retention: retention, records: make(map[string]Tracked)}
}

// Record stores one correlation record.
// Params: fingerprint key and record.
// Returns: nil (in-memory write).
func (s *MemoryStore) Record(_ context.Context, fingerprint string, tracked Tracked) error {
	if tracked.RecordedAt.IsZero() {
		tracked.RecordedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[fingerprint] = tracked
	return nil
}

// Take returns and removes one record when it is within retention.
// Params: fingerprint key.
// Returns: record and presence flag.
func (s *MemoryStore) Take(_ context.Context, fingerprint string) (Tracked, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracked, ok := s.records[fingerprint]
	if !ok {
		return Tracked{}, false, nil
	}
	delete(s.records, fingerprint)
	if s.retention > 0 && s.now().After(tracked.RecordedAt.Add(s.retention)) {
		return Tracked{}, false, nil
	}
	return tracked, true, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
