// Package throttle suppresses repeat firing notifications per incident
// fingerprint within a configured window. The check-and-refresh is a single
// atomic operation so two concurrent firing events cannot both pass.
package throttle

import (
	"context"
	"log/slog"
	"time"
)

// Store is the suppression backend contract.
// Params: fingerprint keys with per-entry TTL.
// Returns: atomic pass/suppress decisions.
type Store interface {
	// Acquire passes exactly one firing event per fingerprint per window.
	// A live entry suppresses and increments the suppressed counter.
	Acquire(ctx context.Context, fingerprint string, window time.Duration) (bool, uint64, error)
	// Clear removes the entry so the next firing notifies again.
	Clear(ctx context.Context, fingerprint string) error
	Close() error
}

// FailOpen wraps a store so backend outages degrade open: an unreachable
// throttle store passes the alert instead of silencing it.
// Params: wrapped store and logger.
// Returns: store that never blocks a notification on backend failure.
type FailOpen struct {
	next   Store
	logger *slog.Logger
}

// NewFailOpen creates the degrade-open wrapper.
// Params: wrapped store and optional logger.
// Returns: fail-open store.
func NewFailOpen(next Store, logger *slog.Logger) *FailOpen {
	return &FailOpen{next: next, logger: logger}
}

// Acquire delegates and passes on backend error.
// Params: fingerprint key and suppression window.
// Returns: pass decision, never a backend error.
func (s *FailOpen) Acquire(ctx context.Context, fingerprint string, window time.Duration) (bool, uint64, error) {
	pass, suppressed, err := s.next.Acquire(ctx, fingerprint, window)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("throttle store unavailable, degrading open", "fingerprint", fingerprint, "error", err.Error())
		}
		return true, 0, nil
	}
	return pass, suppressed, nil
}

// Clear delegates and swallows backend errors.
// Params: fingerprint key.
// Returns: nil always.
func (s *FailOpen) Clear(ctx context.Context, fingerprint string) error {
	if err := s.next.Clear(ctx, fingerprint); err != nil && s.logger != nil {
		s.logger.Warn("throttle clear failed", "fingerprint", fingerprint, "error", err.Error())
	}
	return nil
}

// Close closes the wrapped store.
// Params: none.
// Returns: wrapped close error.
func (s *FailOpen) Close() error {
	return s.next.Close()
}
