// Package tracker correlates a delivered notification with its incident
// fingerprint so a later resolution updates the original message instead of
// duplicating it. Entries expire after a bounded retention window; once an
// entry is taken by a resolve, a second resolve for the same fingerprint is
// treated as a new incident and delivered standalone.
package tracker

import (
	"context"
	"log/slog"
	"time"
)

// Tracked holds delivered-message references per notification sink.
// Params: sink name to external message reference mapping and rendered text.
// Returns: correlation record for resolution updates.
type Tracked struct {
	Refs       map[string]string `json:"refs"`
	Title      string            `json:"title"`
	Text       string            `json:"text"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// Store is the correlation backend contract.
// Params: fingerprint keys with retention TTL.
// Returns: record/take semantics (take removes the entry).
type Store interface {
	Record(ctx context.Context, fingerprint string, tracked Tracked) error
	Take(ctx context.Context, fingerprint string) (Tracked, bool, error)
	Close() error
}

// FailOpen wraps a store so tracker outages never block delivery: a failed
// record is dropped (the resolution falls back to a standalone notice) and a
// failed lookup reports no tracked message.
// Params: wrapped store and logger.
// Returns: store that degrades open on backend failure.
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

// Record delegates and swallows backend errors.
// Params: fingerprint key and correlation record.
// Returns: nil always.
func (s *FailOpen) Record(ctx context.Context, fingerprint string, tracked Tracked) error {
	if err := s.next.Record(ctx, fingerprint, tracked); err != nil && s.logger != nil {
		s.logger.Warn("tracker record failed", "fingerprint", fingerprint, "error", err.Error())
	}
	return nil
}

// Take delegates and reports a miss on backend error.
// Params: fingerprint key.
// Returns: tracked record or not-found, never a backend error.
func (s *FailOpen) Take(ctx context.Context, fingerprint string) (Tracked, bool, error) {
	tracked, ok, err := s.next.Take(ctx, fingerprint)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("tracker lookup failed, delivering standalone", "fingerprint", fingerprint, "error", err.Error())
		}
		return Tracked{}, false, nil
	}
	return tracked, ok, nil
}

// Close closes the wrapped store.
// Params: none.
// Returns: wrapped close error.
func (s *FailOpen) Close() error {
	return s.next.Close()
}
