// Package queue moves accepted alerts to the delivery pipeline with
// retry and dead-lettering. Envelopes for the same fingerprint always
// land on the same partition, so one incident is processed in order.
package queue

import (
	"context"
	"hash/fnv"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/permanent"
	"alertflow/internal/route"
)

// Envelope is one accepted alert with its routing decision.
// Params: correlation id, normalized alert, routing decision.
// Returns: queue unit consumed by pipeline workers.
type Envelope struct {
	ID         string         `json:"id"`
	Alert      domain.Alert   `json:"alert"`
	Decision   route.Decision `json:"decision"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// DLQReason identifies why an envelope was moved to the dead-letter queue.
// Params: categorized failure reason.
// Returns: machine-readable DLQ classification.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable processing failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxAttemptsExceeded marks retries exhausted by queue policy.
	DLQReasonMaxAttemptsExceeded DLQReason = "max_attempts_exceeded"
)

// DLQEntry is the dead-letter payload for failed envelopes.
// Params: original envelope, failure metadata, and attempt counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	Envelope    Envelope  `json:"envelope"`
	Reason      DLQReason `json:"reason"`
	Error       string    `json:"error"`
	Attempts    uint64    `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	FailedAt    time.Time `json:"failed_at"`
}

// Handler processes one dequeued envelope.
// Params: context and envelope.
// Returns: nil to acknowledge; error to retry; permanent error to dead-letter.
type Handler func(ctx context.Context, env Envelope) error

// Producer enqueues accepted envelopes.
// Params: context and envelope.
// Returns: enqueue error.
type Producer interface {
	Enqueue(ctx context.Context, env Envelope) error
	Close() error
}

// Worker consumes envelopes and drives the handler.
// Params: close hook for shutdown lifecycle.
// Returns: queue worker lifecycle.
type Worker interface {
	Close() error
}

// MarkPermanent wraps an error as a non-retryable processing failure.
// Params: source error.
// Returns: wrapped permanent error (or nil when input is nil).
func MarkPermanent(err error) error {
	return permanent.Mark(err)
}

// IsPermanent reports whether an error is marked as non-retryable.
// Params: processing error.
// Returns: true when the worker must not retry.
func IsPermanent(err error) bool {
	return permanent.Is(err)
}

// Partition maps one fingerprint to a stable partition index.
// Params: alert fingerprint and partition count.
// Returns: index in [0, partitions).
func Partition(fingerprint string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(fingerprint))
	return int(h.Sum32() % uint32(partitions))
}
