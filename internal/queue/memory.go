package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	memoryDLQCap     = 1024
	memoryDrainGrace = 10 * time.Second
)

// MemoryQueue is the single-process queue for the single runtime mode.
// One goroutine per partition keeps same-fingerprint envelopes ordered
// while different fingerprints proceed concurrently.
type MemoryQueue struct {
	partitions []chan Envelope
	dlq        []DLQEntry
	dlqMu      sync.Mutex

	maxAttempts  int
	retryInitial time.Duration
	retryMax     time.Duration
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemoryQueue starts the in-process queue workers.
// Params: partition count, per-partition buffer, retry policy, handler, logger.
// Returns: running queue acting as both producer and worker.
func NewMemoryQueue(partitions, buffer, maxAttempts int, retryInitial, retryMax time.Duration, handler Handler, logger *slog.Logger) *MemoryQueue {
	if partitions <= 0 {
		partitions = 1
	}
	if buffer <= 0 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &MemoryQueue{
		partitions:   make([]chan Envelope, partitions),
		maxAttempts:  maxAttempts,
		retryInitial: retryInitial,
		retryMax:     retryMax,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		closed:       make(chan struct{}),
	}
	for i := range q.partitions {
		q.partitions[i] = make(chan Envelope, buffer)
		q.wg.Add(1)
		go q.runPartition(i, handler)
	}
	return q
}

// Enqueue places one envelope on its fingerprint partition.
// Params: context and envelope.
// Returns: error when the queue is closed or the partition is saturated.
func (q *MemoryQueue) Enqueue(ctx context.Context, env Envelope) error {
	select {
	case <-q.closed:
		return errors.New("queue is closed")
	default:
	}

	partition := q.partitions[Partition(env.Alert.Fingerprint, len(q.partitions))]
	select {
	case partition <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return errors.New("queue is closed")
	}
}

// runPartition drains one partition serially with inline retries.
// Params: partition index and envelope handler.
// Returns: exits after close once buffered envelopes are drained.
func (q *MemoryQueue) runPartition(index int, handler Handler) {
	defer q.wg.Done()
	ch := q.partitions[index]
	for {
		select {
		case env := <-ch:
			q.process(env, handler)
		case <-q.closed:
			for {
				select {
				case env := <-ch:
					q.process(env, handler)
				default:
					return
				}
			}
		}
	}
}

// process runs the handler with exponential backoff until success,
// permanent failure, or exhausted attempts.
// Params: envelope and handler.
// Returns: failed envelopes recorded on the dead-letter list.
func (q *MemoryQueue) process(env Envelope, handler Handler) {
	backoff := q.retryInitial
	for attempt := 1; ; attempt++ {
		err := handler(q.ctx, env)
		if err == nil {
			if attempt > 1 && q.logger != nil {
				q.logger.Info("envelope delivered after retries", "envelope_id", env.ID, "attempt", attempt)
			}
			return
		}

		if IsPermanent(err) {
			q.deadLetter(env, DLQReasonPermanentError, err, uint64(attempt))
			return
		}
		if q.maxAttempts > 0 && attempt >= q.maxAttempts {
			q.deadLetter(env, DLQReasonMaxAttemptsExceeded, err, uint64(attempt))
			return
		}

		if q.logger != nil {
			q.logger.Warn("envelope processing failed, retrying",
				"envelope_id", env.ID,
				"fingerprint", env.Alert.Fingerprint,
				"attempt", attempt,
				"backoff", backoff.String(),
				"error", err.Error(),
			)
		}
		select {
		case <-q.ctx.Done():
			q.deadLetter(env, DLQReasonMaxAttemptsExceeded, fmt.Errorf("queue shutdown during retry: %w", err), uint64(attempt))
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > q.retryMax {
			backoff = q.retryMax
		}
	}
}

// deadLetter records one failed envelope on the bounded DLQ list.
// Params: envelope, reason, cause, and attempt counter.
// Returns: none; oldest entries are dropped past the cap.
func (q *MemoryQueue) deadLetter(env Envelope, reason DLQReason, cause error, attempts uint64) {
	entry := DLQEntry{
		Envelope:    env,
		Reason:      reason,
		Error:       cause.Error(),
		Attempts:    attempts,
		MaxAttempts: q.maxAttempts,
		FailedAt:    time.Now().UTC(),
	}
	q.dlqMu.Lock()
	q.dlq = append(q.dlq, entry)
	if len(q.dlq) > memoryDLQCap {
		q.dlq = q.dlq[len(q.dlq)-memoryDLQCap:]
	}
	q.dlqMu.Unlock()

	if q.logger != nil {
		q.logger.Error("envelope moved to dead letters",
			"envelope_id", env.ID,
			"fingerprint", env.Alert.Fingerprint,
			"reason", string(reason),
			"attempts", attempts,
			"error", cause.Error(),
		)
	}
}

// DeadLetters returns a snapshot of recorded dead-letter entries.
// Params: none.
// Returns: copied entry list.
func (q *MemoryQueue) DeadLetters() []DLQEntry {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	out := make([]DLQEntry, len(q.dlq))
	copy(out, q.dlq)
	return out
}

// Close stops intake and drains buffered envelopes with a live context
// inside the drain grace window; only past the window are remaining
// retries aborted.
// Params: none.
// Returns: nil after all partition workers exit.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
		time.AfterFunc(memoryDrainGrace, q.cancel)
	})
	q.wg.Wait()
	q.cancel()
	return nil
}
