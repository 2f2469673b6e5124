package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"alertflow/internal/config"
)

const (
	envelopeStream     = "alertflow_envelopes"
	envelopeSubjects   = "alertflow.envelope.*"
	envelopeSubjectFmt = "alertflow.envelope.%d"
	dlqStream          = "alertflow_envelopes_dlq"
	dlqSubject         = "alertflow.envelope_dlq"

	envelopeStreamMaxAge = 24 * time.Hour
	dlqStreamMaxAge      = 7 * 24 * time.Hour
)

// NATSProducer publishes envelopes into the JetStream work queue.
// Params: NATS connection and partition count.
// Returns: queue producer implementation.
type NATSProducer struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	partitions int
}

// NewNATSProducer creates the JetStream envelope producer.
// Params: queue config section.
// Returns: initialized producer or setup error.
func NewNATSProducer(cfg config.QueueConfig) (*NATSProducer, error) {
	nc, js, err := openEnvelopeJetStream(cfg)
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js, partitions: cfg.Partitions}, nil
}

// Enqueue publishes one envelope on its fingerprint partition subject.
// Params: context and envelope.
// Returns: publish error.
func (p *NATSProducer) Enqueue(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	subject := fmt.Sprintf(envelopeSubjectFmt, Partition(env.Alert.Fingerprint, p.partitions))
	msg := nats.NewMsg(subject)
	msg.Data = body
	if strings.TrimSpace(env.ID) != "" {
		msg.Header.Set("Nats-Msg-Id", strings.TrimSpace(env.ID))
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// Close closes producer NATS connection.
// Params: none.
// Returns: nil after connection close.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSWorker consumes envelope partitions with one serial consumer each.
// Same-fingerprint envelopes share a partition, so MaxAckPending(1) on
// every partition consumer preserves per-incident order.
type NATSWorker struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	subs   []*nats.Subscription
	logger *slog.Logger
	dlq    bool
}

// NewNATSWorker starts per-partition envelope consumers.
// Params: queue config, logger, and envelope handler.
// Returns: running worker or setup error.
func NewNATSWorker(cfg config.QueueConfig, logger *slog.Logger, handler Handler) (*NATSWorker, error) {
	nc, js, err := openEnvelopeJetStream(cfg)
	if err != nil {
		return nil, err
	}

	worker := &NATSWorker{nc: nc, js: js, logger: logger, dlq: cfg.DLQ}
	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	for partition := 0; partition < cfg.Partitions; partition++ {
		subject := fmt.Sprintf(envelopeSubjectFmt, partition)
		subOpts := []nats.SubOpt{
			nats.BindStream(envelopeStream),
			nats.Durable(fmt.Sprintf("alertflow-part-%d", partition)),
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(ackWait),
			nats.MaxDeliver(cfg.MaxAttempts),
			nats.MaxAckPending(1),
			nats.DeliverAll(),
		}
		sub, err := js.Subscribe(subject, worker.consume(cfg, handler), subOpts...)
		if err != nil {
			_ = worker.Close()
			return nil, fmt.Errorf("subscribe envelope partition %q: %w", subject, err)
		}
		worker.subs = append(worker.subs, sub)
	}
	return worker, nil
}

// consume builds the partition message callback.
// Params: queue config and envelope handler.
// Returns: NATS message handler with ack/nak/DLQ policy.
func (w *NATSWorker) consume(cfg config.QueueConfig, handler Handler) nats.MsgHandler {
	return func(message *nats.Msg) {
		if message == nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(message.Data, &env); err != nil {
			if w.logger != nil {
				w.logger.Warn("envelope decode failed", "subject", message.Subject, "error", err.Error())
			}
			_ = message.Ack()
			return
		}

		err := handler(context.Background(), env)
		if err == nil {
			_ = message.Ack()
			return
		}
		if w.logger != nil {
			w.logger.Error("envelope processing failed",
				"envelope_id", env.ID,
				"fingerprint", env.Alert.Fingerprint,
				"error", err.Error(),
			)
		}

		attempts := deliveryAttempts(message)
		reason := DLQReason("")
		if IsPermanent(err) {
			reason = DLQReasonPermanentError
		} else if cfg.MaxAttempts > 0 && attempts >= uint64(cfg.MaxAttempts) {
			reason = DLQReasonMaxAttemptsExceeded
		}
		if reason != "" {
			if w.dlq {
				if dlqErr := w.publishDLQ(context.Background(), env, reason, err, attempts, cfg.MaxAttempts); dlqErr != nil {
					if w.logger != nil {
						w.logger.Error("dead-letter publish failed", "envelope_id", env.ID, "reason", string(reason), "error", dlqErr.Error())
					}
					_ = message.NakWithDelay(retryDelay(cfg, attempts))
					return
				}
			}
			_ = message.Ack()
			return
		}
		_ = message.NakWithDelay(retryDelay(cfg, attempts))
	}
}

// retryDelay grows the nak delay with the delivery attempt count,
// mirroring the in-process backoff: the initial delay doubled per
// attempt, capped at the retry ceiling.
// Params: queue config and delivered-attempt count.
// Returns: redelivery delay.
func retryDelay(cfg config.QueueConfig, attempts uint64) time.Duration {
	delay := cfg.RetryInitial()
	ceiling := cfg.RetryMax()
	for i := uint64(1); i < attempts && i < 16; i++ {
		delay *= 2
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
	}
	return delay
}

// Close drains partition subscriptions and closes NATS connection.
// Params: none.
// Returns: first drain error.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	var firstErr error
	for _, sub := range w.subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.nc.Close()
	return firstErr
}

// publishDLQ publishes one failed envelope to the dead-letter stream.
// Params: envelope, failure reason/cause, and attempt counters.
// Returns: publish error.
func (w *NATSWorker) publishDLQ(ctx context.Context, env Envelope, reason DLQReason, cause error, attempts uint64, maxAttempts int) error {
	entry := DLQEntry{
		Envelope:    env,
		Reason:      reason,
		Error:       strings.TrimSpace(cause.Error()),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		FailedAt:    time.Now().UTC(),
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}
	msg := nats.NewMsg(dlqSubject)
	msg.Data = body
	if strings.TrimSpace(env.ID) != "" {
		msg.Header.Set("Nats-Msg-Id", strings.TrimSpace(env.ID)+":dlq:"+string(reason)+":"+fmt.Sprintf("%d", attempts))
	}
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish dead-letter entry: %w", err)
	}
	return nil
}

// ensureStream ensures one JetStream stream exists with provided options.
// Params: JetStream context and stream settings.
// Returns: stream create/lookup error.
func ensureStream(
	js nats.JetStreamContext,
	streamName string,
	subject string,
	retention nats.RetentionPolicy,
	maxAge time.Duration,
) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if err != nil && err != nats.ErrStreamNotFound && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

// openEnvelopeJetStream opens a connection and ensures the queue streams.
// Params: queue config with URLs and DLQ toggle.
// Returns: opened NATS connection, JetStream context, and setup error.
func openEnvelopeJetStream(cfg config.QueueConfig) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, nil, fmt.Errorf("connect queue nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for queue: %w", err)
	}
	if err := ensureStream(js, envelopeStream, envelopeSubjects, nats.WorkQueuePolicy, envelopeStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if cfg.DLQ {
		if err := ensureStream(js, dlqStream, dlqSubject, nats.LimitsPolicy, dlqStreamMaxAge); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// deliveryAttempts returns the delivery attempt count from JetStream metadata.
// Params: delivered NATS message.
// Returns: delivered-attempt count (at least 1 when message is non-nil).
func deliveryAttempts(message *nats.Msg) uint64 {
	if message == nil {
		return 0
	}
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered <= 0 {
		return 1
	}
	return metadata.NumDelivered
}
