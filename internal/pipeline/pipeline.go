// Package pipeline processes queued envelopes end to end: diagnostics,
// optional narrative, rendering, delivery, and resolve correlation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/diag"
	"alertflow/internal/domain"
	"alertflow/internal/notify"
	"alertflow/internal/queue"
	"alertflow/internal/tracker"
)

// Narrator writes a short advisory paragraph for a report.
// Params: context, alert, and its diagnostic report.
// Returns: advisory text or error; failures degrade to a partial report.
type Narrator interface {
	Advise(ctx context.Context, alert domain.Alert, report domain.Report) (string, error)
}

// Processor handles one envelope per call and is safe for concurrent use.
// Params: diagnostics runner, metrics reader, sinks, tracker, and policy.
// Returns: queue handler implementation.
type Processor struct {
	runner   *diag.Runner
	metrics  diag.Metrics
	narrator Narrator
	sinks    []notify.Sink
	tracked  tracker.Store
	clk      clock.Clock
	budget   time.Duration
	logger   *slog.Logger
}

// New builds the envelope processor.
// Params: runner, metrics reader, optional narrator, sinks, tracker
// store, clock, per-envelope budget, logger.
// Returns: processor or error when no sink is configured.
func New(
	runner *diag.Runner,
	metrics diag.Metrics,
	narrator Narrator,
	sinks []notify.Sink,
	tracked tracker.Store,
	clk clock.Clock,
	budget time.Duration,
	logger *slog.Logger,
) (*Processor, error) {
	if len(sinks) == 0 {
		return nil, errors.New("at least one notification sink is required")
	}
	return &Processor{
		runner:   runner,
		metrics:  metrics,
		narrator: narrator,
		sinks:    sinks,
		tracked:  tracked,
		clk:      clk,
		budget:   budget,
		logger:   logger,
	}, nil
}

// Process handles one envelope. Enrichment runs under the processing
// budget; delivery does not, so a slow enrichment step degrades the
// content instead of dropping the notification.
// Params: context and dequeued envelope.
// Returns: nil to acknowledge, retryable error, or permanent error.
func (p *Processor) Process(ctx context.Context, env Envelope) error {
	switch env.Alert.Status {
	case domain.StatusFiring:
		return p.processFiring(ctx, env)
	case domain.StatusResolved:
		return p.processResolved(ctx, env)
	default:
		return queue.MarkPermanent(fmt.Errorf("envelope %s has unknown status %q", env.ID, env.Alert.Status))
	}
}

// Envelope is the queue unit this processor consumes.
type Envelope = queue.Envelope

// processFiring builds and delivers the diagnostic notification.
// When the enrichment budget runs out mid-step the report stays
// partial and whatever was collected is still delivered.
// Params: context and envelope.
// Returns: retryable error only when no sink accepted the message.
func (p *Processor) processFiring(ctx context.Context, env Envelope) error {
	alert := env.Alert

	enrichCtx, cancel := context.WithTimeout(ctx, p.budget)
	report, fellBack := p.runner.Run(enrichCtx, alert, p.metrics, env.Decision)
	if fellBack {
		p.logger.Info("diagnostic fallback used", "envelope_id", env.ID, "fingerprint", alert.Fingerprint, "handler", env.Decision.Handler)
	}

	narrativeText := ""
	if p.narrator != nil {
		if enrichCtx.Err() != nil {
			p.logger.Warn("narrative skipped, enrichment budget exhausted", "envelope_id", env.ID, "fingerprint", alert.Fingerprint)
			report.Partial = true
		} else if text, err := p.narrator.Advise(enrichCtx, alert, report); err != nil {
			p.logger.Warn("narrative generation failed", "envelope_id", env.ID, "fingerprint", alert.Fingerprint, "error", err.Error())
			report.Partial = true
		} else {
			narrativeText = text
		}
	}
	cancel()

	// Delivery on its own window, detached from the enrichment budget.
	sendCtx, cancelSend := context.WithTimeout(context.WithoutCancel(ctx), p.budget)
	defer cancelSend()

	msg := notify.RenderFiring(alert, report, narrativeText)
	refs, sendErr := p.deliver(sendCtx, env, msg)
	if sendErr != nil {
		return sendErr
	}

	record := tracker.Tracked{Refs: refs, Title: msg.Title, Text: msg.Body}
	if err := p.tracked.Record(sendCtx, alert.Fingerprint, record); err != nil {
		p.logger.Warn("tracking delivered message failed", "fingerprint", alert.Fingerprint, "error", err.Error())
	}
	return nil
}

// deliver sends one message to every sink.
// Params: context, envelope, and rendered message.
// Returns: per-sink references; error only when every sink failed.
func (p *Processor) deliver(ctx context.Context, env Envelope, msg notify.Message) (map[string]string, error) {
	refs := make(map[string]string, len(p.sinks))
	var failures []string
	for _, sink := range p.sinks {
		ref, err := sink.Send(ctx, msg)
		if err != nil {
			p.logger.Error("sink delivery failed",
				"envelope_id", env.ID,
				"fingerprint", env.Alert.Fingerprint,
				"sink", sink.Name(),
				"error", err.Error(),
			)
			failures = append(failures, sink.Name())
			continue
		}
		refs[sink.Name()] = ref
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("all sinks failed for envelope %s: %s", env.ID, strings.Join(failures, ","))
	}
	if len(failures) > 0 {
		p.logger.Error("partial delivery, not retrying to avoid duplicates",
			"envelope_id", env.ID,
			"fingerprint", env.Alert.Fingerprint,
			"failed_sinks", strings.Join(failures, ","),
		)
	}
	return refs, nil
}

// processResolved correlates the resolution with the original message.
// A tracked incident updates or replies to the original; an untracked
// one gets a standalone notice.
// Params: context and envelope.
// Returns: retryable error only when nothing could be delivered.
func (p *Processor) processResolved(ctx context.Context, env Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	alert := env.Alert
	now := p.clk.Now()

	tracked, found, err := p.tracked.Take(ctx, alert.Fingerprint)
	if err != nil {
		p.logger.Warn("tracker lookup failed, delivering standalone", "fingerprint", alert.Fingerprint, "error", err.Error())
		found = false
	}

	if !found {
		msg := notify.RenderResolvedNotice(alert, now)
		_, sendErr := p.deliver(ctx, env, msg)
		return sendErr
	}

	delivered := 0
	for _, sink := range p.sinks {
		ref := tracked.Refs[sink.Name()]
		if ref == "" {
			msg := notify.RenderResolvedNotice(alert, now)
			if _, err := sink.Send(ctx, msg); err != nil {
				p.logger.Error("resolved notice failed", "sink", sink.Name(), "fingerprint", alert.Fingerprint, "error", err.Error())
				continue
			}
			delivered++
			continue
		}

		if sink.CanUpdate() {
			msg := notify.RenderResolvedUpdate(alert, tracked.Title, tracked.Text, now)
			if err := sink.Update(ctx, ref, msg); err != nil {
				p.logger.Error("resolved update failed, falling back to reply", "sink", sink.Name(), "fingerprint", alert.Fingerprint, "error", err.Error())
			} else {
				delivered++
				continue
			}
		}

		msg := notify.RenderResolvedReply(alert, ref, now)
		if _, err := sink.Send(ctx, msg); err != nil {
			p.logger.Error("resolved reply failed", "sink", sink.Name(), "fingerprint", alert.Fingerprint, "error", err.Error())
			continue
		}
		delivered++
	}

	if delivered == 0 {
		// Put the entry back so the retried envelope can still update
		// the original message instead of degrading to a notice.
		if err := p.tracked.Record(ctx, alert.Fingerprint, tracked); err != nil {
			p.logger.Warn("restoring tracked entry failed", "fingerprint", alert.Fingerprint, "error", err.Error())
		}
		return fmt.Errorf("resolution for %s reached no sink", alert.Fingerprint)
	}
	return nil
}
