package diag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/route"
)

// Runner executes the routed handler with a timeout and the default
// handler as a safety net. When a rule names a second handler, both
// reports are merged inside one line budget.
type Runner struct {
	registry       *Registry
	defaultHandler string
	defaultParams  map[string]string
	timeout        time.Duration
	lineBudget     int
	logger         *slog.Logger
}

// NewRunner builds the handler runner.
// Params: registry, default handler name/params, per-handler timeout,
// report line budget, logger.
// Returns: runner or error when the default handler is unknown.
func NewRunner(registry *Registry, defaultHandler string, defaultParams map[string]string, timeout time.Duration, lineBudget int, logger *slog.Logger) (*Runner, error) {
	if _, ok := registry.Lookup(defaultHandler); !ok {
		return nil, fmt.Errorf("unknown default handler %q", defaultHandler)
	}
	if lineBudget <= 0 {
		lineBudget = domain.DefaultReportLineBudget
	}
	return &Runner{
		registry:       registry,
		defaultHandler: defaultHandler,
		defaultParams:  defaultParams,
		timeout:        timeout,
		lineBudget:     lineBudget,
		logger:         logger,
	}, nil
}

// Run produces the report for one routed alert.
// Params: context, alert, metrics reader, routing decision.
// Returns: report (always) and whether the default fallback was used.
func (r *Runner) Run(ctx context.Context, alert domain.Alert, metrics Metrics, decision route.Decision) (domain.Report, bool) {
	report, err := r.runOne(ctx, decision.Handler, alert, metrics, decision.Params)
	fellBack := false
	if err != nil {
		r.logger.Warn("diagnostic handler failed, using default",
			"handler", decision.Handler,
			"rule", decision.Rule,
			"fingerprint", alert.Fingerprint,
			"params", describeParams(decision.Params),
			"error", err.Error(),
		)
		report = r.fallback(ctx, alert, metrics)
		fellBack = true
	}

	if decision.Also != "" && decision.Also != decision.Handler && !fellBack {
		extra, err := r.runOne(ctx, decision.Also, alert, metrics, decision.Params)
		if err != nil {
			r.logger.Warn("secondary diagnostic handler failed",
				"handler", decision.Also,
				"rule", decision.Rule,
				"fingerprint", alert.Fingerprint,
				"error", err.Error(),
			)
			report.Partial = true
		} else {
			report = domain.MergeReports(report, extra, r.lineBudget)
		}
	}
	return report.Truncate(r.lineBudget), fellBack
}

// runOne executes one handler under the per-handler timeout.
// Params: context, handler name, alert, metrics, params.
// Returns: report or handler/timeout error.
func (r *Runner) runOne(ctx context.Context, name string, alert domain.Alert, metrics Metrics, params map[string]string) (domain.Report, error) {
	handler, ok := r.registry.Lookup(name)
	if !ok {
		return domain.Report{}, fmt.Errorf("unknown handler %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		report domain.Report
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		report, err := handler.Run(ctx, alert, metrics, params)
		done <- outcome{report: report, err: err}
	}()

	select {
	case out := <-done:
		return out.report, out.err
	case <-ctx.Done():
		return domain.Report{}, fmt.Errorf("handler %q: %w", name, ctx.Err())
	}
}

// fallback runs the default handler, degrading to a bare identity
// report if even that fails.
// Params: context, alert, metrics reader.
// Returns: report marked partial.
func (r *Runner) fallback(ctx context.Context, alert domain.Alert, metrics Metrics) domain.Report {
	report, err := r.runOne(ctx, r.defaultHandler, alert, metrics, r.defaultParams)
	if err != nil {
		r.logger.Error("default diagnostic handler failed",
			"handler", r.defaultHandler,
			"fingerprint", alert.Fingerprint,
			"error", err.Error(),
		)
		report = domain.Report{
			Title: alert.Name,
			Lines: []string{
				fmt.Sprintf("severity: %s", alert.Severity),
				fmt.Sprintf("instance: %s", alert.Instance()),
			},
		}
	}
	report.Partial = true
	return report
}
