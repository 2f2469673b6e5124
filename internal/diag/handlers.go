package diag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"alertflow/internal/domain"
	"alertflow/internal/metricsrc"
)

// Handler names referenced by routing rules.
const (
	HandlerOverview  = "overview"
	HandlerSysload   = "sysload"
	HandlerDiskspace = "diskspace"
	HandlerDBLoad    = "dbload"
)

// NotAvailable marks a metric that could not be read. A report never
// substitutes zero for a missing value.
const NotAvailable = "n/a"

func percentLine(label string, sample metricsrc.Sample) (string, bool) {
	if !sample.OK {
		return fmt.Sprintf("%s: %s", label, NotAvailable), false
	}
	return fmt.Sprintf("%s: %.1f%%", label, sample.Value), true
}

func numberLine(label string, sample metricsrc.Sample) (string, bool) {
	if !sample.OK {
		return fmt.Sprintf("%s: %s", label, NotAvailable), false
	}
	return fmt.Sprintf("%s: %.2f", label, sample.Value), true
}

// OverviewHandler is the default report: identity facts plus the core
// host metrics. It never returns an error.
type OverviewHandler struct{}

// Name reports the routing name.
// Params: none.
// Returns: handler name.
func (OverviewHandler) Name() string { return HandlerOverview }

// Run builds the generic host overview.
// Params: context, alert, metrics reader, rule params (unused).
// Returns: report; absent metrics are listed as not available.
func (OverviewHandler) Run(ctx context.Context, alert domain.Alert, metrics Metrics, _ map[string]string) (domain.Report, error) {
	instance := alert.Instance()
	report := domain.Report{Title: alert.Name}

	report.Lines = append(report.Lines, fmt.Sprintf("severity: %s", alert.Severity))
	report.Lines = append(report.Lines, fmt.Sprintf("instance: %s", instance))
	if summary := alert.Summary(); summary != "" {
		report.Lines = append(report.Lines, summary)
	}

	for _, read := range []struct {
		label string
		query string
		pct   bool
	}{
		{"cpu", metricsrc.QueryCPUUsage, true},
		{"memory", metricsrc.QueryMemUsage, true},
		{"load1", metricsrc.QueryLoad1, false},
	} {
		sample := metrics.Value(ctx, metricsrc.Query{Name: read.query, Instance: instance})
		var line string
		var ok bool
		if read.pct {
			line, ok = percentLine(read.label, sample)
		} else {
			line, ok = numberLine(read.label, sample)
		}
		report.Lines = append(report.Lines, line)
		if !ok {
			report.Partial = true
		}
	}
	return report, nil
}

// SysloadHandler details CPU pressure on the alerting host.
type SysloadHandler struct{}

func (SysloadHandler) Name() string { return HandlerSysload }

// Run reads CPU, memory and load and flags saturation.
// Params: context, alert, metrics reader, rule params (unused).
// Returns: report or error when every read failed.
func (SysloadHandler) Run(ctx context.Context, alert domain.Alert, metrics Metrics, _ map[string]string) (domain.Report, error) {
	instance := alert.Instance()
	report := domain.Report{Title: fmt.Sprintf("%s: system load", alert.Name)}

	cpu := metrics.Value(ctx, metricsrc.Query{Name: metricsrc.QueryCPUUsage, Instance: instance})
	mem := metrics.Value(ctx, metricsrc.Query{Name: metricsrc.QueryMemUsage, Instance: instance})
	load := metrics.Value(ctx, metricsrc.Query{Name: metricsrc.QueryLoad1, Instance: instance})
	if !cpu.OK && !mem.OK && !load.OK {
		return domain.Report{}, fmt.Errorf("no load metrics for %s", instance)
	}

	line, ok := percentLine("cpu usage", cpu)
	report.Lines = append(report.Lines, line)
	report.Partial = report.Partial || !ok
	line, ok = percentLine("memory usage", mem)
	report.Lines = append(report.Lines, line)
	report.Partial = report.Partial || !ok
	line, ok = numberLine("load1", load)
	report.Lines = append(report.Lines, line)
	report.Partial = report.Partial || !ok

	if cpu.OK && cpu.Value >= 90 {
		report.Lines = append(report.Lines, "cpu is saturated, check top consumers")
	}
	if mem.OK && mem.Value >= 90 {
		report.Lines = append(report.Lines, "memory is nearly exhausted, check for leaks or oversized caches")
	}
	return report, nil
}

// DiskspaceHandler reports filesystem usage for the rule's mountpoint.
type DiskspaceHandler struct{}

func (DiskspaceHandler) Name() string { return HandlerDiskspace }

// Run reads disk usage for the configured mount.
// Params: context, alert, metrics reader, rule params ("mount", default /).
// Returns: report or error when the filesystem metric is unavailable.
func (DiskspaceHandler) Run(ctx context.Context, alert domain.Alert, metrics Metrics, params map[string]string) (domain.Report, error) {
	instance := alert.Instance()
	mount := params["mount"]
	if mount == "" {
		if v, ok := alert.Labels["mountpoint"]; ok {
			mount = v
		} else {
			mount = "/"
		}
	}

	usage := metrics.Value(ctx, metricsrc.Query{Name: metricsrc.QueryDiskUsage, Instance: instance, Mount: mount})
	if !usage.OK {
		return domain.Report{}, fmt.Errorf("no filesystem metric for %s on %s", mount, instance)
	}

	report := domain.Report{Title: fmt.Sprintf("%s: disk space", alert.Name)}
	report.Lines = append(report.Lines, fmt.Sprintf("mount %s used: %.1f%%", mount, usage.Value))
	switch {
	case usage.Value >= 95:
		report.Lines = append(report.Lines, "critically low, free space now or extend the volume")
	case usage.Value >= 85:
		report.Lines = append(report.Lines, "trending full, schedule a cleanup")
	}
	return report, nil
}

// DBLoadHandler reports database pressure for database-tier alerts.
type DBLoadHandler struct{}

func (DBLoadHandler) Name() string { return HandlerDBLoad }

// Run reads slow-query rate and host load.
// Params: context, alert, metrics reader, rule params (unused).
// Returns: report with absent markers; error only when nothing was readable.
func (DBLoadHandler) Run(ctx context.Context, alert domain.Alert, metrics Metrics, _ map[string]string) (domain.Report, error) {
	instance := alert.Instance()
	report := domain.Report{Title: fmt.Sprintf("%s: database load", alert.Name)}

	slow := metrics.Value(ctx, metricsrc.Query{Name: metricsrc.QueryDBSlowOps, Instance: instance})
	load := metrics.Value(ctx, metricsrc.Query{Name: metricsrc.QueryLoad1, Instance: instance})
	if !slow.OK && !load.OK {
		return domain.Report{}, fmt.Errorf("no database metrics for %s", instance)
	}

	if slow.OK {
		report.Lines = append(report.Lines, fmt.Sprintf("slow queries: %.2f/s", slow.Value))
		if slow.Value > 1 {
			report.Lines = append(report.Lines, "elevated slow-query rate, inspect the slow log")
		}
	} else {
		report.Lines = append(report.Lines, "slow queries: "+NotAvailable)
		report.Partial = true
	}

	line, ok := numberLine("load1", load)
	report.Lines = append(report.Lines, line)
	report.Partial = report.Partial || !ok
	return report, nil
}

// DefaultHandlers lists the built-in handler set.
// Params: none.
// Returns: handlers for registry construction.
func DefaultHandlers() []Handler {
	return []Handler{OverviewHandler{}, SysloadHandler{}, DiskspaceHandler{}, DBLoadHandler{}}
}

// describeParams renders rule params for logging.
// Params: rule params.
// Returns: stable comma-joined key=value text.
func describeParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	parts := make([]string, 0, len(params))
	for k, v := range params {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
