// Package metricsrc reads live operational metrics for diagnostic reports.
// A primary metrics backend is tried first; on error or empty result the
// same semantic query is answered by a secondary agent-exposed source.
// Absence is explicit: a missing value is never rendered as zero.
package metricsrc

import (
	"context"
	"log/slog"
	"time"
)

// Semantic query names shared by both sources.
const (
	QueryCPUUsage  = "cpu_usage_percent"
	QueryMemUsage  = "mem_usage_percent"
	QueryLoad1     = "load1"
	QueryDiskUsage = "disk_usage_percent"
	QueryDBSlowOps = "db_slow_ops"
)

// Query is one semantic metric request.
// Params: semantic name, target instance, and query-specific fields.
// Returns: source-independent metric selector.
type Query struct {
	Name     string
	Instance string
	Mount    string
	Lookback time.Duration
}

// Sample is one metric read result with explicit absence.
// Params: presence flag and value.
// Returns: value that rendering can distinguish from a real zero.
type Sample struct {
	OK    bool
	Value float64
}

// Absent returns the explicit not-available sample.
// Params: none.
// Returns: sample with OK=false.
func Absent() Sample {
	return Sample{}
}

// Of wraps one present value.
// Params: metric value.
// Returns: sample with OK=true.
func Of(value float64) Sample {
	return Sample{OK: true, Value: value}
}

// Source answers one semantic query from one backend.
// Params: context with per-call deadline and query selector.
// Returns: sample (absent allowed) or backend error.
type Source interface {
	Value(ctx context.Context, query Query) (Sample, error)
}

// Adapter tries the primary source and falls back to the secondary.
// Params: optional primary/secondary sources and logger.
// Returns: samples with absence instead of errors.
type Adapter struct {
	primary   Source
	secondary Source
	logger    *slog.Logger
}

// NewAdapter builds the two-source adapter.
// Params: primary and secondary sources (either may be nil) and logger.
// Returns: configured adapter.
func NewAdapter(primary, secondary Source, logger *slog.Logger) *Adapter {
	return &Adapter{primary: primary, secondary: secondary, logger: logger}
}

// Value answers one semantic query with fallback.
// Params: context and query selector.
// Returns: sample; absent when both sources fail or return nothing.
func (a *Adapter) Value(ctx context.Context, query Query) Sample {
	if a.primary != nil {
		sample, err := a.primary.Value(ctx, query)
		if err == nil && sample.OK {
			return sample
		}
		if err != nil && a.logger != nil {
			a.logger.Debug("primary metrics source failed", "query", query.Name, "instance", query.Instance, "error", err.Error())
		}
	}

	if a.secondary != nil {
		sample, err := a.secondary.Value(ctx, query)
		if err == nil && sample.OK {
			return sample
		}
		if err != nil && a.logger != nil {
			a.logger.Debug("secondary metrics source failed", "query", query.Name, "instance", query.Instance, "error", err.Error())
		}
	}
	return Absent()
}
