package diag

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/metricsrc"
	"alertflow/internal/route"
)

type fakeMetrics struct {
	values map[string]float64
}

func (f fakeMetrics) Value(_ context.Context, query metricsrc.Query) metricsrc.Sample {
	key := query.Name
	if query.Mount != "" {
		key = query.Name + "|" + query.Mount
	}
	if v, ok := f.values[key]; ok {
		return metricsrc.Of(v)
	}
	return metricsrc.Absent()
}

func testAlert() domain.Alert {
	return domain.Alert{
		Fingerprint: "abc123",
		Name:        "HighCPU",
		Status:      domain.StatusFiring,
		Severity:    "critical",
		Labels:      map[string]string{"instance": "web-1:9100"},
		Annotations: map[string]string{"summary": "CPU above 95% for 10m"},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOverviewMarksAbsentMetrics(t *testing.T) {
	t.Parallel()

	metrics := fakeMetrics{values: map[string]float64{metricsrc.QueryCPUUsage: 97.3}}
	report, err := OverviewHandler{}.Run(context.Background(), testAlert(), metrics, nil)
	if err != nil {
		t.Fatalf("overview must not fail: %v", err)
	}
	joined := strings.Join(report.Lines, "\n")
	if !strings.Contains(joined, "cpu: 97.3%") {
		t.Fatalf("expected the cpu reading, got:\n%s", joined)
	}
	if !strings.Contains(joined, "memory: "+NotAvailable) || !strings.Contains(joined, "load1: "+NotAvailable) {
		t.Fatalf("absent metrics must be marked %s, got:\n%s", NotAvailable, joined)
	}
	if strings.Contains(joined, "memory: 0") {
		t.Fatalf("absent metric rendered as zero:\n%s", joined)
	}
	if !report.Partial {
		t.Fatal("report with absent metrics must be partial")
	}
}

func TestSysloadFailsWithoutAnyMetric(t *testing.T) {
	t.Parallel()

	if _, err := (SysloadHandler{}).Run(context.Background(), testAlert(), fakeMetrics{}, nil); err == nil {
		t.Fatal("expected an error when no load metric is readable")
	}
}

func TestDiskspaceUsesMountParam(t *testing.T) {
	t.Parallel()

	metrics := fakeMetrics{values: map[string]float64{metricsrc.QueryDiskUsage + "|/data": 96.5}}
	report, err := DiskspaceHandler{}.Run(context.Background(), testAlert(), metrics, map[string]string{"mount": "/data"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	joined := strings.Join(report.Lines, "\n")
	if !strings.Contains(joined, "mount /data used: 96.5%") {
		t.Fatalf("expected the /data reading, got:\n%s", joined)
	}
	if !strings.Contains(joined, "critically low") {
		t.Fatalf("expected the critical hint above 95%%, got:\n%s", joined)
	}
}

func TestDBLoadPartialWithoutSlowQueries(t *testing.T) {
	t.Parallel()

	metrics := fakeMetrics{values: map[string]float64{metricsrc.QueryLoad1: 2.1}}
	report, err := DBLoadHandler{}.Run(context.Background(), testAlert(), metrics, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Partial {
		t.Fatal("missing slow-query metric must mark the report partial")
	}
	if !strings.Contains(strings.Join(report.Lines, "\n"), "slow queries: "+NotAvailable) {
		t.Fatal("missing slow-query metric must be marked not available")
	}
}

type failingHandler struct{ name string }

func (h failingHandler) Name() string { return h.name }
func (h failingHandler) Run(context.Context, domain.Alert, Metrics, map[string]string) (domain.Report, error) {
	return domain.Report{}, errors.New("boom")
}

type slowHandler struct{ name string }

func (h slowHandler) Name() string { return h.name }
func (h slowHandler) Run(ctx context.Context, _ domain.Alert, _ Metrics, _ map[string]string) (domain.Report, error) {
	select {
	case <-ctx.Done():
		return domain.Report{}, ctx.Err()
	case <-time.After(time.Minute):
		return domain.Report{Title: "too late"}, nil
	}
}

func newTestRunner(t *testing.T, handlers ...Handler) *Runner {
	t.Helper()
	all := append(DefaultHandlers(), handlers...)
	runner, err := NewRunner(NewRegistry(all...), HandlerOverview, nil, 50*time.Millisecond, domain.DefaultReportLineBudget, discardLogger())
	if err != nil {
		t.Fatalf("build runner: %v", err)
	}
	return runner
}

func TestRunnerFallsBackOnHandlerError(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(t, failingHandler{name: "broken"})
	metrics := fakeMetrics{values: map[string]float64{metricsrc.QueryCPUUsage: 50}}

	report, fellBack := runner.Run(context.Background(), testAlert(), metrics, route.Decision{Rule: "r", Handler: "broken"})
	if !fellBack {
		t.Fatal("expected the default-handler fallback")
	}
	if !report.Partial {
		t.Fatal("fallback report must be partial")
	}
	if report.Title != "HighCPU" {
		t.Fatalf("expected the overview report, got title %q", report.Title)
	}
}

func TestRunnerFallsBackOnTimeout(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(t, slowHandler{name: "stuck"})
	report, fellBack := runner.Run(context.Background(), testAlert(), fakeMetrics{}, route.Decision{Handler: "stuck"})
	if !fellBack {
		t.Fatal("expected the fallback for a handler exceeding its timeout")
	}
	if report.Title != "HighCPU" {
		t.Fatalf("expected the overview report, got title %q", report.Title)
	}
}

func TestRunnerMergesSecondaryHandler(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(t)
	metrics := fakeMetrics{values: map[string]float64{
		metricsrc.QueryCPUUsage:         95,
		metricsrc.QueryMemUsage:         40,
		metricsrc.QueryLoad1:            8.5,
		metricsrc.QueryDiskUsage + "|/": 88,
	}}

	report, fellBack := runner.Run(context.Background(), testAlert(), metrics, route.Decision{
		Handler: HandlerSysload,
		Also:    HandlerDiskspace,
	})
	if fellBack {
		t.Fatal("unexpected fallback")
	}
	joined := strings.Join(report.Lines, "\n")
	if !strings.Contains(joined, "cpu usage: 95.0%") {
		t.Fatalf("expected the primary handler lines, got:\n%s", joined)
	}
	if !strings.Contains(joined, "mount / used: 88.0%") {
		t.Fatalf("expected the merged secondary lines, got:\n%s", joined)
	}
	if len(report.Lines) > domain.DefaultReportLineBudget {
		t.Fatalf("merged report exceeds the line budget: %d lines", len(report.Lines))
	}
}

func TestRunnerSecondaryFailureKeepsPrimary(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(t, failingHandler{name: "broken"})
	metrics := fakeMetrics{values: map[string]float64{
		metricsrc.QueryCPUUsage: 95,
		metricsrc.QueryMemUsage: 40,
		metricsrc.QueryLoad1:    8.5,
	}}

	report, fellBack := runner.Run(context.Background(), testAlert(), metrics, route.Decision{
		Handler: HandlerSysload,
		Also:    "broken",
	})
	if fellBack {
		t.Fatal("a secondary failure must not trigger the default fallback")
	}
	if !report.Partial {
		t.Fatal("a secondary failure must mark the report partial")
	}
	if !strings.Contains(strings.Join(report.Lines, "\n"), "cpu usage: 95.0%") {
		t.Fatal("primary handler lines must survive a secondary failure")
	}
}
