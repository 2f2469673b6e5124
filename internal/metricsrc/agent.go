package metricsrc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// AgentSource scrapes a host-local agent's exposition endpoint and
// answers semantic queries from the parsed families. Slow-query rates
// are not exposed by the agent and always come back absent.
// Params: scrape scheme/port and per-call timeout.
// Returns: secondary metrics source.
type AgentSource struct {
	client *http.Client
	scheme string
	port   int
}

// NewAgentSource builds the agent scrape source.
// Params: scheme (http/https), agent port, per-call timeout.
// Returns: configured source.
func NewAgentSource(scheme string, port int, timeout time.Duration) *AgentSource {
	if scheme == "" {
		scheme = "http"
	}
	return &AgentSource{
		client: &http.Client{Timeout: timeout},
		scheme: scheme,
		port:   port,
	}
}

// Value scrapes the instance's agent once and derives the metric.
// Params: context and semantic query selector.
// Returns: sample, absent when the family is missing, error on scrape failure.
func (s *AgentSource) Value(ctx context.Context, query Query) (Sample, error) {
	if query.Name == QueryDBSlowOps {
		return Absent(), nil
	}

	host := query.Instance
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	url := fmt.Sprintf("%s://%s/metrics", s.scheme, net.JoinHostPort(host, fmt.Sprintf("%d", s.port)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Absent(), fmt.Errorf("agent request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Absent(), fmt.Errorf("agent scrape %s: %w", host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Absent(), fmt.Errorf("agent scrape %s: status %d", host, resp.StatusCode)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return Absent(), fmt.Errorf("agent parse %s: %w", host, err)
	}
	return s.derive(query, families)
}

// derive maps one semantic query onto the agent's metric names.
// Params: query selector and parsed families.
// Returns: sample or absent when the agent lacks the family.
func (s *AgentSource) derive(query Query, families map[string]*dto.MetricFamily) (Sample, error) {
	switch query.Name {
	case QueryCPUUsage:
		idle, ok := familyValue(families, "cpu_usage_idle", map[string]string{"cpu": "cpu-total"})
		if !ok {
			return Absent(), nil
		}
		return Of(100 - idle), nil
	case QueryMemUsage:
		total, okTotal := familyValue(families, "mem_total", nil)
		avail, okAvail := familyValue(families, "mem_available", nil)
		if !okTotal || !okAvail || total <= 0 {
			return Absent(), nil
		}
		return Of(100 * (1 - avail/total)), nil
	case QueryLoad1:
		load, ok := familyValue(families, "system_load1", nil)
		if !ok {
			return Absent(), nil
		}
		return Of(load), nil
	case QueryDiskUsage:
		mount := query.Mount
		if mount == "" {
			mount = "/"
		}
		used, ok := familyValue(families, "disk_used_percent", map[string]string{"path": mount})
		if !ok {
			return Absent(), nil
		}
		return Of(used), nil
	default:
		return Absent(), fmt.Errorf("unknown metric query %q", query.Name)
	}
}

// familyValue extracts the first sample matching every wanted label.
// Params: parsed families, family name, required label values.
// Returns: value and presence flag.
func familyValue(families map[string]*dto.MetricFamily, name string, labels map[string]string) (float64, bool) {
	family, ok := families[name]
	if !ok {
		return 0, false
	}
	for _, metric := range family.GetMetric() {
		if !labelsMatch(metric, labels) {
			continue
		}
		switch {
		case metric.GetGauge() != nil:
			return metric.GetGauge().GetValue(), true
		case metric.GetCounter() != nil:
			return metric.GetCounter().GetValue(), true
		case metric.GetUntyped() != nil:
			return metric.GetUntyped().GetValue(), true
		}
	}
	return 0, false
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	for name, want := range labels {
		found := false
		for _, pair := range metric.GetLabel() {
			if pair.GetName() == name && pair.GetValue() == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
