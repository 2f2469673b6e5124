package metricsrc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// PrometheusSource answers semantic queries with instant PromQL reads.
// Params: query API, per-call timeout, and default lookback window.
// Returns: primary metrics source.
type PrometheusSource struct {
	api      promv1.API
	timeout  time.Duration
	lookback time.Duration
}

type bearerRoundTripper struct {
	token string
	next  http.RoundTripper
}

// RoundTrip attaches the bearer token to every query request.
// Params: outgoing request.
// Returns: backend response or transport error.
func (rt *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.token != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+rt.token)
	}
	return rt.next.RoundTrip(req)
}

// NewPrometheusSource connects the primary metrics backend.
// Params: base URL, optional bearer token, per-call timeout, default lookback.
// Returns: source or client construction error.
func NewPrometheusSource(baseURL, bearerToken string, timeout, lookback time.Duration) (*PrometheusSource, error) {
	client, err := promapi.NewClient(promapi.Config{
		Address:      baseURL,
		RoundTripper: &bearerRoundTripper{token: bearerToken, next: promapi.DefaultRoundTripper},
	})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	return &PrometheusSource{api: promv1.NewAPI(client), timeout: timeout, lookback: lookback}, nil
}

// Value runs one instant query and extracts the first vector sample.
// Params: context and semantic query selector.
// Returns: sample, absent on empty result, error on backend failure.
func (s *PrometheusSource) Value(ctx context.Context, query Query) (Sample, error) {
	expr, err := s.expr(query)
	if err != nil {
		return Absent(), err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, _, err := s.api.Query(ctx, expr, time.Now())
	if err != nil {
		return Absent(), fmt.Errorf("query %s: %w", query.Name, err)
	}
	vector, ok := result.(model.Vector)
	if !ok || vector.Len() == 0 {
		return Absent(), nil
	}
	return Of(float64(vector[0].Value)), nil
}

// expr translates one semantic query into PromQL against node exporter
// metrics. The disk query excludes ephemeral filesystems.
// Params: semantic query selector.
// Returns: PromQL text or error for unknown names.
func (s *PrometheusSource) expr(query Query) (string, error) {
	lookback := query.Lookback
	if lookback <= 0 {
		lookback = s.lookback
	}
	window := model.Duration(lookback).String()

	switch query.Name {
	case QueryCPUUsage:
		return fmt.Sprintf(`100 * (1 - avg(rate(node_cpu_seconds_total{instance=%q,mode="idle"}[%s])))`, query.Instance, window), nil
	case QueryMemUsage:
		return fmt.Sprintf(`100 * (1 - node_memory_MemAvailable_bytes{instance=%q} / node_memory_MemTotal_bytes{instance=%q})`, query.Instance, query.Instance), nil
	case QueryLoad1:
		return fmt.Sprintf(`node_load1{instance=%q}`, query.Instance), nil
	case QueryDiskUsage:
		mount := query.Mount
		if mount == "" {
			mount = "/"
		}
		return fmt.Sprintf(`100 * (1 - node_filesystem_avail_bytes{instance=%q,mountpoint=%q,fstype!~"tmpfs|overlay"} / node_filesystem_size_bytes{instance=%q,mountpoint=%q,fstype!~"tmpfs|overlay"})`,
			query.Instance, mount, query.Instance, mount), nil
	case QueryDBSlowOps:
		return fmt.Sprintf(`sum(rate(mysql_global_status_slow_queries{instance=%q}[%s]))`, query.Instance, window), nil
	default:
		return "", fmt.Errorf("unknown metric query %q", query.Name)
	}
}
