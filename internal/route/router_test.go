package route

import (
	"testing"

	"alertflow/internal/config"
	"alertflow/internal/domain"
)

var knownHandlers = map[string]struct{}{
	"overview":  {},
	"diskspace": {},
	"sysload":   {},
}

func testAlert(labels map[string]string) domain.Alert {
	return domain.Alert{Name: labels["alertname"], Labels: labels}
}

func TestRouteFirstMatchWins(t *testing.T) {
	t.Parallel()

	router, err := New(config.RoutingConfig{
		DefaultHandler: "overview",
		Rule: []config.RouteRule{
			{Name: "disk-critical", Match: map[string]string{"alertname": "DiskSpaceHigh", "severity": "critical"}, Handler: "diskspace", Also: "sysload"},
			{Name: "disk-any", Match: map[string]string{"alertname": "DiskSpaceHigh"}, Handler: "sysload"},
		},
	}, knownHandlers)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	decision := router.Route(testAlert(map[string]string{"alertname": "DiskSpaceHigh", "severity": "critical"}))
	if decision.Handler != "diskspace" || decision.Also != "sysload" || decision.Rule != "disk-critical" {
		t.Fatalf("unexpected decision %+v", decision)
	}

	decision = router.Route(testAlert(map[string]string{"alertname": "DiskSpaceHigh", "severity": "warning"}))
	if decision.Handler != "sysload" || decision.Rule != "disk-any" {
		t.Fatalf("expected second rule, got %+v", decision)
	}
}

func TestRouteRequiresFullMatch(t *testing.T) {
	t.Parallel()

	router, err := New(config.RoutingConfig{
		DefaultHandler: "overview",
		DefaultParams:  map[string]string{"lookback": "15m"},
		Rule: []config.RouteRule{
			{Name: "db", Match: map[string]string{"alertname": "DBLoad", "job": "postgres"}, Handler: "diskspace"},
		},
	}, knownHandlers)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	decision := router.Route(testAlert(map[string]string{"alertname": "DBLoad"}))
	if decision.Handler != "overview" {
		t.Fatalf("partial match must fall back to default, got %+v", decision)
	}
	if decision.Params["lookback"] != "15m" {
		t.Fatalf("default params missing: %+v", decision)
	}
}

func TestRouteIsDeterministic(t *testing.T) {
	t.Parallel()

	router, err := New(config.RoutingConfig{
		DefaultHandler: "overview",
		Rule: []config.RouteRule{
			{Name: "cpu", Match: map[string]string{"alertname": "HighCPU"}, Handler: "sysload"},
		},
	}, knownHandlers)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	alert := testAlert(map[string]string{"alertname": "HighCPU", "instance": "web01"})
	first := router.Route(alert)
	for i := 0; i < 10; i++ {
		if got := router.Route(alert); got.Handler != first.Handler || got.Rule != first.Rule {
			t.Fatalf("routing not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestNewRejectsUnknownHandlers(t *testing.T) {
	t.Parallel()

	_, err := New(config.RoutingConfig{
		DefaultHandler: "overview",
		Rule: []config.RouteRule{
			{Name: "x", Match: map[string]string{"alertname": "X"}, Handler: "missing"},
		},
	}, knownHandlers)
	if err == nil {
		t.Fatalf("expected unknown handler error")
	}

	_, err = New(config.RoutingConfig{DefaultHandler: "missing"}, knownHandlers)
	if err == nil {
		t.Fatalf("expected unknown default handler error")
	}
}
