package domain

import (
	"strings"
	"testing"
	"time"
)

func TestBuildFingerprintStableAcrossTransition(t *testing.T) {
	t.Parallel()

	labels := map[string]string{"job": "node", "service": "db"}
	firing := BuildFingerprint("DiskSpaceHigh", "db01:9100", labels)
	resolved := BuildFingerprint("DiskSpaceHigh", "db01:9100", labels)
	if firing != resolved {
		t.Fatalf("fingerprint changed across transition: %q vs %q", firing, resolved)
	}
	if len(firing) != 16 {
		t.Fatalf("unexpected fingerprint length %d", len(firing))
	}
}

func TestBuildFingerprintDistinguishesInstance(t *testing.T) {
	t.Parallel()

	labels := map[string]string{"job": "node"}
	if BuildFingerprint("DiskSpaceHigh", "db01", labels) == BuildFingerprint("DiskSpaceHigh", "db02", labels) {
		t.Fatalf("expected different fingerprints for different instances")
	}
}

func TestAlertHostnameStripsPort(t *testing.T) {
	t.Parallel()

	alert := Alert{Labels: map[string]string{"instance": "db01:9100"}}
	if alert.Hostname() != "db01" {
		t.Fatalf("hostname = %q", alert.Hostname())
	}
	alert = Alert{Labels: map[string]string{"host": "db02"}}
	if alert.Hostname() != "db02" {
		t.Fatalf("host fallback = %q", alert.Hostname())
	}
}

func TestDecodeBatchGrouped(t *testing.T) {
	t.Parallel()

	body := `{"receiver":"ops","alerts":[
		{"status":"firing","labels":{"alertname":"DiskSpaceHigh","instance":"db01:9100","severity":"critical"},
		 "annotations":{"summary":"disk almost full"},"startsAt":"2026-08-01T10:00:00Z"},
		{"status":"resolved","labels":{"alertname":"HighCPU","instance":"web01"},"endsAt":"2026-08-01T11:00:00Z"}
	]}`
	alerts, err := DecodeBatch([]byte(body), time.Now())
	if err != nil {
		t.Fatalf("decode grouped: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if alerts[0].Status != StatusFiring || alerts[0].Name != "DiskSpaceHigh" || alerts[0].Severity != "critical" {
		t.Fatalf("unexpected first alert %+v", alerts[0])
	}
	if alerts[0].Summary() != "disk almost full" {
		t.Fatalf("summary = %q", alerts[0].Summary())
	}
	if alerts[1].Status != StatusResolved || alerts[1].EndedAt == nil {
		t.Fatalf("unexpected resolved alert %+v", alerts[1])
	}
}

func TestDecodeBatchFlatEventWithStatusAlias(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	body := `{"alertname":"DiskSpaceHigh","host":"db01","severity":"warning","status":"PROBLEM","message":"93% used"}`
	alerts, err := DecodeBatch([]byte(body), now)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	alert := alerts[0]
	if alert.Status != StatusFiring {
		t.Fatalf("status = %q", alert.Status)
	}
	if alert.Instance() != "db01" {
		t.Fatalf("instance = %q", alert.Instance())
	}
	if !alert.StartedAt.Equal(now) {
		t.Fatalf("startedAt = %v", alert.StartedAt)
	}
}

func TestDecodeBatchRejectsMissingFields(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"missing name", `{"alerts":[{"status":"firing","labels":{"instance":"db01"}}]}`},
		{"missing status", `{"alertname":"DiskSpaceHigh","instance":"db01"}`},
		{"unknown status", `{"alertname":"DiskSpaceHigh","status":"unknown"}`},
		{"unsupported shape", `{"event":"something"}`},
		{"not json", `plaintext`},
	}
	for _, tc := range cases {
		if _, err := DecodeBatch([]byte(tc.body), time.Now()); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestDecodeBatchUnsupportedShapeNamesShape(t *testing.T) {
	t.Parallel()

	_, err := DecodeBatch([]byte(`{"foo":"bar"}`), time.Now())
	if err == nil || !strings.Contains(err.Error(), "unsupported payload shape") {
		t.Fatalf("expected shape diagnostic, got %v", err)
	}
}

func TestReportTruncate(t *testing.T) {
	t.Parallel()

	report := Report{Title: "t", Lines: []string{"a", "b", "c", "d"}}
	bounded := report.Truncate(3)
	if len(bounded.Lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(bounded.Lines))
	}
	if bounded.Lines[2] != TruncationMarker {
		t.Fatalf("expected truncation marker, got %q", bounded.Lines[2])
	}
	if short := report.Truncate(10); len(short.Lines) != 4 {
		t.Fatalf("short report must stay unchanged")
	}
}

func TestMergeReportsBudget(t *testing.T) {
	t.Parallel()

	primary := Report{Title: "primary", Lines: []string{"p1", "p2"}}
	extra := Report{Title: "extra", Lines: []string{"e1", "e2"}, Partial: true}
	merged := MergeReports(primary, extra, 4)
	if merged.Title != "primary" {
		t.Fatalf("title = %q", merged.Title)
	}
	if !merged.Partial {
		t.Fatalf("partial flag must propagate")
	}
	if len(merged.Lines) != 4 || merged.Lines[3] != TruncationMarker {
		t.Fatalf("unexpected merged lines %v", merged.Lines)
	}
}
