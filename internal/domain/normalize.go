package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedInput marks intake payloads rejected without retry.
var ErrMalformedInput = errors.New("malformed input")

// rawGroupedAlert mirrors one alert entry of the grouped webhook shape.
// Params: upstream status/labels/annotations and event timestamps.
// Returns: wire model before normalization.
type rawGroupedAlert struct {
	Status      string            `json:"status"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      time.Time         `json:"endsAt"`
}

// rawGroupedBatch mirrors the grouped webhook envelope `{alerts:[...]}`.
// Params: receiver metadata and alert list.
// Returns: wire model for batch probing.
type rawGroupedBatch struct {
	Receiver string            `json:"receiver"`
	Alerts   []rawGroupedAlert `json:"alerts"`
}

// rawEvent mirrors the single free-form event shape used by the
// monitoring bridge (flat alertname/instance fields at top level).
// Params: flat event fields.
// Returns: wire model for single-event probing.
type rawEvent struct {
	AlertName string `json:"alertname"`
	Instance  string `json:"instance"`
	Host      string `json:"host"`
	Severity  string `json:"severity"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Source    string `json:"source"`
	StartsAt  string `json:"startsAt"`
}

// DecodeBatch normalizes one intake payload into internal alerts.
// Params: raw JSON body in grouped-webhook or single free-form event shape.
// Returns: normalized alert list or a diagnostic decode/validation error.
func DecodeBatch(raw []byte, now time.Time) ([]Alert, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrMalformedInput, err)
	}

	if _, ok := probe["alerts"]; ok {
		return decodeGrouped(raw, now)
	}
	if _, ok := probe["alertname"]; ok {
		return decodeEvent(raw, now)
	}
	return nil, fmt.Errorf("%w: unsupported payload shape (expected grouped webhook with \"alerts\" or flat event with \"alertname\")", ErrMalformedInput)
}

// decodeGrouped normalizes a grouped webhook batch.
// Params: raw body and receipt time for missing timestamps.
// Returns: normalized alerts or first per-alert validation error.
func decodeGrouped(raw []byte, now time.Time) ([]Alert, error) {
	var batch rawGroupedBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("%w: decode grouped batch: %v", ErrMalformedInput, err)
	}
	if len(batch.Alerts) == 0 {
		return nil, fmt.Errorf("%w: grouped batch contains no alerts", ErrMalformedInput)
	}

	alerts := make([]Alert, 0, len(batch.Alerts))
	for i, entry := range batch.Alerts {
		alert, err := normalizeGrouped(entry, now)
		if err != nil {
			return nil, fmt.Errorf("alert[%d]: %w", i, err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// normalizeGrouped converts one grouped webhook alert into internal form.
// Params: wire entry and receipt time.
// Returns: normalized alert or validation error.
func normalizeGrouped(entry rawGroupedAlert, now time.Time) (Alert, error) {
	name := strings.TrimSpace(entry.Labels["alertname"])
	if name == "" {
		return Alert{}, fmt.Errorf("%w: labels.alertname is required", ErrMalformedInput)
	}
	status, err := normalizeStatus(entry.Status)
	if err != nil {
		return Alert{}, err
	}

	labels := cloneLabels(entry.Labels)
	alert := Alert{
		Fingerprint: BuildFingerprint(name, labels["instance"], labels),
		Name:        name,
		Status:      status,
		Severity:    strings.TrimSpace(labels["severity"]),
		Labels:      labels,
		Annotations: entry.Annotations,
		StartedAt:   entry.StartsAt,
		Source:      "webhook",
	}
	if alert.StartedAt.IsZero() {
		alert.StartedAt = now
	}
	if status == StatusResolved && !entry.EndsAt.IsZero() {
		ended := entry.EndsAt
		alert.EndedAt = &ended
	}
	return alert, nil
}

// decodeEvent normalizes one flat free-form event.
// Params: raw body and receipt time.
// Returns: single-alert slice or validation error.
func decodeEvent(raw []byte, now time.Time) ([]Alert, error) {
	var event rawEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("%w: decode event: %v", ErrMalformedInput, err)
	}

	name := strings.TrimSpace(event.AlertName)
	if name == "" {
		return nil, fmt.Errorf("%w: alertname is required", ErrMalformedInput)
	}
	status, err := normalizeStatus(event.Status)
	if err != nil {
		return nil, err
	}

	instance := strings.TrimSpace(event.Instance)
	if instance == "" {
		instance = strings.TrimSpace(event.Host)
	}
	labels := map[string]string{"alertname": name}
	if instance != "" {
		labels["instance"] = instance
	}
	if severity := strings.TrimSpace(event.Severity); severity != "" {
		labels["severity"] = severity
	}

	alert := Alert{
		Fingerprint: BuildFingerprint(name, instance, labels),
		Name:        name,
		Status:      status,
		Severity:    strings.TrimSpace(event.Severity),
		Labels:      labels,
		StartedAt:   now,
		Source:      "event",
	}
	if event.Source != "" {
		alert.Source = strings.TrimSpace(event.Source)
	}
	if message := strings.TrimSpace(event.Message); message != "" {
		alert.Annotations = map[string]string{"summary": message}
	}
	if startsAt := strings.TrimSpace(event.StartsAt); startsAt != "" {
		if parsed, parseErr := time.Parse(time.RFC3339, startsAt); parseErr == nil {
			alert.StartedAt = parsed
		}
	}
	return []Alert{alert}, nil
}

// normalizeStatus maps upstream status spellings to internal states.
// Params: raw status token (firing/resolved plus problem/ok aliases).
// Returns: normalized status or validation error.
func normalizeStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", fmt.Errorf("%w: status is required", ErrMalformedInput)
	case "firing", "problem":
		return StatusFiring, nil
	case "resolved", "ok":
		return StatusResolved, nil
	default:
		return "", fmt.Errorf("%w: unsupported status %q", ErrMalformedInput, raw)
	}
}

// cloneLabels copies one label map so normalization never aliases wire data.
// Params: source label map.
// Returns: non-nil copy.
func cloneLabels(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for key, value := range src {
		out[key] = value
	}
	return out
}
