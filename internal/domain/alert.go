package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Status is alert lifecycle state carried through the pipeline.
// Params: firing/resolved state constants.
// Returns: state driving throttle, tracker, and delivery behavior.
type Status string

const (
	// StatusFiring indicates active incident condition.
	StatusFiring Status = "firing"
	// StatusResolved indicates incident condition was cleared.
	StatusResolved Status = "resolved"
)

// groupingLabels are label keys folded into the fingerprint together with
// name and instance, so one incident keeps one identity across transitions.
var groupingLabels = []string{"job", "service"}

// Alert is the normalized internal representation of one incoming alert.
// Params: stable identity, lifecycle state, labels, and free-form annotations.
// Returns: pipeline unit consumed by routing, enrichment, and delivery.
type Alert struct {
	Fingerprint string            `json:"fingerprint"`
	Name        string            `json:"name"`
	Status      Status            `json:"status"`
	Severity    string            `json:"severity"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
	Source      string            `json:"source,omitempty"`
}

// Instance returns the alert instance label or host fallback.
// Params: none.
// Returns: instance identity string, possibly with port suffix.
func (a Alert) Instance() string {
	if value := strings.TrimSpace(a.Labels["instance"]); value != "" {
		return value
	}
	return strings.TrimSpace(a.Labels["host"])
}

// Hostname returns the instance with a trailing :port stripped.
// Params: none.
// Returns: bare host part used in metric queries.
func (a Alert) Hostname() string {
	instance := a.Instance()
	if idx := strings.LastIndex(instance, ":"); idx > 0 {
		return instance[:idx]
	}
	return instance
}

// Summary returns the alert annotation summary or description.
// Params: none.
// Returns: first non-empty human text or empty string.
func (a Alert) Summary() string {
	if value := strings.TrimSpace(a.Annotations["summary"]); value != "" {
		return value
	}
	return strings.TrimSpace(a.Annotations["description"])
}

// BuildFingerprint derives stable incident identity from alert attributes.
// Params: alert name, instance, and label set with grouping keys.
// Returns: hex fingerprint identical for firing and resolved events.
func BuildFingerprint(name, instance string, labels map[string]string) string {
	parts := make([]string, 0, 2+len(groupingLabels))
	parts = append(parts, strings.TrimSpace(name), strings.TrimSpace(instance))
	keys := append([]string(nil), groupingLabels...)
	sort.Strings(keys)
	for _, key := range keys {
		parts = append(parts, labels[key])
	}
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16]
}
