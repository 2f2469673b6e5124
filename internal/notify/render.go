package notify

import (
	"fmt"
	"strings"
	"time"

	"alertflow/internal/domain"
)

// Accent colors by alert state.
const (
	colorCritical = "#dc3545"
	colorWarning  = "#ffc107"
	colorResolved = "#36a64f"
	colorDefault  = "#17a2b8"
)

// partialNote is appended when a report was built with missing data.
const partialNote = "⚠️ some diagnostic data was unavailable"

// SeverityColor maps alert severity to a message accent color.
// Params: severity label.
// Returns: hex color string.
func SeverityColor(severity string) string {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "critical", "disaster", "high":
		return colorCritical
	case "warning", "average":
		return colorWarning
	default:
		return colorDefault
	}
}

// RenderFiring builds the notification for a firing alert.
// Params: alert, diagnostic report, and optional narrative text.
// Returns: rendered message; absent data stays marked, never zeroed.
func RenderFiring(alert domain.Alert, report domain.Report, narrative string) Message {
	var body strings.Builder
	for _, line := range report.Lines {
		body.WriteString(line)
		body.WriteByte('\n')
	}
	if narrative != "" {
		body.WriteByte('\n')
		body.WriteString(narrative)
		body.WriteByte('\n')
	}
	if report.Partial {
		body.WriteByte('\n')
		body.WriteString(partialNote)
		body.WriteByte('\n')
	}

	title := report.Title
	if title == "" {
		title = alert.Name
	}
	return Message{
		Title: "🔥 " + title,
		Body:  strings.TrimRight(body.String(), "\n"),
		Color: SeverityColor(alert.Severity),
	}
}

// RenderResolvedUpdate rewrites the original notification after resolve.
// Params: alert, original message body, and resolve time.
// Returns: message keeping the original facts with a resolution line.
func RenderResolvedUpdate(alert domain.Alert, originalTitle, originalBody string, at time.Time) Message {
	title := strings.TrimSpace(strings.TrimPrefix(originalTitle, "🔥"))
	if title == "" {
		title = alert.Name
	}
	body := strings.TrimRight(originalBody, "\n")
	if body != "" {
		body += "\n"
	}
	body += resolvedLine(at)
	return Message{
		Title: "✅ " + title,
		Body:  body,
		Color: colorResolved,
	}
}

// RenderResolvedReply builds the threaded follow-up for sinks that
// cannot edit delivered messages.
// Params: alert, thread root reference, and resolve time.
// Returns: short reply message bound to the original thread.
func RenderResolvedReply(alert domain.Alert, threadRef string, at time.Time) Message {
	return Message{
		Title:     "✅ " + alert.Name,
		Body:      resolvedLine(at),
		Color:     colorResolved,
		ThreadRef: threadRef,
	}
}

// RenderResolvedNotice builds a standalone resolution notice for
// incidents whose original message is no longer tracked.
// Params: alert and resolve time.
// Returns: self-contained resolved message.
func RenderResolvedNotice(alert domain.Alert, at time.Time) Message {
	body := fmt.Sprintf("instance: %s\n%s", alert.Instance(), resolvedLine(at))
	return Message{
		Title: "✅ " + alert.Name,
		Body:  body,
		Color: colorResolved,
	}
}

func resolvedLine(at time.Time) string {
	return "resolved at " + at.UTC().Format("2006-01-02 15:04:05 UTC")
}
