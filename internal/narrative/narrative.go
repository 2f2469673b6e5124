// Package narrative adds a short model-written assessment to a
// diagnostic report. It is strictly optional: any failure or timeout
// leaves the report as-is.
package narrative

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"alertflow/internal/domain"
)

// Generator produces a short advisory paragraph for a report.
type Generator struct {
	client    *genai.Client
	model     string
	timeout   time.Duration
	maxTokens int32
}

// New connects the narrative model client.
// Params: context, API key, model name, per-call timeout, output cap.
// Returns: generator or client construction error.
func New(ctx context.Context, apiKey, model string, timeout time.Duration, maxTokens int) (*Generator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("narrative client: %w", err)
	}
	return &Generator{client: client, model: model, timeout: timeout, maxTokens: int32(maxTokens)}, nil
}

// Advise writes a short operator-facing assessment for one alert.
// Params: context, alert, report the assessment is based on.
// Returns: trimmed advisory text or error; callers treat errors as
// a partial report, never as a delivery failure.
func (g *Generator) Advise(ctx context.Context, alert domain.Alert, report domain.Report) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt := BuildPrompt(alert, report)
	res, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0.2),
		MaxOutputTokens: g.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("generate narrative: %w", err)
	}
	text := strings.TrimSpace(res.Text())
	if text == "" {
		return "", fmt.Errorf("narrative model returned no text")
	}
	return text, nil
}

// BuildPrompt renders the model prompt from the alert and report.
// Params: alert and its diagnostic report.
// Returns: prompt text asking for two or three short sentences.
func BuildPrompt(alert domain.Alert, report domain.Report) string {
	var b strings.Builder
	b.WriteString("You are an experienced SRE on call. An alert fired and the facts below were collected.\n")
	b.WriteString("In two or three short sentences, say what is most likely going on and the first thing to check.\n")
	b.WriteString("Do not repeat the raw numbers back. Do not speculate beyond the facts.\n\n")
	fmt.Fprintf(&b, "alert: %s\n", alert.Name)
	fmt.Fprintf(&b, "severity: %s\n", alert.Severity)
	fmt.Fprintf(&b, "instance: %s\n", alert.Instance())
	if summary := alert.Summary(); summary != "" {
		fmt.Fprintf(&b, "summary: %s\n", summary)
	}
	b.WriteString("facts:\n")
	for _, line := range report.Lines {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if report.Partial {
		b.WriteString("note: some metrics were unavailable when this was collected.\n")
	}
	return b.String()
}
