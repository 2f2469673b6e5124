// Package notify delivers rendered reports to chat sinks and updates
// previously delivered messages when the incident resolves.
package notify

import (
	"context"
)

// Message is one rendered outbound notification.
// Params: title/body text, accent color, and optional thread root.
// Returns: sink-independent payload.
type Message struct {
	Title     string
	Body      string
	Color     string
	ThreadRef string
}

// Sink delivers messages to one chat channel.
// Params: context and rendered message.
// Returns: sink-local reference used later for updates or replies.
type Sink interface {
	Name() string
	Send(ctx context.Context, msg Message) (string, error)
	Update(ctx context.Context, ref string, msg Message) error
	CanUpdate() bool
}
