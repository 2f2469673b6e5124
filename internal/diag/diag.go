// Package diag turns an alert plus live metrics into a short
// human-readable report. Handlers are small and single-purpose; the
// runner enforces per-handler timeouts and always falls back to the
// default handler so a notification is never lost to a broken handler.
package diag

import (
	"context"

	"alertflow/internal/domain"
	"alertflow/internal/metricsrc"
)

// Metrics answers semantic metric queries with explicit absence.
// Params: context and query selector.
// Returns: sample; absent values must be rendered as not available.
type Metrics interface {
	Value(ctx context.Context, query metricsrc.Query) metricsrc.Sample
}

// Handler produces one diagnostic report for an alert.
// Params: context with deadline, alert, metrics reader, rule params.
// Returns: report or error; errors trigger the default-handler fallback.
type Handler interface {
	Name() string
	Run(ctx context.Context, alert domain.Alert, metrics Metrics, params map[string]string) (domain.Report, error)
}

// Registry is the fixed set of handlers known at startup.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry indexes the given handlers by name.
// Params: handler implementations.
// Returns: registry for routing validation and lookup.
func NewRegistry(handlers ...Handler) *Registry {
	index := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		index[h.Name()] = h
	}
	return &Registry{handlers: index}
}

// Lookup finds one handler by name.
// Params: handler name.
// Returns: handler and presence flag.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists every registered handler name.
// Params: none.
// Returns: name set for routing validation.
func (r *Registry) Names() map[string]struct{} {
	names := make(map[string]struct{}, len(r.handlers))
	for name := range r.handlers {
		names[name] = struct{}{}
	}
	return names
}
