// Package route selects the diagnostic handler for one alert by matching
// label constraints against an ordered rule list. The rule language is
// deliberately equality-only; first full match wins.
package route

import (
	"fmt"

	"alertflow/internal/config"
	"alertflow/internal/domain"
)

// Decision is one routing result embedded into the delivery envelope.
// Params: selected handler names, parameters, and matched rule name.
// Returns: deterministic handler selection for one alert.
type Decision struct {
	Rule    string            `json:"rule,omitempty"`
	Handler string            `json:"handler"`
	Also    string            `json:"also,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// Router evaluates ordered routing rules over alert labels.
// Params: rule list in declaration order and default handler/params.
// Returns: deterministic route decisions.
type Router struct {
	rules          []config.RouteRule
	defaultHandler string
	defaultParams  map[string]string
}

// New builds a router from routing configuration.
// Params: routing section and known handler names for validation.
// Returns: router or error naming the first unknown handler.
func New(cfg config.RoutingConfig, knownHandlers map[string]struct{}) (*Router, error) {
	if _, ok := knownHandlers[cfg.DefaultHandler]; !ok {
		return nil, fmt.Errorf("routing default handler %q is not registered", cfg.DefaultHandler)
	}
	for i, rule := range cfg.Rule {
		if _, ok := knownHandlers[rule.Handler]; !ok {
			return nil, fmt.Errorf("routing.rule[%d] (%s): handler %q is not registered", i, rule.Name, rule.Handler)
		}
		if rule.Also != "" {
			if _, ok := knownHandlers[rule.Also]; !ok {
				return nil, fmt.Errorf("routing.rule[%d] (%s): also handler %q is not registered", i, rule.Name, rule.Also)
			}
		}
	}
	return &Router{
		rules:          cfg.Rule,
		defaultHandler: cfg.DefaultHandler,
		defaultParams:  cfg.DefaultParams,
	}, nil
}

// Route selects handler and parameters for one alert.
// Params: normalized alert with labels.
// Returns: first matching rule decision or default handler decision.
func (r *Router) Route(alert domain.Alert) Decision {
	for _, rule := range r.rules {
		if matches(rule.Match, alert.Labels) {
			return Decision{
				Rule:    rule.Name,
				Handler: rule.Handler,
				Also:    rule.Also,
				Params:  rule.Params,
			}
		}
	}
	return Decision{Handler: r.defaultHandler, Params: r.defaultParams}
}

// matches reports whether every rule constraint equals the alert label.
// Params: rule label constraints and alert labels.
// Returns: true only on a full match.
func matches(constraints, labels map[string]string) bool {
	for key, expected := range constraints {
		actual, ok := labels[key]
		if !ok || actual != expected {
			return false
		}
	}
	return len(constraints) > 0
}
