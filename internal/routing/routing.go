// Package routing implements the routing engine: three interchangeable
// resolvers (prefix-rule, local alias map, remote policy service) behind a
// single interface, composed by a strategy that tries them in order and
// falls through on failure.
package routing

import (
	"context"

	gateway "github.com/routiium/gateway/internal"
)

// Router resolves a RouteRequest to a RoutePlan. All three implementations
// (prefix-rule, local alias map, remote policy) share this interface; a
// Composite tries them in configured order.
type Router interface {
	// Name identifies the implementation for routing.backend analytics
	// tagging and x-route-cache/observability headers.
	Name() string
	Resolve(ctx context.Context, req *gateway.RouteRequest) (*gateway.RoutePlan, error)
}

// OutcomeRecorder is implemented by a Router that gates resolution on a
// circuit breaker and needs completed-call outcomes fed back in. Only
// Composite implements this today; callers should type-assert for it
// rather than widen Router, since a bare prefix/alias/remote router has no
// breaker to report to.
type OutcomeRecorder interface {
	RecordOutcome(plan *gateway.RoutePlan, err error)
}
