package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/routiium/gateway/internal/circuitbreaker"

	gateway "github.com/routiium/gateway/internal"
)

// Composite tries each configured Router in order, falling through to the
// next on failure -- except a remote policy router's failure in strict
// mode, which short-circuits as an upstream error instead of falling
// through to the local fallbacks.
type Composite struct {
	routers    []Router
	strictMode bool
	breakers   *circuitbreaker.Registry
}

// NewComposite returns a Composite over routers, tried in slice order.
// breakers may be nil to disable circuit-breaker gating.
func NewComposite(routers []Router, strictMode bool, breakers *circuitbreaker.Registry) *Composite {
	return &Composite{routers: routers, strictMode: strictMode, breakers: breakers}
}

func (c *Composite) Name() string { return "composite" }

// Resolve walks c.routers in order. A remote_policy router's error is
// terminal when strictMode is set; any other router's error (or a plan
// whose target breaker is open) falls through to the next router.
func (c *Composite) Resolve(ctx context.Context, req *gateway.RouteRequest) (*gateway.RoutePlan, error) {
	var lastErr error

	for i, r := range c.routers {
		plan, err := r.Resolve(ctx, req)
		if err != nil {
			if r.Name() == "remote_policy" && c.strictMode {
				return nil, gateway.NewStatusError(gateway.ErrUpstream, 502,
					fmt.Sprintf("remote router failed in strict mode: %v", err))
			}
			lastErr = err
			continue
		}

		if c.breakers != nil {
			key := breakerKey(plan)
			breaker := c.breakers.GetOrCreate(key)
			if !breaker.Allow() {
				lastErr = gateway.NewStatusError(gateway.ErrBackendUnavailable, 503, "circuit open for "+key)
				continue
			}
		}

		if i > 0 {
			// Fell through at least one router: the cache-hit header the
			// first router would have reported no longer applies.
			plan.Cache = gateway.RouteCache{}
		}
		return plan, nil
	}

	if lastErr != nil {
		var statusErr interface{ HTTPStatus() int }
		if errors.As(lastErr, &statusErr) {
			return nil, lastErr
		}
		return nil, gateway.NewStatusError(gateway.ErrRouteUnresolved, 404, lastErr.Error())
	}
	return nil, gateway.NewStatusError(gateway.ErrRouteUnresolved, 404, "no router configured for "+req.Alias)
}

// RecordOutcome feeds a completed upstream call's result back into the
// breaker for plan's target, so Allow() can eventually trip it open. A nil
// err records a success; any non-nil err is weighed via
// circuitbreaker.ClassifyError. No-ops when breakers is nil or plan is nil,
// which happens whenever Resolve never reached the breaker gate (e.g. a
// strict-mode remote-router failure returned before a plan existed).
func (c *Composite) RecordOutcome(plan *gateway.RoutePlan, err error) {
	if c.breakers == nil || plan == nil {
		return
	}
	b := c.breakers.GetOrCreate(breakerKey(plan))
	if err != nil {
		b.RecordError(circuitbreaker.ClassifyError(err))
		return
	}
	b.RecordSuccess()
}

// breakerKey keys the circuit breaker on the resolved upstream target
// rather than a named provider, since routiium has no provider registry.
func breakerKey(plan *gateway.RoutePlan) string {
	if plan.RouteID != "" {
		return plan.RouteID
	}
	return plan.BaseURL
}
