package pipeline

import (
	"bytes"
	"context"
	"time"

	gateway "github.com/routiium/gateway/internal"
	"github.com/routiium/gateway/internal/routing"
)

// resolvePlan builds a RouteRequest (replaying any stickiness token for the
// conversation), resolves it against the configured Router under the
// router-call deadline, and records the resulting plan token for the
// conversation's next turn.
func (p *Pipeline) resolvePlan(ctx context.Context, alias string, api gateway.APISurface, caps []gateway.Caps, tokenEstimate int, conversationID, systemPrompt string, lastTurns []byte) (*gateway.RoutePlan, error) {
	req := &gateway.RouteRequest{
		Alias:          alias,
		API:            api,
		Caps:           caps,
		TokenEstimate:  tokenEstimate,
		ConversationID: conversationID,
		Privacy:        p.deps.Privacy,
	}
	if p.deps.Privacy == gateway.PrivacyFull {
		req.SystemPrompt = systemPrompt
	}
	if p.deps.Privacy == gateway.PrivacySummary || p.deps.Privacy == gateway.PrivacyFull {
		req.LastTurns = lastTurns
	}
	if p.deps.Stickiness != nil {
		req.PlanToken = p.deps.Stickiness.Lookup(conversationID)
	}

	rctx := ctx
	if p.deps.RouterTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, p.deps.RouterTimeout)
		defer cancel()
	}

	plan, err := p.deps.Router.Resolve(rctx, req)
	if err != nil {
		return nil, err
	}
	if p.deps.Stickiness != nil {
		p.deps.Stickiness.Record(conversationID, plan)
	}
	return plan, nil
}

// recordRouteOutcome feeds an upstream call's result back into the
// router's circuit breaker, when the router gates on one. err is nil for
// a successful call.
func (p *Pipeline) recordRouteOutcome(plan *gateway.RoutePlan, err error) {
	if rec, ok := p.deps.Router.(routing.OutcomeRecorder); ok {
		rec.RecordOutcome(plan, err)
	}
}

// routeCacheStatus derives the x-route-cache value from the plan's cache
// metadata alone: "hit" while valid_until lies in the future, "stale" when
// the plan carries cache metadata whose valid_until has passed or is unset,
// and "miss" when it carries none (as after Composite.Resolve falls through
// to a fallback router). It does not track whether the plan was served
// from a router's cache or freshly fetched.
func routeCacheStatus(plan *gateway.RoutePlan) string {
	if plan.Cache.ValidUntil.IsZero() && plan.Cache.FreezeKey == "" {
		return "miss"
	}
	if time.Now().Before(plan.Cache.ValidUntil) {
		return "hit"
	}
	return "stale"
}

// setRouteHeaders writes the observability headers a successful resolution
// contributes to the client response.
func setRouteHeaders(w interface{ Header() map[string][]string }, plan *gateway.RoutePlan) {
	h := w.Header()
	h["X-Route-Id"] = []string{plan.RouteID}
	h["X-Resolved-Model"] = []string{plan.ModelID}
	h["X-Policy-Rev"] = []string{plan.PolicyRev}
	h["X-Route-Cache"] = []string{routeCacheStatus(plan)}
	h["Router-Schema"] = []string{"v1"}
	if plan.ContentUsed != "" {
		h["X-Content-Used"] = []string{plan.ContentUsed}
	}
}

// routeHeaderMap returns the same observability headers as a plain map, for
// the streaming path where SSE headers are written before the status line
// in one pass.
func routeHeaderMap(plan *gateway.RoutePlan) map[string]string {
	m := map[string]string{
		"X-Route-Id":       plan.RouteID,
		"X-Resolved-Model": plan.ModelID,
		"X-Policy-Rev":     plan.PolicyRev,
		"X-Route-Cache":    routeCacheStatus(plan),
		"Router-Schema":    "v1",
	}
	if plan.ContentUsed != "" {
		m["X-Content-Used"] = plan.ContentUsed
	}
	return m
}

// chatCaps infers the capability hints a Chat request exercises, for the
// router's alias-guard evaluation.
func chatCaps(doc *gateway.ChatDocument) []gateway.Caps {
	caps := []gateway.Caps{gateway.CapText}
	if len(doc.Tools) > 0 {
		caps = append(caps, gateway.CapTools)
	}
	if len(doc.ResponseFormat) > 0 && bytes.Contains(doc.ResponseFormat, []byte("json")) {
		caps = append(caps, gateway.CapJSON)
	}
	for _, m := range doc.Messages {
		if bytes.Contains(m.Content, []byte("image_url")) {
			caps = append(caps, gateway.CapVision)
			break
		}
	}
	return caps
}

// responsesCaps is chatCaps' counterpart for a native Responses request.
func responsesCaps(doc *gateway.ResponsesDocument) []gateway.Caps {
	caps := []gateway.Caps{gateway.CapText}
	if len(doc.Tools) > 0 {
		caps = append(caps, gateway.CapTools)
	}
	for _, item := range doc.Input {
		for _, part := range item.Content {
			if part.Type == "image_url" {
				caps = append(caps, gateway.CapVision)
				return caps
			}
		}
	}
	return caps
}
