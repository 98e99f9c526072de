package pipeline

import (
	"time"

	gateway "github.com/routiium/gateway/internal"
)

// analyticsInput bundles everything a request handler knows about a
// completed (or failed) request. recordAnalytics turns it into exactly one
// AnalyticsEvent, fire-and-forget.
type analyticsInput struct {
	Endpoint string
	Method   string
	Model    string
	Stream   bool
	ReqSize  int64
	IP       string
	UA       string

	Status   int
	RespSize int64
	Success  bool
	ErrMsg   string

	DurationMs int64
	TTFBMs     *int64
	UpstreamMs *int64
	TPS        *float64

	Usage *gateway.Usage

	Verified *gateway.Verified
	Plan     *gateway.RoutePlan

	MCPUsed             bool
	SystemPromptApplied bool
}

// recordAnalytics builds and hands off one AnalyticsEvent. The ID is left
// zero-valued: AnalyticsWriter assigns a time-ordered ULID off the hot path
// during its batched flush.
func (p *Pipeline) recordAnalytics(in analyticsInput) {
	if p.deps.AnalyticsWriter == nil {
		return
	}

	ev := gateway.AnalyticsEvent{
		Timestamp: time.Now(),
		Request: gateway.RequestMeta{
			Endpoint: in.Endpoint,
			Method:   in.Method,
			Model:    in.Model,
			Stream:   in.Stream,
			Size:     in.ReqSize,
			IP:       in.IP,
			UA:       in.UA,
		},
		Response: gateway.ResponseMeta{
			Status:  in.Status,
			Size:    in.RespSize,
			Success: in.Success,
			Error:   in.ErrMsg,
		},
		Perf: gateway.PerfMeta{
			DurationMs: in.DurationMs,
			TTFBMs:     in.TTFBMs,
			UpstreamMs: in.UpstreamMs,
			TPS:        in.TPS,
		},
	}

	if in.Usage != nil {
		ev.Tokens = gateway.TokensMeta{
			Prompt:     in.Usage.PromptTokens,
			Completion: in.Usage.CompletionTokens,
			Cached:     in.Usage.CachedTokens,
			Reasoning:  in.Usage.ReasoningTokens,
		}
		if p.deps.CostCalc != nil {
			ev.Cost = p.deps.CostCalc.Calculate(in.Model, in.Usage)
		}
	}

	if in.Verified != nil {
		ev.Auth = gateway.AuthMeta{
			APIKeyID: in.Verified.KeyID,
			Label:    in.Verified.Label,
			Method:   in.Verified.Method,
		}
	}

	if in.Plan != nil {
		ev.Routing = gateway.RoutingMeta{
			Backend:             in.Plan.Backend,
			Mode:                string(in.Plan.Mode),
			MCPUsed:             in.MCPUsed,
			SystemPromptApplied: in.SystemPromptApplied,
		}
	}

	p.deps.AnalyticsWriter.Record(ev)
}
