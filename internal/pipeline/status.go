package pipeline

import (
	"net/http"
	"time"
)

type statusResponse struct {
	Status    string            `json:"status"`
	Build     map[string]string `json:"build,omitempty"`
	Features  statusFeatures    `json:"features"`
	Analytics *statusAnalytics  `json:"analytics,omitempty"`
}

type statusFeatures struct {
	Cache      bool `json:"cache"`
	Stickiness bool `json:"stickiness"`
	Metrics    bool `json:"metrics"`
	Tracing    bool `json:"tracing"`
}

type statusAnalytics struct {
	Count        int64   `json:"count"`
	SuccessCount int64   `json:"success_count"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// handleStatus implements GET /status: feature flags, build info, and a
// rollup of the last hour of analytics.
func (p *Pipeline) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status: "ok",
		Build:  p.deps.BuildInfo,
		Features: statusFeatures{
			Cache:      p.deps.Cache != nil && p.deps.CacheEnabled,
			Stickiness: p.deps.Stickiness != nil,
			Metrics:    p.deps.Metrics != nil,
			Tracing:    p.deps.Tracer != nil,
		},
	}

	if p.deps.AnalyticsService != nil {
		end := time.Now()
		if agg, err := p.deps.AnalyticsService.Aggregate(r.Context(), end.Add(-time.Hour), end); err == nil {
			resp.Analytics = &statusAnalytics{
				Count:        agg.Count,
				SuccessCount: agg.SuccessCount,
				TotalCostUSD: agg.TotalCostUSD,
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
