// Package analytics computes per-request cost and serves the read/export
// operations over a configured storage.AnalyticsStore backend.
package analytics

import (
	"math"
	"sort"
	"strings"

	gateway "github.com/routiium/gateway/internal"
	"github.com/routiium/gateway/internal/config"
)

// CostCalculator prices a usage block against a longest-prefix-match
// pricing table, with a "default" entry as the fallback for any
// unrecognized model.
type CostCalculator struct {
	entries []config.PricingEntry
}

// NewCostCalculator returns a CostCalculator over entries, pre-sorted by
// descending prefix length so lookup always finds the most specific match
// first.
func NewCostCalculator(entries []config.PricingEntry) *CostCalculator {
	sorted := append([]config.PricingEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].ModelPrefix) > len(sorted[j].ModelPrefix)
	})
	return &CostCalculator{entries: sorted}
}

func (c *CostCalculator) lookup(model string) (config.PricingEntry, bool) {
	var fallback config.PricingEntry
	haveFallback := false
	for _, e := range c.entries {
		if e.ModelPrefix == "default" {
			fallback, haveFallback = e, true
			continue
		}
		if strings.HasPrefix(model, e.ModelPrefix) {
			return e, true
		}
	}
	return fallback, haveFallback
}

// Calculate prices usage under model's pricing entry, rounding every
// component and the total to six decimal places. Returns nil if usage is
// nil or no pricing entry (including no default) matches.
func (c *CostCalculator) Calculate(model string, usage *gateway.Usage) *gateway.CostMeta {
	if usage == nil {
		return nil
	}
	entry, ok := c.lookup(model)
	if !ok {
		return nil
	}

	billablePrompt := usage.PromptTokens - usage.CachedTokens
	if billablePrompt < 0 {
		billablePrompt = 0
	}

	input := round6(float64(billablePrompt) / 1_000_000 * entry.PromptPerM)
	cached := round6(float64(usage.CachedTokens) / 1_000_000 * entry.PromptPerM)
	output := round6(float64(usage.CompletionTokens) / 1_000_000 * entry.CompletionPerM)
	reasoning := round6(float64(usage.ReasoningTokens) / 1_000_000 * entry.CompletionPerM)

	return &gateway.CostMeta{
		Input:     input,
		Output:    output,
		Cached:    cached,
		Reasoning: reasoning,
		Total:     round6(input + cached + output + reasoning),
		Currency:  "USD",
	}
}

func round6(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}
