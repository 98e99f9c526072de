package routing

import (
	"context"
	"fmt"
	"strings"

	gateway "github.com/routiium/gateway/internal"
)

// PrefixRule is one entry of the ordered prefix-rule fallback list, parsed
// from the semicolon-delimited ROUTIIUM_PREFIX_RULES environment string
// (each rule a comma-delimited set of k=v pairs: prefix=, base=/base_url=,
// key_env=, mode=).
type PrefixRule struct {
	Prefix  string
	BaseURL string
	AuthEnv string
	Mode    gateway.UpstreamMode
}

// PrefixRouter tries each rule in order and matches the first whose prefix
// is a prefix of the requested alias. No caching needed: this is O(rules).
type PrefixRouter struct {
	rules []PrefixRule
}

// NewPrefixRouter returns a PrefixRouter over the given ordered rule list.
func NewPrefixRouter(rules []PrefixRule) *PrefixRouter {
	return &PrefixRouter{rules: rules}
}

// ParsePrefixRules parses the ROUTIIUM_PREFIX_RULES environment format:
// "prefix=gpt-,base=https://a/v1,mode=chat;prefix=claude-,base=https://b/v1,key_env=B_KEY,mode=responses".
func ParsePrefixRules(raw string) ([]PrefixRule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var rules []PrefixRule
	for _, clause := range strings.Split(raw, ";") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		rule := PrefixRule{Mode: gateway.ModeChat}
		for _, pair := range strings.Split(clause, ",") {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("invalid prefix rule pair %q", pair)
			}
			k, v = strings.TrimSpace(k), strings.TrimSpace(v)
			switch k {
			case "prefix":
				rule.Prefix = v
			case "base", "base_url":
				rule.BaseURL = v
			case "key_env":
				rule.AuthEnv = v
			case "mode":
				rule.Mode = gateway.UpstreamMode(v)
			default:
				return nil, fmt.Errorf("unknown prefix rule key %q", k)
			}
		}
		if rule.Prefix == "" || rule.BaseURL == "" {
			return nil, fmt.Errorf("prefix rule %q missing prefix/base", clause)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (r *PrefixRouter) Name() string { return "prefix_rule" }

// Resolve passes model_id = alias through unchanged on match.
func (r *PrefixRouter) Resolve(_ context.Context, req *gateway.RouteRequest) (*gateway.RoutePlan, error) {
	for _, rule := range r.rules {
		if strings.HasPrefix(req.Alias, rule.Prefix) {
			return &gateway.RoutePlan{
				BaseURL: rule.BaseURL,
				Mode:    rule.Mode,
				ModelID: req.Alias,
				AuthEnv: rule.AuthEnv,
				Backend: r.Name(),
			}, nil
		}
	}
	return nil, gateway.NewStatusError(gateway.ErrRouteUnresolved, 404, "no prefix rule matched "+req.Alias)
}
