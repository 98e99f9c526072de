package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/routiium/gateway/internal"
)

// defaultRemoteTimeout mirrors the per-router call budget: short by design
// so a slow policy service degrades to the local fallback rather than
// stalling the request pipeline.
const defaultRemoteTimeout = 15 * time.Millisecond

// defaultCacheTTLCeiling bounds how long a remote policy server's declared
// cache lifetime is honored for, regardless of what the server claims.
const defaultCacheTTLCeiling = 60 * time.Second

// remoteRequest is the wire form POSTed to the remote routing policy
// service. Field richness is gated by req.Privacy: PrivacyFeatures sends
// only alias/api/caps/token_estimate; PrivacySummary adds conversation_id,
// plan_token and last_turns; PrivacyFull adds system_prompt.
type remoteRequest struct {
	SchemaVersion  int             `json:"schema_version"`
	Alias          string          `json:"alias"`
	API            string          `json:"api"`
	Caps           []string        `json:"caps,omitempty"`
	TokenEstimate  int             `json:"token_estimate"`
	ConversationID string          `json:"conversation_id,omitempty"`
	PlanToken      string          `json:"plan_token,omitempty"`
	SystemPrompt   string          `json:"system_prompt,omitempty"`
	LastTurns      json.RawMessage `json:"last_turns,omitempty"`
}

type remoteCache struct {
	TTLMillis  int64  `json:"ttl_ms"`
	ValidUntil string `json:"valid_until"`
	FreezeKey  string `json:"freeze_key"`
}

type remoteStickiness struct {
	PlanToken string `json:"plan_token"`
}

// remoteResponse is the policy service's reply, mapped onto gateway.RoutePlan.
type remoteResponse struct {
	BaseURL     string            `json:"base_url"`
	Mode        string            `json:"mode"`
	ModelID     string            `json:"model_id"`
	AuthEnv     string            `json:"auth_env"`
	Headers     map[string]string `json:"headers"`
	PolicyRev   string            `json:"policy_rev"`
	RouteID     string            `json:"route_id"`
	ContentUsed string            `json:"content_used"`
	Cache       remoteCache       `json:"cache"`
	Stickiness  remoteStickiness  `json:"stickiness"`
}

const remoteSchemaVersion = 1

// RemoteRouter consults an external routing-policy service over HTTP,
// caching resolved plans keyed by (alias, api, conversation_id) until the
// server-declared cache.valid_until (or now + cache.ttl_ms when no
// valid_until is given), clamped to the configured cache TTL ceiling. The
// server-declared freeze_key is carried on the plan but is not part of the
// cache key.
type RemoteRouter struct {
	endpoint        string
	client          *http.Client
	privacy         gateway.PrivacyMode
	cacheTTLCeiling time.Duration
	cache           *otter.Cache[string, *gateway.RoutePlan]
}

// NewRemoteRouter returns a RemoteRouter. client may carry an
// cloudauth.ClientCredentialsTransport for authenticated deployments;
// timeout defaults to defaultRemoteTimeout when zero. cacheTTLCeiling caps
// how long a policy server's declared cache lifetime is honored for,
// defaulting to defaultCacheTTLCeiling when zero -- a misbehaving or
// malicious remote server cannot force a longer client-side cache life
// than this ceiling allows.
func NewRemoteRouter(endpoint string, client *http.Client, privacy gateway.PrivacyMode, timeout, cacheTTLCeiling time.Duration) (*RemoteRouter, error) {
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	if cacheTTLCeiling <= 0 {
		cacheTTLCeiling = defaultCacheTTLCeiling
	}
	if client == nil {
		client = &http.Client{}
	}
	client.Timeout = timeout

	cache, err := otter.New(&otter.Options[string, *gateway.RoutePlan]{
		MaximumSize: 4096,
	})
	if err != nil {
		return nil, fmt.Errorf("create remote route cache: %w", err)
	}
	return &RemoteRouter{endpoint: endpoint, client: client, privacy: privacy, cacheTTLCeiling: cacheTTLCeiling, cache: cache}, nil
}

func (r *RemoteRouter) Name() string { return "remote_policy" }

// Resolve POSTs req to the policy endpoint, honoring the configured
// privacy mode's payload richness, and caches the result until its
// declared valid_until.
func (r *RemoteRouter) Resolve(ctx context.Context, req *gateway.RouteRequest) (*gateway.RoutePlan, error) {
	cacheKey := req.Alias + "|" + string(req.API) + "|" + freezeKeyOf(req)
	if plan, ok := r.cache.GetIfPresent(cacheKey); ok {
		if !plan.Cache.ValidUntil.IsZero() && time.Now().Before(plan.Cache.ValidUntil) {
			return plan, nil
		}
		r.cache.Invalidate(cacheKey)
	}

	body, err := json.Marshal(r.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal route request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build route request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, gateway.NewStatusError(gateway.ErrUpstream, 502, "remote router unreachable: "+err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, gateway.NewStatusError(gateway.ErrRouteUnresolved, 404, "remote router: no policy for "+req.Alias)
	}
	if resp.StatusCode >= 300 {
		return nil, gateway.NewStatusError(gateway.ErrUpstream, 502, fmt.Sprintf("remote router status %d", resp.StatusCode))
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, gateway.NewStatusError(gateway.ErrUpstream, 502, "remote router: malformed response")
	}

	plan := &gateway.RoutePlan{
		BaseURL:     out.BaseURL,
		Mode:        gateway.UpstreamMode(out.Mode),
		ModelID:     out.ModelID,
		AuthEnv:     out.AuthEnv,
		Headers:     out.Headers,
		PolicyRev:   out.PolicyRev,
		RouteID:     out.RouteID,
		ContentUsed: out.ContentUsed,
		Backend:     r.Name(),
		Stickiness:  gateway.RouteStickiness{PlanToken: out.Stickiness.PlanToken},
	}
	plan.Cache.TTLMillis = out.Cache.TTLMillis
	plan.Cache.FreezeKey = out.Cache.FreezeKey
	if out.Cache.ValidUntil != "" {
		if t, err := time.Parse(time.RFC3339, out.Cache.ValidUntil); err == nil {
			plan.Cache.ValidUntil = t
		}
	} else if out.Cache.TTLMillis > 0 {
		plan.Cache.ValidUntil = time.Now().Add(time.Duration(out.Cache.TTLMillis) * time.Millisecond)
	}

	// Clamp to the configured ceiling regardless of what the server
	// declared: spec requires caching for min(cache.ttl_ms, configured_max).
	if ceiling := time.Now().Add(r.cacheTTLCeiling); !plan.Cache.ValidUntil.IsZero() && plan.Cache.ValidUntil.After(ceiling) {
		plan.Cache.ValidUntil = ceiling
	}

	if !plan.Cache.ValidUntil.IsZero() {
		r.cache.Set(cacheKey, plan)
	}
	return plan, nil
}

func (r *RemoteRouter) buildRequest(req *gateway.RouteRequest) remoteRequest {
	caps := make([]string, len(req.Caps))
	for i, c := range req.Caps {
		caps[i] = string(c)
	}
	out := remoteRequest{
		SchemaVersion: remoteSchemaVersion,
		Alias:         req.Alias,
		API:           string(req.API),
		Caps:          caps,
		TokenEstimate: req.TokenEstimate,
	}
	if req.Privacy == gateway.PrivacySummary || req.Privacy == gateway.PrivacyFull {
		out.ConversationID = req.ConversationID
		out.PlanToken = req.PlanToken
		out.LastTurns = req.LastTurns
	}
	if req.Privacy == gateway.PrivacyFull {
		out.SystemPrompt = req.SystemPrompt
	}
	return out
}

func freezeKeyOf(req *gateway.RouteRequest) string {
	if req.ConversationID != "" {
		return req.ConversationID
	}
	return "-"
}
