package routing

import (
	"context"
	"testing"

	"github.com/routiium/gateway/internal/circuitbreaker"

	gateway "github.com/routiium/gateway/internal"
)

func TestAliasMapResolve_NoGuard(t *testing.T) {
	t.Parallel()
	m, err := NewAliasMap()
	if err != nil {
		t.Fatalf("NewAliasMap: %v", err)
	}
	err = m.Reload(map[string][]AliasEntry{
		"gpt-4o": {{BaseURL: "https://api.example.com/v1", ModelID: "gpt-4o-2024", Mode: gateway.ModeChat}},
	})
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}

	plan, err := m.Resolve(context.Background(), &gateway.RouteRequest{Alias: "gpt-4o", API: gateway.APIChat})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.ModelID != "gpt-4o-2024" {
		t.Errorf("ModelID = %q, want gpt-4o-2024", plan.ModelID)
	}
	if plan.Backend != "local_alias_map" {
		t.Errorf("Backend = %q, want local_alias_map", plan.Backend)
	}
}

func TestAliasMapResolve_GuardPicksEntry(t *testing.T) {
	t.Parallel()
	m, err := NewAliasMap()
	if err != nil {
		t.Fatalf("NewAliasMap: %v", err)
	}
	err = m.Reload(map[string][]AliasEntry{
		"smart": {
			{BaseURL: "https://vision.example.com", ModelID: "vision-model", Guard: `"vision" in caps`},
			{BaseURL: "https://text.example.com", ModelID: "text-model"},
		},
	})
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}

	plan, err := m.Resolve(context.Background(), &gateway.RouteRequest{
		Alias: "smart", API: gateway.APIChat, Caps: []gateway.Caps{gateway.CapText, gateway.CapVision},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.ModelID != "vision-model" {
		t.Errorf("ModelID = %q, want vision-model (guard should have matched)", plan.ModelID)
	}

	plan, err = m.Resolve(context.Background(), &gateway.RouteRequest{
		Alias: "smart", API: gateway.APIChat, Caps: []gateway.Caps{gateway.CapText},
	})
	if err != nil {
		t.Fatalf("Resolve (fallback): %v", err)
	}
	if plan.ModelID != "text-model" {
		t.Errorf("ModelID = %q, want text-model (no guard matched, unguarded entry wins)", plan.ModelID)
	}
}

func TestAliasMapResolve_UnknownAlias(t *testing.T) {
	t.Parallel()
	m, err := NewAliasMap()
	if err != nil {
		t.Fatalf("NewAliasMap: %v", err)
	}
	_, err = m.Resolve(context.Background(), &gateway.RouteRequest{Alias: "nope"})
	if err == nil {
		t.Fatal("expected error for unknown alias")
	}
	if gateway.HTTPStatusOf(err) != 404 {
		t.Errorf("status = %d, want 404", gateway.HTTPStatusOf(err))
	}
}

func TestAliasMapReload_BadGuardFailsClosed(t *testing.T) {
	t.Parallel()
	m, err := NewAliasMap()
	if err != nil {
		t.Fatalf("NewAliasMap: %v", err)
	}
	err = m.Reload(map[string][]AliasEntry{
		"bad": {{BaseURL: "https://x", ModelID: "x", Guard: "not a valid ((( cel expression"}},
	})
	if err == nil {
		t.Fatal("expected Reload to reject an invalid CEL guard")
	}
}

func TestPrefixRouter(t *testing.T) {
	t.Parallel()
	rules, err := ParsePrefixRules("prefix=gpt-,base=https://a.example/v1,mode=chat;prefix=claude-,base=https://b.example/v1,key_env=B_KEY,mode=responses")
	if err != nil {
		t.Fatalf("ParsePrefixRules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("len(rules) = %d, want 2", len(rules))
	}

	router := NewPrefixRouter(rules)
	plan, err := router.Resolve(context.Background(), &gateway.RouteRequest{Alias: "claude-3-opus"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.BaseURL != "https://b.example/v1" || plan.AuthEnv != "B_KEY" || plan.Mode != gateway.ModeResponses {
		t.Errorf("unexpected plan: %+v", plan)
	}
	if plan.ModelID != "claude-3-opus" {
		t.Errorf("ModelID = %q, want the alias passed through unchanged", plan.ModelID)
	}

	_, err = router.Resolve(context.Background(), &gateway.RouteRequest{Alias: "no-match"})
	if err == nil || gateway.HTTPStatusOf(err) != 404 {
		t.Fatalf("expected a 404 for an unmatched prefix, got %v", err)
	}
}

func TestParsePrefixRules_Empty(t *testing.T) {
	t.Parallel()
	rules, err := ParsePrefixRules("  ")
	if err != nil || rules != nil {
		t.Fatalf("ParsePrefixRules(empty) = %v, %v; want nil, nil", rules, err)
	}
}

func TestParsePrefixRules_Invalid(t *testing.T) {
	t.Parallel()
	if _, err := ParsePrefixRules("prefix=gpt-"); err == nil {
		t.Fatal("expected error for a rule missing base_url")
	}
	if _, err := ParsePrefixRules("nonsense"); err == nil {
		t.Fatal("expected error for a malformed key=value pair")
	}
}

func TestStickinessRoundTrip(t *testing.T) {
	t.Parallel()
	s, err := NewStickiness(16)
	if err != nil {
		t.Fatalf("NewStickiness: %v", err)
	}
	if got := s.Lookup("conv-1"); got != "" {
		t.Fatalf("Lookup before Record = %q, want empty", got)
	}

	plan := &gateway.RoutePlan{Stickiness: gateway.RouteStickiness{PlanToken: "tok-abc"}}
	s.Record("conv-1", plan)
	if got := s.Lookup("conv-1"); got != "tok-abc" {
		t.Errorf("Lookup = %q, want tok-abc", got)
	}

	s.Record("", plan)
	if got := s.Lookup(""); got != "" {
		t.Errorf("Lookup(\"\") = %q, want empty (conversation id required)", got)
	}
}

// fakeRouter is a minimal Router used to drive Composite's fallthrough and
// strict-mode behavior without a network dependency.
type fakeRouter struct {
	name string
	plan *gateway.RoutePlan
	err  error
}

func (f *fakeRouter) Name() string { return f.name }

func (f *fakeRouter) Resolve(context.Context, *gateway.RouteRequest) (*gateway.RoutePlan, error) {
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.plan
	return &cp, nil
}

func TestComposite_FirstRouterWins(t *testing.T) {
	t.Parallel()
	primary := &fakeRouter{name: "local_alias_map", plan: &gateway.RoutePlan{
		RouteID: "r1", Cache: gateway.RouteCache{FreezeKey: "frozen"},
	}}
	c := NewComposite([]Router{primary}, false, nil)

	plan, err := c.Resolve(context.Background(), &gateway.RouteRequest{Alias: "x"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.Cache.FreezeKey != "frozen" {
		t.Errorf("cache metadata should survive when the first router wins")
	}
}

func TestComposite_FallthroughClearsCache(t *testing.T) {
	t.Parallel()
	failing := &fakeRouter{name: "local_alias_map", err: gateway.NewStatusError(gateway.ErrRouteUnresolved, 404, "miss")}
	fallback := &fakeRouter{name: "prefix_rule", plan: &gateway.RoutePlan{
		RouteID: "r2", Cache: gateway.RouteCache{FreezeKey: "should-be-cleared"},
	}}
	c := NewComposite([]Router{failing, fallback}, false, nil)

	plan, err := c.Resolve(context.Background(), &gateway.RouteRequest{Alias: "x"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.Cache.FreezeKey != "" {
		t.Errorf("expected cache metadata cleared on fallthrough, got %+v", plan.Cache)
	}
}

func TestComposite_StrictModeRemoteFailureIsTerminal(t *testing.T) {
	t.Parallel()
	remote := &fakeRouter{name: "remote_policy", err: gateway.NewStatusError(gateway.ErrUpstream, 502, "timeout")}
	fallback := &fakeRouter{name: "prefix_rule", plan: &gateway.RoutePlan{RouteID: "r3"}}
	c := NewComposite([]Router{remote, fallback}, true, nil)

	_, err := c.Resolve(context.Background(), &gateway.RouteRequest{Alias: "x"})
	if err == nil {
		t.Fatal("expected a terminal error in strict mode")
	}
	if gateway.HTTPStatusOf(err) != 502 {
		t.Errorf("status = %d, want 502", gateway.HTTPStatusOf(err))
	}
}

func TestComposite_NonStrictRemoteFailureFallsThrough(t *testing.T) {
	t.Parallel()
	remote := &fakeRouter{name: "remote_policy", err: gateway.NewStatusError(gateway.ErrUpstream, 502, "timeout")}
	fallback := &fakeRouter{name: "prefix_rule", plan: &gateway.RoutePlan{RouteID: "r4"}}
	c := NewComposite([]Router{remote, fallback}, false, nil)

	plan, err := c.Resolve(context.Background(), &gateway.RouteRequest{Alias: "x"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.RouteID != "r4" {
		t.Errorf("RouteID = %q, want r4 (fallback)", plan.RouteID)
	}
}

func TestComposite_AllRoutersFail(t *testing.T) {
	t.Parallel()
	a := &fakeRouter{name: "local_alias_map", err: gateway.NewStatusError(gateway.ErrRouteUnresolved, 404, "a")}
	b := &fakeRouter{name: "prefix_rule", err: gateway.NewStatusError(gateway.ErrRouteUnresolved, 404, "b")}
	c := NewComposite([]Router{a, b}, false, nil)

	_, err := c.Resolve(context.Background(), &gateway.RouteRequest{Alias: "x"})
	if err == nil {
		t.Fatal("expected error when every router fails")
	}
	if gateway.HTTPStatusOf(err) != 404 {
		t.Errorf("status = %d, want 404", gateway.HTTPStatusOf(err))
	}
}

func TestComposite_OpenBreakerFallsThrough(t *testing.T) {
	t.Parallel()
	cfg := circuitbreaker.DefaultConfig()
	cfg.MinSamples = 1
	cfg.ErrorThreshold = 0.1
	registry := circuitbreaker.NewRegistry(cfg)

	key := "tripped-route"
	breaker := registry.GetOrCreate(key)
	// Trip the breaker with a burst of full-weight failures.
	for i := 0; i < 5; i++ {
		breaker.RecordError(1.0)
	}

	tripped := &fakeRouter{name: "local_alias_map", plan: &gateway.RoutePlan{RouteID: key}}
	fallback := &fakeRouter{name: "prefix_rule", plan: &gateway.RoutePlan{RouteID: "healthy-route"}}
	c := NewComposite([]Router{tripped, fallback}, false, registry)

	plan, err := c.Resolve(context.Background(), &gateway.RouteRequest{Alias: "x"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.RouteID != "healthy-route" {
		t.Errorf("RouteID = %q, want fallthrough to healthy-route once %q's breaker opened", plan.RouteID, key)
	}
}
