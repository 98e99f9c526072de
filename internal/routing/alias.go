package routing

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/maypok86/otter/v2"

	gateway "github.com/routiium/gateway/internal"
)

// aliasCacheTTL mirrors the teacher's route-resolution cache TTL: short
// enough to pick up a config reload quickly, long enough to eliminate
// per-request map lookups under load.
const aliasCacheTTL = 10 * time.Second

// AliasEntry is one (possibly guarded) target for a local alias.
type AliasEntry struct {
	BaseURL string
	ModelID string
	Mode    gateway.UpstreamMode
	AuthEnv string
	Headers map[string]string

	// Guard, if non-empty, is a CEL expression over caps/api/token_estimate
	// that must evaluate true for this entry to match. Entries for the same
	// alias are tried in slice order; the first matching guard (or the
	// first unguarded entry) wins.
	Guard string
	guard cel.Program
}

// AliasMap is the local alias-map router: a reloadable dictionary
// alias -> target, with optional CEL guards for picking between several
// targets sharing one alias (e.g. by requested capability).
type AliasMap struct {
	mu      sync.RWMutex
	entries map[string][]AliasEntry
	cache   *otter.Cache[string, *gateway.RoutePlan]
	env     *cel.Env
}

// NewAliasMap returns an empty, reloadable AliasMap.
func NewAliasMap() (*AliasMap, error) {
	env, err := cel.NewEnv(
		cel.Variable("api", cel.StringType),
		cel.Variable("caps", cel.ListType(cel.StringType)),
		cel.Variable("token_estimate", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	cache, err := otter.New(&otter.Options[string, *gateway.RoutePlan]{
		MaximumSize:      256,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.RoutePlan](aliasCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create alias cache: %w", err)
	}
	return &AliasMap{entries: make(map[string][]AliasEntry), cache: cache, env: env}, nil
}

// Reload atomically replaces the alias table. Guard expressions are
// compiled eagerly so a bad reload fails before any request observes it.
func (m *AliasMap) Reload(entries map[string][]AliasEntry) error {
	for alias, es := range entries {
		for i, e := range es {
			if e.Guard == "" {
				continue
			}
			ast, iss := m.env.Compile(e.Guard)
			if iss.Err() != nil {
				return fmt.Errorf("alias %q guard %q: %w", alias, e.Guard, iss.Err())
			}
			prg, err := m.env.Program(ast)
			if err != nil {
				return fmt.Errorf("alias %q guard %q: %w", alias, e.Guard, err)
			}
			entries[alias][i].guard = prg
		}
	}

	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
	m.cache.InvalidateAll()
	return nil
}

func (m *AliasMap) Name() string { return "local_alias_map" }

// Resolve looks up req.Alias, evaluating guards in entry order and
// returning the first match. Plans of aliases with no guarded entry are
// cached per (alias, api) pair; an alias with a guarded entry is evaluated
// on every call, since its result depends on caps and token_estimate.
func (m *AliasMap) Resolve(ctx context.Context, req *gateway.RouteRequest) (*gateway.RoutePlan, error) {
	cacheKey := req.Alias + "|" + string(req.API)
	if plan, ok := m.cache.GetIfPresent(cacheKey); ok {
		return plan, nil
	}

	m.mu.RLock()
	candidates := m.entries[req.Alias]
	m.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, gateway.NewStatusError(gateway.ErrRouteUnresolved, 404, "unknown alias "+req.Alias)
	}

	caps := make([]string, len(req.Caps))
	for i, c := range req.Caps {
		caps[i] = string(c)
	}
	vars := map[string]any{
		"api":            string(req.API),
		"caps":           caps,
		"token_estimate": int64(req.TokenEstimate),
	}

	guarded := false
	for _, e := range candidates {
		if e.guard != nil {
			guarded = true
			break
		}
	}

	for _, e := range candidates {
		if e.guard != nil {
			out, _, err := e.guard.Eval(vars)
			if err != nil || out.Value() != true {
				continue
			}
		}
		headers := cloneHeaders(e.Headers)
		plan := &gateway.RoutePlan{
			BaseURL: e.BaseURL,
			Mode:    e.Mode,
			ModelID: e.ModelID,
			AuthEnv: e.AuthEnv,
			Headers: headers,
			Backend: m.Name(),
		}
		if !guarded {
			m.cache.Set(cacheKey, plan)
		}
		return plan, nil
	}

	return nil, gateway.NewStatusError(gateway.ErrRouteUnresolved, 404, "no alias entry matched guards for "+req.Alias)
}

func cloneHeaders(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Aliases returns the currently configured alias names, sorted.
func (m *AliasMap) Aliases() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.entries))
	for k := range m.entries {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
