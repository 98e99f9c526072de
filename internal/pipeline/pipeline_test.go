package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gateway "github.com/routiium/gateway/internal"
	"github.com/routiium/gateway/internal/analytics"
	"github.com/routiium/gateway/internal/credential"
	"github.com/routiium/gateway/internal/enrichment"
	"github.com/routiium/gateway/internal/routing"
	"github.com/routiium/gateway/internal/storage"
	"github.com/routiium/gateway/internal/storage/memringanalytics"
	"github.com/routiium/gateway/internal/tokencount"
	"github.com/routiium/gateway/internal/upstream"
	"github.com/routiium/gateway/internal/worker"
)

// fakeAuth always authenticates the fixed bearer "rtm_ok" and rejects
// anything else, mirroring credential.Authenticator's bearer-prefix check
// without touching a real credential store.
type fakeAuth struct{}

func (fakeAuth) Authenticate(_ context.Context, r *http.Request) (*gateway.Verified, error) {
	if r.Header.Get("Authorization") != "Bearer rtm_ok" {
		return nil, gateway.NewStatusError(gateway.ErrAuthInvalid, http.StatusUnauthorized, "bad bearer")
	}
	return &gateway.Verified{KeyID: "key-1", Label: "test", Method: "managed"}, nil
}

// fakeRouter resolves any alias in routes, and gateway.ErrRouteUnresolved
// for anything else.
type fakeRouter struct {
	routes map[string]*gateway.RoutePlan
}

func (r *fakeRouter) Name() string { return "fake_router" }

func (r *fakeRouter) Resolve(_ context.Context, req *gateway.RouteRequest) (*gateway.RoutePlan, error) {
	plan, ok := r.routes[req.Alias]
	if !ok {
		return nil, gateway.NewStatusError(gateway.ErrRouteUnresolved, http.StatusNotFound, "unknown alias "+req.Alias)
	}
	cp := *plan
	return &cp, nil
}

// fakeCredentialBackend is an in-memory storage.CredentialStore, standing
// in for a durable backend the way a real deployment would use sqlite or
// valkeystore.
type fakeCredentialBackend struct {
	mu      sync.Mutex
	records map[string]*gateway.ApiKeyRecord
}

func newFakeCredentialBackend() *fakeCredentialBackend {
	return &fakeCredentialBackend{records: make(map[string]*gateway.ApiKeyRecord)}
}

func (b *fakeCredentialBackend) Put(_ context.Context, rec *gateway.ApiKeyRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *rec
	b.records[rec.ID] = &cp
	return nil
}

func (b *fakeCredentialBackend) Get(_ context.Context, id string) (*gateway.ApiKeyRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return nil, gateway.NewStatusError(gateway.ErrAuthInvalid, http.StatusNotFound, "not found")
	}
	cp := *rec
	return &cp, nil
}

func (b *fakeCredentialBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, id)
	return nil
}

func (b *fakeCredentialBackend) Revoke(_ context.Context, id string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return gateway.NewStatusError(gateway.ErrAuthInvalid, http.StatusNotFound, "not found")
	}
	rec.RevokedAt = &at
	return nil
}

func (b *fakeCredentialBackend) SetExpiration(_ context.Context, id string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return gateway.NewStatusError(gateway.ErrAuthInvalid, http.StatusNotFound, "not found")
	}
	rec.ExpiresAt = &at
	return nil
}

func (b *fakeCredentialBackend) List(_ context.Context, offset, limit int) ([]*gateway.ApiKeyRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*gateway.ApiKeyRecord, 0, len(b.records))
	for _, rec := range b.records {
		cp := *rec
		out = append(out, &cp)
	}
	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (b *fakeCredentialBackend) Ping(context.Context) error { return nil }

var _ storage.CredentialStore = (*fakeCredentialBackend)(nil)

// testEnv bundles an assembled Pipeline handler with the fakes behind it,
// for tests that need to reach past the HTTP surface (e.g. to add routes).
type testEnv struct {
	handler http.Handler
	router  *fakeRouter
}

func newTestEnv(t *testing.T, upstreamURL string) *testEnv {
	t.Helper()

	router := &fakeRouter{routes: map[string]*gateway.RoutePlan{
		"gpt-4o": {
			BaseURL: upstreamURL,
			Mode:    gateway.ModeChat,
			ModelID: "gpt-4o",
			RouteID: "route-1",
			Backend: "fake_router",
		},
	}}

	credStore, err := credential.New(newFakeCredentialBackend())
	if err != nil {
		t.Fatalf("credential.New: %v", err)
	}

	analyticsStore := memringanalytics.New(100)
	analyticsWriter := worker.NewAnalyticsWriter(analyticsStore)

	stickiness, err := routing.NewStickiness(16)
	if err != nil {
		t.Fatalf("routing.NewStickiness: %v", err)
	}

	enricher := enrichment.New()

	deps := Deps{
		Auth:             fakeAuth{},
		Enricher:         enricher,
		Router:           router,
		Stickiness:       stickiness,
		TokenCounter:     tokencount.NewCounter(),
		Upstream:         upstream.New(nil),
		CostCalc:         analytics.NewCostCalculator(nil),
		AnalyticsWriter:  analyticsWriter,
		AnalyticsService: analytics.NewService(analyticsStore),
		Credentials:      credStore,
		UpstreamTimeout:  5 * time.Second,
	}

	return &testEnv{handler: New(deps), router: router}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestChatCompletions_Success(t *testing.T) {
	t.Parallel()

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected upstream path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.ChatDocument{
			Model: "gpt-4o",
			Choices: []gateway.ChatChoice{{
				Index:        0,
				Message:      gateway.ChatMessage{Role: "assistant", Content: json.RawMessage(`"hello"`)},
				FinishReason: "stop",
			}},
			Usage: &gateway.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
		})
	}))
	defer upstreamSrv.Close()

	env := newTestEnv(t, upstreamSrv.URL)

	body, _ := json.Marshal(gateway.ChatDocument{
		Model:    "gpt-4o",
		Messages: []gateway.ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer rtm_ok")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Route-Id"); got != "route-1" {
		t.Errorf("x-route-id = %q, want route-1", got)
	}
	if got := rec.Header().Get("X-Resolved-Model"); got != "gpt-4o" {
		t.Errorf("x-resolved-model = %q, want gpt-4o", got)
	}
	if got := rec.Header().Get("X-Route-Cache"); got != "miss" {
		t.Errorf("x-route-cache = %q, want miss", got)
	}
	if got := rec.Header().Get("Router-Schema"); got != "v1" {
		t.Errorf("router-schema = %q, want v1", got)
	}

	var out gateway.ChatDocument
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Choices) != 1 || out.Choices[0].FinishReason != "stop" {
		t.Errorf("unexpected response body: %+v", out)
	}
}

func TestChatCompletions_Unauthenticated(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	body, _ := json.Marshal(gateway.ChatDocument{Model: "gpt-4o"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestChatCompletions_UnknownAlias(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	body, _ := json.Marshal(gateway.ChatDocument{Model: "no-such-model"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer rtm_ok")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body=%s", rec.Code, rec.Body.String())
	}
}

func TestChatCompletions_MalformedBody(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer rtm_ok")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestConvert_NoAuthRequired(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	body, _ := json.Marshal(gateway.ChatDocument{
		Model:    "gpt-4o",
		Messages: []gateway.ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	})
	req := httptest.NewRequest(http.MethodPost, "/convert?conversation_id=conv-1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var out gateway.ResponsesDocument
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.ConversationID != "conv-1" {
		t.Errorf("conversation_id = %q, want conv-1", out.ConversationID)
	}
	if len(out.Input) != 1 {
		t.Errorf("input len = %d, want 1", len(out.Input))
	}
}

func TestKeysGenerateListRevoke(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	genBody, _ := json.Marshal(generateKeyRequest{Label: "ci-token", Scopes: []string{"chat"}})
	req := httptest.NewRequest(http.MethodPost, "/keys/generate", bytes.NewReader(genBody))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("generate status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var genResp generateKeyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &genResp); err != nil {
		t.Fatalf("decode generate response: %v", err)
	}
	if genResp.Token == "" || genResp.ID == "" {
		t.Fatalf("expected non-empty token and id, got %+v", genResp)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/keys/", nil)
	listRec := httptest.NewRecorder()
	env.handler.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", listRec.Code)
	}
	var listed []gateway.ApiKeyInfo
	if err := json.Unmarshal(listRec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != genResp.ID {
		t.Fatalf("unexpected key list: %+v", listed)
	}

	revBody, _ := json.Marshal(keyIDRequest{ID: genResp.ID})
	revReq := httptest.NewRequest(http.MethodPost, "/keys/revoke", bytes.NewReader(revBody))
	revRec := httptest.NewRecorder()
	env.handler.ServeHTTP(revRec, revReq)
	if revRec.Code != http.StatusNoContent {
		t.Fatalf("revoke status = %d, want 204, body=%s", revRec.Code, revRec.Body.String())
	}
}

func TestReload_NilCallbackIsNoop(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodPost, "/reload/mcp", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestAnalyticsStatsEmpty(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodGet, "/analytics/stats", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var agg storage.AnalyticsAggregate
	if err := json.Unmarshal(rec.Body.Bytes(), &agg); err != nil {
		t.Fatalf("decode aggregate: %v", err)
	}
	if agg.Count != 0 {
		t.Errorf("count = %d, want 0", agg.Count)
	}
}

func TestStatusReportsFeatures(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status field = %q, want ok", resp.Status)
	}
	if !resp.Features.Stickiness {
		t.Errorf("expected stickiness feature flag set")
	}
	if resp.Features.Cache {
		t.Errorf("expected cache feature flag unset (no cache configured)")
	}
}
