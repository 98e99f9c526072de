package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gateway "github.com/routiium/gateway/internal"
	"github.com/routiium/gateway/internal/storage"
)

// memBackend is a minimal in-memory storage.CredentialStore, standing in
// for a durable backend (sqlite, valkeystore) in unit tests.
type memBackend struct {
	mu      sync.Mutex
	records map[string]*gateway.ApiKeyRecord
}

func newMemBackend() *memBackend {
	return &memBackend{records: make(map[string]*gateway.ApiKeyRecord)}
}

func (b *memBackend) Put(_ context.Context, rec *gateway.ApiKeyRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *rec
	b.records[rec.ID] = &cp
	return nil
}

func (b *memBackend) Get(_ context.Context, id string) (*gateway.ApiKeyRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return nil, gateway.NewStatusError(gateway.ErrAuthInvalid, http.StatusNotFound, "not found")
	}
	cp := *rec
	return &cp, nil
}

func (b *memBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, id)
	return nil
}

func (b *memBackend) Revoke(_ context.Context, id string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return gateway.NewStatusError(gateway.ErrAuthInvalid, http.StatusNotFound, "not found")
	}
	rec.RevokedAt = &at
	return nil
}

func (b *memBackend) SetExpiration(_ context.Context, id string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return gateway.NewStatusError(gateway.ErrAuthInvalid, http.StatusNotFound, "not found")
	}
	rec.ExpiresAt = &at
	return nil
}

func (b *memBackend) List(_ context.Context, offset, limit int) ([]*gateway.ApiKeyRecord, error) {
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

func (b *memBackend) Ping(context.Context) error { return nil }

var _ storage.CredentialStore = (*memBackend)(nil)

func TestGenerateAndVerify(t *testing.T) {
	t.Parallel()
	store, err := New(newMemBackend())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token, info, err := store.Generate(context.Background(), "ci", []string{"chat"}, time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if info.ID == "" {
		t.Fatal("expected a non-empty key id")
	}

	verified, err := store.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified.KeyID != info.ID || verified.Method != "managed" {
		t.Errorf("unexpected verified: %+v", verified)
	}
}

func TestGenerate_RequireExpiration(t *testing.T) {
	t.Parallel()
	store, err := New(newMemBackend(), WithRequireExpiration(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, _, err = store.Generate(context.Background(), "ci", nil, 0)
	if err == nil {
		t.Fatal("expected an error when no ttl is given under WithRequireExpiration")
	}
	if gateway.HTTPStatusOf(err) != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", gateway.HTTPStatusOf(err))
	}
}

func TestVerify_UnknownToken(t *testing.T) {
	t.Parallel()
	store, err := New(newMemBackend())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = store.Verify(context.Background(), "rtm_doesnotexist.secret")
	if err == nil || gateway.HTTPStatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an unknown credential, got %v", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	t.Parallel()
	store, err := New(newMemBackend())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	token, info, err := store.Generate(context.Background(), "ci", nil, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	tampered := "rtm_" + info.ID + ".not-the-real-secret"
	if tampered == token {
		t.Fatal("test setup produced a matching token")
	}
	_, err = store.Verify(context.Background(), tampered)
	if err == nil || gateway.HTTPStatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong secret, got %v", err)
	}
}

func TestVerify_Revoked(t *testing.T) {
	t.Parallel()
	store, err := New(newMemBackend())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	token, info, err := store.Generate(context.Background(), "ci", nil, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if err := store.Revoke(context.Background(), info.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	_, err = store.Verify(context.Background(), token)
	if !gatewayIs(err, gateway.ErrAuthRevoked) {
		t.Fatalf("expected ErrAuthRevoked, got %v", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	t.Parallel()
	store, err := New(newMemBackend())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	token, info, err := store.Generate(context.Background(), "ci", nil, time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if err := store.SetExpiration(context.Background(), info.ID, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("SetExpiration: %v", err)
	}

	_, err = store.Verify(context.Background(), token)
	if !gatewayIs(err, gateway.ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
}

func TestSeedAndList(t *testing.T) {
	t.Parallel()
	store, err := New(newMemBackend())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	info, err := store.Seed(context.Background(), "rtm_admin.supersecret", "admin", []string{"*"}, 0)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if info.ID != "admin" {
		t.Errorf("ID = %q, want admin", info.ID)
	}

	verified, err := store.Verify(context.Background(), "rtm_admin.supersecret")
	if err != nil {
		t.Fatalf("Verify seeded token: %v", err)
	}
	if verified.Label != "admin" {
		t.Errorf("Label = %q, want admin", verified.Label)
	}

	list, err := store.List(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != "admin" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestSeed_MalformedToken(t *testing.T) {
	t.Parallel()
	store, err := New(newMemBackend())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.Seed(context.Background(), "not-a-valid-token", "x", nil, 0); err == nil {
		t.Fatal("expected an error for a malformed seed token")
	}
}

func TestAuthenticator(t *testing.T) {
	t.Parallel()
	store, err := New(newMemBackend())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	token, _, err := store.Generate(context.Background(), "ci", []string{"chat"}, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	auth := NewAuthenticator(store, false)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	verified, err := auth.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if verified.Method != "managed" {
		t.Errorf("Method = %q, want managed", verified.Method)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	_, err = auth.Authenticate(context.Background(), req)
	if err == nil || gateway.HTTPStatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a missing Authorization header, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-openai-style-key")
	_, err = auth.Authenticate(context.Background(), req)
	if err == nil || gateway.HTTPStatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected a non-rtm bearer to be rejected without passthrough, got %v", err)
	}
}

func TestAuthenticator_Passthrough(t *testing.T) {
	t.Parallel()
	store, err := New(newMemBackend())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	auth := NewAuthenticator(store, true)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-openai-style-key")
	verified, err := auth.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if verified.Method != "passthrough" {
		t.Errorf("Method = %q, want passthrough", verified.Method)
	}
}

func gatewayIs(err error, target error) bool {
	se, ok := err.(*gateway.StatusError)
	if !ok {
		return false
	}
	return se.Unwrap() == target
}
