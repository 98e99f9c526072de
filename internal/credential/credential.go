// Package credential implements the credential subsystem: opaque bearer
// token issuance and constant-time verification, fronted by an in-process
// read cache over a pluggable durable backend. A record enters the cache on
// its first lookup and is evicted on revoke or expiration change; Generate
// and Seed do not populate it, and nothing is loaded into it at startup.
//
// Tokens have the form <prefix>_<id>.<secret>. The id half is looked up
// directly (in cache, then backend); the secret half is compared against a
// salted digest in constant time, so verification never branches on a
// partial secret match.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	gateway "github.com/routiium/gateway/internal"
	"github.com/routiium/gateway/internal/storage"
)

const (
	// TokenPrefix is the prefix for all routiium-issued bearer tokens.
	TokenPrefix = "rtm"

	cacheTTL    = 30 * time.Second // short enough to pick up revocations promptly
	cacheMaxLen = 10_000           // max concurrent active credentials expected per deployment
)

// Store fronts a pluggable storage.CredentialStore with an otter cache filled
// on lookup, and issues/verifies opaque bearer tokens.
type Store struct {
	backend storage.CredentialStore
	cache   *otter.Cache[string, *gateway.ApiKeyRecord]

	// requireExpiration mirrors ROUTIIUM_KEYS_REQUIRE_EXPIRATION: when set,
	// generate refuses to issue a credential with no expires_at.
	requireExpiration bool

	// disableCache supports multi-replica deployments where a per-instance
	// cache would serve stale revocations across instances; when true, Get
	// always hits the backend.
	disableCache bool
}

// Option configures a Store.
type Option func(*Store)

// WithRequireExpiration enforces that generate always receives a
// non-zero ttl.
func WithRequireExpiration(require bool) Option {
	return func(s *Store) { s.requireExpiration = require }
}

// WithCacheDisabled turns off the in-process cache entirely.
func WithCacheDisabled(disabled bool) Option {
	return func(s *Store) { s.disableCache = disabled }
}

// New returns a Store backed by backend.
func New(backend storage.CredentialStore, opts ...Option) (*Store, error) {
	c, err := otter.New(&otter.Options[string, *gateway.ApiKeyRecord]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.ApiKeyRecord](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create credential cache: %w", err)
	}
	s := &Store{backend: backend, cache: c}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Generate issues a new credential. ttl of zero means no expiration, unless
// requireExpiration is set, in which case it is a PolicyViolation.
func (s *Store) Generate(ctx context.Context, label string, scopes []string, ttl time.Duration) (token string, info gateway.ApiKeyInfo, err error) {
	if ttl <= 0 && s.requireExpiration {
		return "", gateway.ApiKeyInfo{}, gateway.NewStatusError(gateway.ErrPolicyViolation, 400, "expiration required")
	}

	id := uuid.New().String()
	secret, err := randomSecret()
	if err != nil {
		return "", gateway.ApiKeyInfo{}, fmt.Errorf("generate secret: %w", err)
	}
	salt, err := randomSecret()
	if err != nil {
		return "", gateway.ApiKeyInfo{}, fmt.Errorf("generate salt: %w", err)
	}

	now := time.Now().UTC()
	rec := &gateway.ApiKeyRecord{
		ID:         id,
		SecretHash: digest(secret, salt),
		Salt:       salt,
		CreatedAt:  now,
		Label:      label,
		Scopes:     scopes,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		rec.ExpiresAt = &exp
	}

	if err := s.backend.Put(ctx, rec); err != nil {
		return "", gateway.ApiKeyInfo{}, fmt.Errorf("persist credential: %w", err)
	}

	token = fmt.Sprintf("%s_%s.%s", TokenPrefix, id, secret)
	return token, rec.Info(), nil
}

// Seed stores a caller-chosen bearer token (e.g. an operator-provisioned
// admin key from a config file) rather than generating one, so the same
// verification path covers both minted and pre-provisioned credentials.
func (s *Store) Seed(ctx context.Context, token, label string, scopes []string, ttl time.Duration) (gateway.ApiKeyInfo, error) {
	id, secret, ok := splitToken(token)
	if !ok {
		return gateway.ApiKeyInfo{}, gateway.NewStatusError(gateway.ErrMalformed, 400, "malformed seed token")
	}

	salt, err := randomSecret()
	if err != nil {
		return gateway.ApiKeyInfo{}, fmt.Errorf("generate salt: %w", err)
	}

	now := time.Now().UTC()
	rec := &gateway.ApiKeyRecord{
		ID:         id,
		SecretHash: digest(secret, salt),
		Salt:       salt,
		CreatedAt:  now,
		Label:      label,
		Scopes:     scopes,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		rec.ExpiresAt = &exp
	}

	if err := s.backend.Put(ctx, rec); err != nil {
		return gateway.ApiKeyInfo{}, fmt.Errorf("persist seeded credential: %w", err)
	}
	return rec.Info(), nil
}

// Verify parses a bearer token, looks up its id, and compares the presented
// secret against the stored digest in constant time. Returns AuthInvalid for
// any malformed/unknown token, AuthExpired/AuthRevoked for a recognized but
// inactive credential -- independent of cache state.
func (s *Store) Verify(ctx context.Context, bearer string) (*gateway.Verified, error) {
	id, secret, ok := splitToken(bearer)
	if !ok {
		return nil, gateway.NewStatusError(gateway.ErrAuthInvalid, 401, "malformed bearer token")
	}

	rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(digest(secret, rec.Salt)), []byte(rec.SecretHash)) != 1 {
		return nil, gateway.NewStatusError(gateway.ErrAuthInvalid, 401, "invalid credential")
	}

	now := time.Now().UTC()
	if rec.RevokedAt != nil {
		return nil, gateway.NewStatusError(gateway.ErrAuthRevoked, 401, "credential revoked")
	}
	if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
		return nil, gateway.NewStatusError(gateway.ErrAuthExpired, 401, "credential expired")
	}

	return &gateway.Verified{KeyID: rec.ID, Label: rec.Label, Scopes: rec.Scopes, Method: "managed"}, nil
}

func (s *Store) lookup(ctx context.Context, id string) (*gateway.ApiKeyRecord, error) {
	if !s.disableCache {
		if rec, ok := s.cache.GetIfPresent(id); ok {
			return rec, nil
		}
	}
	rec, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, gateway.NewStatusError(gateway.ErrAuthInvalid, 401, "unknown credential")
	}
	if !s.disableCache {
		s.cache.Set(id, rec)
	}
	return rec, nil
}

// Revoke marks a credential revoked and evicts it from cache immediately.
func (s *Store) Revoke(ctx context.Context, id string) error {
	if err := s.backend.Revoke(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	s.cache.Invalidate(id)
	return nil
}

// SetExpiration updates a credential's expiry and evicts it from cache.
func (s *Store) SetExpiration(ctx context.Context, id string, at time.Time) error {
	if err := s.backend.SetExpiration(ctx, id, at); err != nil {
		return err
	}
	s.cache.Invalidate(id)
	return nil
}

// List returns a page of credential metadata, never including secret
// digests.
func (s *Store) List(ctx context.Context, offset, limit int) ([]gateway.ApiKeyInfo, error) {
	recs, err := s.backend.List(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]gateway.ApiKeyInfo, len(recs))
	for i, r := range recs {
		out[i] = r.Info()
	}
	return out, nil
}

// splitToken parses "<prefix>_<id>.<secret>".
func splitToken(bearer string) (id, secret string, ok bool) {
	rest, ok := strings.CutPrefix(bearer, TokenPrefix+"_")
	if !ok {
		return "", "", false
	}
	id, secret, ok = strings.Cut(rest, ".")
	if !ok || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

func randomSecret() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func digest(secret, salt string) string {
	h := sha256.Sum256([]byte(salt + secret))
	return hex.EncodeToString(h[:])
}
