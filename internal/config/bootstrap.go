package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/routiium/gateway/internal/credential"
)

// Bootstrap seeds the credentials listed in cfg.Keys into store. Seeding is
// idempotent: re-running it on every start simply refreshes the stored
// digest for each configured token's id, via the backend's upsert.
func Bootstrap(ctx context.Context, cfg *Config, store *credential.Store) error {
	for _, k := range cfg.Keys {
		if k.Token == "" {
			continue
		}
		info, err := store.Seed(ctx, k.Token, k.Name, k.Scopes, k.TTL)
		if err != nil {
			return fmt.Errorf("seed credential %q: %w", k.Name, err)
		}
		slog.Info("bootstrapped credential", "name", k.Name, "id", info.ID)
	}
	return nil
}

// GenerateAdminToken creates a random rtm_-prefixed bearer token suitable
// for seeding as the operator's own bootstrap credential.
func GenerateAdminToken() (string, error) {
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return "", fmt.Errorf("generate admin id: %w", err)
	}
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generate admin secret: %w", err)
	}
	return fmt.Sprintf("%s_%s.%s", credential.TokenPrefix,
		base64.RawURLEncoding.EncodeToString(id),
		base64.RawURLEncoding.EncodeToString(secret),
	), nil
}
