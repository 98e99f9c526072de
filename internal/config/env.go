package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	koanffile "github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvConfig is the layered ROUTIIUM_* environment configuration surface:
// hardcoded defaults, optionally overridden by a YAML defaults file, then
// by ROUTIIUM_ environment variables (highest precedence).
type EnvConfig struct {
	ListenAddr            string
	LogLevel              string
	CredentialBackend     string // "sqlite" | "valkey"
	AnalyticsBackend      string // "sqlite" | "redis" | "jsonl" | "memory"
	RequireExpiration     bool
	PrefixRules           string
	RemoteRouterURL       string
	RemoteRouterTimeoutMs int
	CORSEnabled           bool

	// ValkeyAddr/RedisAddr dial the dedicated backend servers selected by
	// CredentialBackend="valkey"/AnalyticsBackend="redis" -- distinct from
	// ListenAddr, which is this gateway's own HTTP listen address.
	ValkeyAddr string
	RedisAddr  string
}

var envDefaults = map[string]any{
	"listen.addr":              ":8080",
	"log.level":                "info",
	"credential.backend":       "sqlite",
	"analytics.backend":        "sqlite",
	"keys.require.expiration":  false,
	"prefix.rules":             "",
	"remote.router.url":        "",
	"remote.router.timeout.ms": 15,
	"cors.enabled":             false,
	"valkey.addr":              "localhost:6379",
	"redis.addr":               "localhost:6379",
}

// LoadEnv builds an EnvConfig from hardcoded defaults, an optional YAML
// defaults file, and the ROUTIIUM_ environment surface (env wins).
func LoadEnv(defaultsFile string) (*EnvConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(envDefaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load env defaults: %w", err)
	}

	if defaultsFile != "" {
		if err := k.Load(koanffile.Provider(defaultsFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load env defaults file %s: %w", defaultsFile, err)
		}
	}

	if err := k.Load(env.Provider("ROUTIIUM_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "ROUTIIUM_")), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load ROUTIIUM_ environment: %w", err)
	}

	return &EnvConfig{
		ListenAddr:            k.String("listen.addr"),
		LogLevel:              k.String("log.level"),
		CredentialBackend:     k.String("credential.backend"),
		AnalyticsBackend:      k.String("analytics.backend"),
		RequireExpiration:     k.Bool("keys.require.expiration"),
		PrefixRules:           k.String("prefix.rules"),
		RemoteRouterURL:       k.String("remote.router.url"),
		RemoteRouterTimeoutMs: k.Int("remote.router.timeout.ms"),
		CORSEnabled:           k.Bool("cors.enabled"),
		ValkeyAddr:            k.String("valkey.addr"),
		RedisAddr:             k.String("redis.addr"),
	}, nil
}
