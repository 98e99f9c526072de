// Package config handles static configuration loading (YAML file, env-var
// expansion) for the alias map, pricing table, and enrichment sources, plus
// a layered ROUTIIUM_* environment surface for deployment-level settings.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the static file-backed gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Cache      CacheConfig      `yaml:"cache"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Routing    RoutingConfig    `yaml:"routing"`
	Bedrock    BedrockConfig    `yaml:"bedrock"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Pricing    []PricingEntry   `yaml:"pricing"`
	Keys       []KeyEntry       `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the embedded SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds credential-subsystem policy settings.
type AuthConfig struct {
	RequireExpiration bool `yaml:"require_expiration"`
	Passthrough       bool `yaml:"passthrough"` // allow non-managed bearer tokens through unverified
}

// CacheConfig holds response-cache settings.
type CacheConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MaxSize           int           `yaml:"max_size"`
	DefaultTTL        time.Duration `yaml:"default_ttl"`
	MaxTemperature    float64       `yaml:"max_temperature"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// RoutingConfig configures the composite router: the order in which
// sub-routers are consulted, the local alias map, the prefix-rule fallback
// list, and the optional remote policy router.
type RoutingConfig struct {
	Order       []string           `yaml:"order"` // subset/permutation of "remote", "alias_map", "prefix_rule"
	StrictMode  bool               `yaml:"strict_mode"`
	Aliases     []AliasEntryConfig `yaml:"aliases"`
	PrefixRules string             `yaml:"prefix_rules"` // ROUTIIUM_PREFIX_RULES format, see internal/routing.ParsePrefixRules
	Remote      RemoteRouterConfig `yaml:"remote"`
}

// AliasEntryConfig is one local-alias-map entry as written in the config
// file; internal/routing.AliasEntry is its compiled runtime form.
type AliasEntryConfig struct {
	Alias   string            `yaml:"alias"`
	BaseURL string            `yaml:"base_url"`
	ModelID string            `yaml:"model_id"`
	Mode    string            `yaml:"mode"` // "chat", "responses", "bedrock"
	AuthEnv string            `yaml:"auth_env"`
	Headers map[string]string `yaml:"headers"`
	Guard   string            `yaml:"guard"` // optional CEL predicate over api/caps/token_estimate
}

// RemoteRouterConfig configures the optional remote routing-policy service.
type RemoteRouterConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Endpoint  string             `yaml:"endpoint"`
	TimeoutMs int                `yaml:"timeout_ms"` // default 15ms per the routing deadline budget
	Privacy   string             `yaml:"privacy"`    // "features", "summary", "full"
	OAuth     *RemoteOAuthConfig `yaml:"oauth"`

	// CacheTTLCeilingMs bounds how long a remote policy server's declared
	// cache.ttl_ms/valid_until may be honored for, regardless of what the
	// server claims, default 60000ms when zero.
	CacheTTLCeilingMs int64 `yaml:"cache_ttl_ceiling_ms"`
}

// RemoteOAuthConfig configures the client-credentials grant used to
// authenticate calls to the remote router, when present.
type RemoteOAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// BedrockConfig names the AWS region and service signed into gateway.ModeBedrock
// requests. Credentials come from the process environment
// (cloudauth.NewEnvCredentialsProvider), not from this file.
type BedrockConfig struct {
	Region  string `yaml:"region"`
	Service string `yaml:"service"` // default "bedrock-runtime" when empty
}

// EnrichmentConfig points at the hot-reloadable system-prompt and tool
// discovery sources.
type EnrichmentConfig struct {
	SystemPromptFile string `yaml:"system_prompt_file"`
	ToolsFile        string `yaml:"tools_file"`
}

// PricingEntry is one longest-prefix-match pricing rule, used by the
// analytics cost calculator.
type PricingEntry struct {
	ModelPrefix    string  `yaml:"model_prefix"`
	PromptPerM     float64 `yaml:"prompt_per_million"`
	CompletionPerM float64 `yaml:"completion_per_million"`
}

// KeyEntry is a pre-provisioned credential seeded on bootstrap.
type KeyEntry struct {
	Name   string        `yaml:"name"`
	Token  string        `yaml:"token"` // plaintext rtm_<id>.<secret>, hashed on bootstrap
	Scopes []string      `yaml:"scopes"`
	TTL    time.Duration `yaml:"ttl"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "routiium.db",
		},
		Cache: CacheConfig{
			Enabled:        true,
			MaxSize:        10_000,
			DefaultTTL:     5 * time.Minute,
			MaxTemperature: 0.3,
		},
		Routing: RoutingConfig{
			Order: []string{"remote", "alias_map", "prefix_rule"},
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
