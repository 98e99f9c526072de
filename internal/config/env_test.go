package config

import "testing"

func TestLoadEnvDefaults(t *testing.T) {
	ec, err := LoadEnv("")
	if err != nil {
		t.Fatal(err)
	}
	if ec.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", ec.ListenAddr, ":8080")
	}
	if ec.CredentialBackend != "sqlite" {
		t.Errorf("CredentialBackend = %q, want %q", ec.CredentialBackend, "sqlite")
	}
	if ec.RemoteRouterTimeoutMs != 15 {
		t.Errorf("RemoteRouterTimeoutMs = %d, want 15", ec.RemoteRouterTimeoutMs)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ROUTIIUM_LISTEN_ADDR", ":9999")
	t.Setenv("ROUTIIUM_ANALYTICS_BACKEND", "redis")
	t.Setenv("ROUTIIUM_KEYS_REQUIRE_EXPIRATION", "true")

	ec, err := LoadEnv("")
	if err != nil {
		t.Fatal(err)
	}
	if ec.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want %q", ec.ListenAddr, ":9999")
	}
	if ec.AnalyticsBackend != "redis" {
		t.Errorf("AnalyticsBackend = %q, want %q", ec.AnalyticsBackend, "redis")
	}
	if !ec.RequireExpiration {
		t.Error("RequireExpiration = false, want true")
	}
}
