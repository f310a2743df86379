package config

import (
	"os"
	"testing"
)

func clearPasskeyEnv() {
	for _, key := range []string{
		"PASSKEY_ENV", "RP_ID", "NEAR_RPC_URL", "NEAR_NETWORK_ID",
		"FRESHNESS_WINDOW_BLOCKS", "CHAIN_CALL_TIMEOUT", "CONFIRM_TIMEOUT",
		"SIGNER_WORKER_POOL_SIZE", "RELAY_BASE_URL", "RELAY_JWT_SECRET",
		"RATE_LIMIT_ENABLED", "CORS_ALLOWED_ORIGINS", "CORS_ORIGINS",
		"ENABLE_DEBUG_ENDPOINTS", "TEST_MODE",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearPasskeyEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != Development {
		t.Fatalf("expected default env development, got %s", cfg.Env)
	}
	if cfg.RPID != "localhost" {
		t.Fatalf("expected default RPID localhost, got %s", cfg.RPID)
	}
	if cfg.FreshnessWindowBlocks != 100 {
		t.Fatalf("expected default freshness window 100, got %d", cfg.FreshnessWindowBlocks)
	}
	if cfg.SignerWorkerPoolSize != 3 {
		t.Fatalf("expected default worker pool size 3, got %d", cfg.SignerWorkerPoolSize)
	}
}

func TestLoadInvalidEnvironment(t *testing.T) {
	clearPasskeyEnv()
	os.Setenv("PASSKEY_ENV", "not-a-real-env")
	defer clearPasskeyEnv()

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid PASSKEY_ENV")
	}
}

func TestLoadAppliesOverrides(t *testing.T) {
	clearPasskeyEnv()
	os.Setenv("RP_ID", "example.com")
	os.Setenv("FRESHNESS_WINDOW_BLOCKS", "50")
	os.Setenv("SIGNER_WORKER_POOL_SIZE", "5")
	defer clearPasskeyEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RPID != "example.com" {
		t.Fatalf("expected RPID override, got %s", cfg.RPID)
	}
	if cfg.FreshnessWindowBlocks != 50 {
		t.Fatalf("expected freshness window override, got %d", cfg.FreshnessWindowBlocks)
	}
	if cfg.SignerWorkerPoolSize != 5 {
		t.Fatalf("expected worker pool size override, got %d", cfg.SignerWorkerPoolSize)
	}
}

func TestLoadProductionRequiresRelaySecret(t *testing.T) {
	clearPasskeyEnv()
	os.Setenv("PASSKEY_ENV", "production")
	defer clearPasskeyEnv()

	if _, err := Load(); err == nil {
		t.Fatal("expected Load to fail without RELAY_JWT_SECRET in production")
	}
}

func TestValidateProductionRejectsDebugEndpoints(t *testing.T) {
	cfg := &Config{
		Env:                   Production,
		EnableDebugEndpoints:  true,
		RateLimitEnabled:      true,
		RelayJWTSecret:        "secret",
		FreshnessWindowBlocks: 100,
		SignerWorkerPoolSize:  1,
		MetricsPort:           9090,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject debug endpoints in production")
	}
}

func TestEnvironmentPredicates(t *testing.T) {
	dev := &Config{Env: Development}
	if !dev.IsDevelopment() || dev.IsTesting() || dev.IsProduction() {
		t.Fatal("development predicates mismatch")
	}
	prod := &Config{Env: Production}
	if !prod.IsProduction() || prod.IsDevelopment() {
		t.Fatal("production predicates mismatch")
	}
}
