package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "ALLOWED_ORIGIN", "TX_TIMEOUT_SECONDS", "TX_MAX_RETRIES", "IDEMPOTENCY_TTL_HOURS", "REDIS_DB"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("expected address :8080, got %s", cfg.Address())
	}
	if cfg.TxTimeoutSeconds != 10 || cfg.TxMaxRetries != 3 || cfg.IdempotencyTTLHours != 24 {
		t.Fatalf("unexpected defaults: timeout=%d retries=%d ttl=%d", cfg.TxTimeoutSeconds, cfg.TxMaxRetries, cfg.IdempotencyTTLHours)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("TX_TIMEOUT_SECONDS", "5")
	t.Setenv("TX_MAX_RETRIES", "7")
	t.Setenv("IDEMPOTENCY_TTL_HOURS", "48")
	t.Setenv("AUTH_SECRET", "  padded-secret  ")

	cfg := Load()
	if cfg.Port != "9090" || cfg.TxTimeoutSeconds != 5 || cfg.TxMaxRetries != 7 || cfg.IdempotencyTTLHours != 48 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.AuthSecret != "padded-secret" {
		t.Fatalf("expected trimmed secret, got %q", cfg.AuthSecret)
	}
}

func TestLoadRejectsNonsenseNumbers(t *testing.T) {
	t.Setenv("TX_TIMEOUT_SECONDS", "zero")
	t.Setenv("TX_MAX_RETRIES", "-4")
	t.Setenv("IDEMPOTENCY_TTL_HOURS", "0")

	cfg := Load()
	if cfg.TxTimeoutSeconds != 10 || cfg.TxMaxRetries != 3 || cfg.IdempotencyTTLHours != 24 {
		t.Fatalf("expected fallbacks for invalid values, got timeout=%d retries=%d ttl=%d",
			cfg.TxTimeoutSeconds, cfg.TxMaxRetries, cfg.IdempotencyTTLHours)
	}
}
