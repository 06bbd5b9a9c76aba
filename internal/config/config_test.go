package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("expected default port '8080', got '%s'", cfg.Port)
	}
	if cfg.JWTSecret != "dev-secret-change-in-prod" {
		t.Errorf("expected default JWT secret, got '%s'", cfg.JWTSecret)
	}
	if cfg.MigrationsPath != "migrations" {
		t.Errorf("expected default migrations path, got '%s'", cfg.MigrationsPath)
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Errorf("expected no Kafka brokers by default, got %v", cfg.KafkaBrokers)
	}
	if cfg.RateLimitRPS != 5 || cfg.RateLimitBurst != 10 {
		t.Errorf("unexpected rate limit defaults: %v rps, %d burst", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if cfg.ArchiveMaxAge != 72*time.Hour {
		t.Errorf("expected 72h archive max age, got %s", cfg.ArchiveMaxAge)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("PORT", "9090")
	os.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	os.Setenv("RATE_LIMIT_RPS", "2.5")
	defer os.Unsetenv("PORT")
	defer os.Unsetenv("KAFKA_BROKERS")
	defer os.Unsetenv("RATE_LIMIT_RPS")

	cfg := Load()

	if cfg.Port != "9090" {
		t.Errorf("expected port '9090', got '%s'", cfg.Port)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("expected two trimmed brokers, got %v", cfg.KafkaBrokers)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Errorf("expected 2.5 rps, got %v", cfg.RateLimitRPS)
	}
}

func TestGetEnvFallback(t *testing.T) {
	result := getEnv("NONEXISTENT_VAR_12345", "fallback")
	if result != "fallback" {
		t.Errorf("expected 'fallback', got '%s'", result)
	}
	if n := getEnvInt("NONEXISTENT_VAR_12345", 7); n != 7 {
		t.Errorf("expected 7, got %d", n)
	}

	os.Setenv("BAD_INT_12345", "nope")
	defer os.Unsetenv("BAD_INT_12345")
	if n := getEnvInt("BAD_INT_12345", 7); n != 7 {
		t.Errorf("expected fallback for unparsable int, got %d", n)
	}
}
