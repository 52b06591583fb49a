package config

import "testing"

func TestLoadReadsCriticalEnvKeys(t *testing.T) {
	t.Setenv("UWAVE_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("UWAVE_ENV", "development")
	t.Setenv("UWAVE_REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBDSN == "" {
		t.Fatal("expected DB DSN to be set")
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Fatalf("unexpected redis addr: %q", cfg.RedisAddr)
	}
	if cfg.BusBackend != BusRedis {
		t.Fatalf("expected redis bus default, got %q", cfg.BusBackend)
	}
}

func TestLoadRejectsUnknownBackends(t *testing.T) {
	t.Setenv("UWAVE_DB_DSN", "file::memory:?cache=shared")
	t.Setenv("UWAVE_DB_BACKEND", "oracle")

	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail for unknown database backend")
	}

	t.Setenv("UWAVE_DB_BACKEND", "sqlite")
	t.Setenv("UWAVE_BUS_BACKEND", "kafka")
	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail for unknown bus backend")
	}
}

func TestLoadReportsLegacyEnvWarnings(t *testing.T) {
	t.Setenv("UWAVE_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("ENVIRONMENT", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.LegacyEnvWarnings) < 2 {
		t.Fatalf("expected legacy env warnings for REDIS_URL and ENVIRONMENT, got %v", cfg.LegacyEnvWarnings)
	}
}

func TestLoadProductionRejectsMemoryBus(t *testing.T) {
	t.Setenv("UWAVE_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("UWAVE_ENV", "production")
	t.Setenv("UWAVE_BUS_BACKEND", "memory")

	if _, err := Load(); err == nil {
		t.Fatal("expected production config load to fail with memory bus")
	}

	t.Setenv("UWAVE_BUS_BACKEND", "nats")
	if _, err := Load(); err != nil {
		t.Fatalf("expected production config load with nats bus to succeed: %v", err)
	}
}
