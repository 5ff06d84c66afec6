package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/agent-registry/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
registry:
  port: 9090
  max_body_size: 2MB
store:
  driver: memory
auth:
  secret: dev-secret
embeddings:
  timeout: 3s
issuer:
  base_url: http://issuer:3001
  did: did:iden3:test
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Registry.Port != 9090 || cfg.Store.Driver != config.DriverMemory {
		t.Errorf("file values not applied: %+v", cfg.Registry)
	}
	if cfg.Embeddings.Timeout != 3*time.Second || cfg.Embeddings.RetryBackoff != 500*time.Millisecond {
		t.Errorf("durations: timeout=%s backoff=%s", cfg.Embeddings.Timeout, cfg.Embeddings.RetryBackoff)
	}
	if cfg.Search.SemanticFloor != 0.5 || cfg.Search.FuzzyThreshold != 0.6 {
		t.Errorf("search defaults: %+v", cfg.Search)
	}
	n, err := cfg.Registry.MaxBodyBytes()
	if err != nil || n != 2_000_000 {
		t.Errorf("MaxBodyBytes = %d, %v", n, err)
	}
	if !cfg.Issuer.Client().Enabled() {
		t.Error("issuer client config should be enabled")
	}
	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q", cfg.ConfigFile)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "auth:\n  secret: from-file\n")
	t.Setenv("AUTH_SECRET", "from-env")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("REGISTRY_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.Secret != "from-env" {
		t.Errorf("auth.secret = %q", cfg.Auth.Secret)
	}
	if len(cfg.Registry.CORSOrigins) != 2 || cfg.Registry.CORSOrigins[1] != "https://b.example" {
		t.Errorf("cors origins = %v", cfg.Registry.CORSOrigins)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing secret", "store:\n  driver: memory\n"},
		{"bad driver", "store:\n  driver: sqlite\nauth:\n  secret: x\n"},
		{"bad body size", "store:\n  driver: memory\nauth:\n  secret: x\nregistry:\n  max_body_size: lots\n"},
		{"half issuer", "store:\n  driver: memory\nauth:\n  secret: x\nissuer:\n  base_url: http://issuer\n"},
		{"floor out of range", "store:\n  driver: memory\nauth:\n  secret: x\nsearch:\n  semantic_floor: 1.5\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := config.Load(writeConfig(t, tc.body)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestRead_SkipsValidation(t *testing.T) {
	cfg, err := config.Read(writeConfig(t, "database:\n  migrations_path: db/migrations\n"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if cfg.Database.MigrationsPath != "db/migrations" {
		t.Errorf("migrations_path = %q", cfg.Database.MigrationsPath)
	}
	if cfg.Health.FailThreshold != 3 {
		t.Errorf("health.fail_threshold default = %d, want 3", cfg.Health.FailThreshold)
	}
}
