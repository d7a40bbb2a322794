package config

import (
	"os"
	"path/filepath"
	"testing"

	"PayRelay/internal/auth"
)

func TestLoadExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("PAYRELAY_TEST_SECRET", "s3cret")
	dir := t.TempDir()
	path := filepath.Join(dir, "payrelay.yaml")
	content := `
relay:
  relayer: relayer-1
  domain_tag: mainnet
storage:
  driver: sqlite
auth:
  mode: jwt
  jwt:
    secret: ${PAYRELAY_TEST_SECRET}
custody:
  domains_file: custody/domains.yaml
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Mode != auth.ModeJWT || cfg.Auth.JWT.Secret != "s3cret" {
		t.Fatalf("unexpected auth config: %+v", cfg.Auth)
	}
	if cfg.Server.Address != ":8080" || cfg.Relay.MaxAttempts != 3 {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Server, cfg.Relay)
	}
	if cfg.Storage.DSN != filepath.Join(dir, "data", "payrelay.db") {
		t.Fatalf("unexpected sqlite dsn %q", cfg.Storage.DSN)
	}
	if cfg.Custody.DomainsFile != filepath.Join(dir, "custody", "domains.yaml") {
		t.Fatalf("domains file not resolved against config dir: %q", cfg.Custody.DomainsFile)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.EventsQueue != "payrelay.events" {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Groups.SweepIntervalSeconds != 60 || cfg.Groups.StaleAfterSeconds != 300 {
		t.Fatalf("unexpected group defaults: %+v", cfg.Groups)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Parse([]byte("server: [")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadShippedConfig(t *testing.T) {
	t.Setenv("PAYRELAY_RELAYER", "relayer-1")
	t.Setenv("PAYRELAY_JWT_SECRET", "shipped")
	path := filepath.Join("..", "..", "configs", "payrelay.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if cfg.Relay.Relayer != "relayer-1" || cfg.Auth.Mode != auth.ModeJWT || cfg.Auth.JWT.Secret != "shipped" {
		t.Fatalf("unexpected relay/auth config: %+v %+v", cfg.Relay, cfg.Auth)
	}
	if cfg.Storage.DSN != filepath.Join(filepath.Dir(path), "data", "payrelay.db") {
		t.Fatalf("unexpected sqlite dsn %q", cfg.Storage.DSN)
	}
	if cfg.Custody.DomainsFile != filepath.Join(filepath.Dir(path), "domains.yaml") {
		t.Fatalf("unexpected domains file %q", cfg.Custody.DomainsFile)
	}
	if cfg.Alerting.SlackChannel != "#payrelay-alerts" {
		t.Fatalf("unexpected slack channel %q", cfg.Alerting.SlackChannel)
	}
}
