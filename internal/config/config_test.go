package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tunneld.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
provider:
  base_url: https://vps.example
  poll_timeout: 3m
orders:
  base_price: 900
reconcile:
  intent_ttl: 48h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider.PollTimeout.Std() != 3*time.Minute {
		t.Fatalf("poll timeout = %v", cfg.Provider.PollTimeout.Std())
	}
	if cfg.Orders.BasePrice != 900 {
		t.Fatalf("base price = %d", cfg.Orders.BasePrice)
	}
	// Untouched fields keep defaults.
	if cfg.Orders.TermDays != 30 || cfg.Reconcile.SuffixRange != 100 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.Reconcile.IntentTTL.Std() != 48*time.Hour {
		t.Fatalf("intent ttl = %v", cfg.Reconcile.IntentTTL.Std())
	}
}

func TestLoad_EnvOverridesSecrets(t *testing.T) {
	t.Setenv("TUNNELBAY_PROVIDER_TOKEN", "env-token")
	path := writeConfig(t, `
provider:
  base_url: https://vps.example
  token: file-token
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider.Token != "env-token" {
		t.Fatalf("token = %q", cfg.Provider.Token)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("missing provider URL must fail validation")
	}

	cfg.Provider.BaseURL = "https://vps.example"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.Chain.RPCURL = "http://node:10332"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("chain without receiving address must fail")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
provider:
  base_url: https://vps.example
  poll_timeout: soon
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duration parse error")
	}
}
