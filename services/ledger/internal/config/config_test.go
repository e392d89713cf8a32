package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsIssuer(t *testing.T) {
	cfg, err := Load(writeConfig(t, "port: \"8090\"\ndatabaseURL: postgres://localhost/ledger\ninternalJwtPublicKeyPath: /keys/pub.pem\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AllowedIssuers) != 1 || cfg.AllowedIssuers[0] != "consultation-service" {
		t.Fatalf("allowed issuers = %v", cfg.AllowedIssuers)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LEDGER_ALLOWED_ISSUERS", "consultation-service, medconsultctl")
	t.Setenv("LEDGER_INTERNAL_JWT_VERIFY_PUBLIC_KEYS", "k1=/keys/k1.pem")
	cfg, err := Load(writeConfig(t, "port: \"8090\"\ndatabaseURL: postgres://localhost/ledger\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AllowedIssuers) != 2 || cfg.AllowedIssuers[1] != "medconsultctl" {
		t.Fatalf("allowed issuers = %v", cfg.AllowedIssuers)
	}
	if cfg.InternalJWTVerifyPublicKeys != "k1=/keys/k1.pem" {
		t.Fatalf("verify keys = %q", cfg.InternalJWTVerifyPublicKeys)
	}
}

func TestLoadRequiresVerificationKey(t *testing.T) {
	_, err := Load(writeConfig(t, "port: \"8090\"\ndatabaseURL: postgres://localhost/ledger\n"))
	if err == nil || !strings.Contains(err.Error(), "internalJwtPublicKeyPath") {
		t.Fatalf("expected missing key error, got %v", err)
	}
}
