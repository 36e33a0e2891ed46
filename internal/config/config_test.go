package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"sakuga/internal/config"
)

func TestDefaultsApplied(t *testing.T) {
	cfg := config.Default()
	if err := cfgNormalizeViaLoad(t, &cfg); err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.GPU.VRAMThresholdMB != 4500 {
		t.Fatalf("expected default vram threshold 4500, got %d", cfg.GPU.VRAMThresholdMB)
	}
	if cfg.Replenishment.DailyCap != 40 {
		t.Fatalf("expected default daily cap 40, got %d", cfg.Replenishment.DailyCap)
	}
	if cfg.Correction.DepthLimit != 3 {
		t.Fatalf("expected default correction depth 3, got %d", cfg.Correction.DepthLimit)
	}
}

// cfgNormalizeViaLoad round-trips a config through Load using a temp file so
// normalize and validate run exactly as in production.
func cfgNormalizeViaLoad(t *testing.T, cfg *config.Config) error {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write empty config: %v", err)
	}
	loaded, _, _, err := config.Load(path)
	if err != nil {
		return err
	}
	*cfg = *loaded
	return nil
}

func TestLoadParsesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[orchestrator]
tick_interval_seconds = 5

[replenishment]
target = 12

[quality]
auto_reject_threshold = 0.3
auto_approve_threshold = 0.9
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists || resolved == "" {
		t.Fatalf("expected config to resolve, got exists=%v path=%q", exists, resolved)
	}
	if cfg.Orchestrator.TickIntervalSeconds != 5 {
		t.Fatalf("expected tick interval 5, got %d", cfg.Orchestrator.TickIntervalSeconds)
	}
	if cfg.Replenishment.Target != 12 {
		t.Fatalf("expected replenishment target 12, got %d", cfg.Replenishment.Target)
	}
	if cfg.Comfy.URL == "" {
		t.Fatal("expected comfy URL default to survive partial config")
	}
}

func TestValidateRejectsInvertedQualityThresholds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[quality]
auto_reject_threshold = 0.9
auto_approve_threshold = 0.4
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected validation failure for inverted thresholds")
	}
}

func TestEnvSecretsOverrideFile(t *testing.T) {
	t.Setenv("JELLYFIN_API_KEY", "env-key")
	t.Setenv("JWT_SECRET_KEY", "env-secret")
	t.Setenv("ANIME_DB_PASSWORD", "env-db")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[jellyfin]\napi_key = \"file-key\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Jellyfin.APIKey != "env-key" {
		t.Fatalf("expected env override for jellyfin key, got %q", cfg.Jellyfin.APIKey)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Fatalf("expected env jwt secret, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Database.Password != "env-db" {
		t.Fatalf("expected env db password, got %q", cfg.Database.Password)
	}
}

func TestValidateRejectsBadSubnet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[auth]\ntrusted_subnet = \"not-a-cidr\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected validation failure for malformed subnet")
	}
}
