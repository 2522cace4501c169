package config

import (
	"os"
	"testing"
)

func TestDefaultConfigLimitsMatchSpec(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Limits.MaxMessageTTL != 1209600 {
		t.Errorf("expected max message ttl 1209600, got %d", cfg.Limits.MaxMessageTTL)
	}
	if cfg.Limits.MaxBulkIDs != 20 {
		t.Errorf("expected max bulk ids 20, got %d", cfg.Limits.MaxBulkIDs)
	}
}

func TestLoadFromEnvOverridesHTTPAddr(t *testing.T) {
	os.Setenv("BROKER_HTTP_ADDR", ":9999")
	defer os.Unsetenv("BROKER_HTTP_ADDR")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	if cfg.Daemon.HTTPAddr != ":9999" {
		t.Errorf("expected env override to take effect, got %q", cfg.Daemon.HTTPAddr)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/path.json"); err == nil {
		t.Errorf("expected an error loading a missing config file")
	}
}
