package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.AdminPort != 8086 {
		t.Errorf("Expected default admin port 8086, got %d", cfg.Server.AdminPort)
	}
	if cfg.Server.MetricsPort != 9090 {
		t.Errorf("Expected default metrics port 9090, got %d", cfg.Server.MetricsPort)
	}
	if cfg.Quota.FreeDailyLimit != 5 || cfg.Quota.PremiumDailyLimit != 100 {
		t.Errorf("Unexpected quota defaults: free=%d premium=%d",
			cfg.Quota.FreeDailyLimit, cfg.Quota.PremiumDailyLimit)
	}
	if cfg.Quota.Timezone != "UTC" {
		t.Errorf("Expected default timezone UTC, got %q", cfg.Quota.Timezone)
	}
	if cfg.Session.MaxInputFiles != 10 {
		t.Errorf("Expected default max input files 10, got %d", cfg.Session.MaxInputFiles)
	}
	if cfg.Session.MaxFileSizeBytes != 50*1024*1024 {
		t.Errorf("Expected default max file size 50 MiB, got %d", cfg.Session.MaxFileSizeBytes)
	}
	if !cfg.Storage.Redis.Enabled {
		t.Error("Expected the fast counter tier enabled by default")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Unexpected logging defaults: level=%q format=%q", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  admin_port: 9000
quota:
  free_daily_limit: 3
  premium_daily_limit: 50
  timezone: America/New_York
storage:
  path: /tmp/docfold-test/docfold.bolt
  redis:
    enabled: false
session:
  idle_timeout: 5m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.AdminPort != 9000 {
		t.Errorf("Expected admin port 9000, got %d", cfg.Server.AdminPort)
	}
	if cfg.Quota.FreeDailyLimit != 3 || cfg.Quota.PremiumDailyLimit != 50 {
		t.Errorf("Unexpected quota limits: free=%d premium=%d",
			cfg.Quota.FreeDailyLimit, cfg.Quota.PremiumDailyLimit)
	}
	if cfg.Quota.Timezone != "America/New_York" {
		t.Errorf("Expected configured timezone, got %q", cfg.Quota.Timezone)
	}
	if cfg.Storage.Redis.Enabled {
		t.Error("Expected the fast counter tier disabled")
	}
	if cfg.Session.IdleTimeout != "5m" {
		t.Errorf("Expected idle timeout 5m, got %q", cfg.Session.IdleTimeout)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.MetricsPort != 9090 {
		t.Errorf("Expected default metrics port, got %d", cfg.Server.MetricsPort)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DOCFOLD_QUOTA_FREE_DAILY_LIMIT", "7")
	t.Setenv("DOCFOLD_LOGGING_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Quota.FreeDailyLimit != 7 {
		t.Errorf("Expected env override free limit 7, got %d", cfg.Quota.FreeDailyLimit)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected env override log level debug, got %q", cfg.Logging.Level)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "bad admin port",
			content: `
server:
  admin_port: 70000
`,
			want: "invalid admin port",
		},
		{
			name: "premium below free",
			content: `
quota:
  free_daily_limit: 10
  premium_daily_limit: 5
`,
			want: "below free limit",
		},
		{
			name: "bad timezone",
			content: `
quota:
  timezone: Mars/Olympus_Mons
`,
			want: "invalid quota timezone",
		},
		{
			name: "zero max input files",
			content: `
session:
  max_input_files: 0
`,
			want: "max input files",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Expected error containing %q, got %q", tc.want, err)
			}
		})
	}
}

func TestLoad_StageDirDerivedFromStoragePath(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
storage:
  path: /data/docfold/docfold.bolt
staging:
  dir: ""
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Stage.Dir != "/data/docfold/staging" {
		t.Errorf("Expected staging dir derived from storage path, got %q", cfg.Stage.Dir)
	}
}
