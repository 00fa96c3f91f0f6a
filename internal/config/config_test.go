package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsWhenFieldsOmitted(t *testing.T) {
	path := writeConfig(t, "storage:\n  cas_root: /tmp/cas\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.CASRoot != "/tmp/cas" {
		t.Errorf("CASRoot = %q, want /tmp/cas", cfg.Storage.CASRoot)
	}
	if cfg.Storage.RegistryDBPath != "./data/registry.db" {
		t.Errorf("RegistryDBPath = %q, want default", cfg.Storage.RegistryDBPath)
	}
	if cfg.Concurrency.MaxConcurrentSessions != 10 {
		t.Errorf("MaxConcurrentSessions = %d, want 10", cfg.Concurrency.MaxConcurrentSessions)
	}
	if cfg.Liveness.StaleThreshold != 90*time.Second {
		t.Errorf("StaleThreshold = %v, want 90s", cfg.Liveness.StaleThreshold)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: verbose\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestLoadDefaultsZeroConcurrency(t *testing.T) {
	path := writeConfig(t, "concurrency:\n  max_concurrent_sessions: 0\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// applyDefaults promotes 0 to the default of 10 before validate runs.
	if cfg.Concurrency.MaxConcurrentSessions != 10 {
		t.Errorf("MaxConcurrentSessions = %d, want 10 (defaulted)", cfg.Concurrency.MaxConcurrentSessions)
	}
}

func TestLoadValidatesMCPServerEntries(t *testing.T) {
	path := writeConfig(t, `
mcp_servers:
  - id: fs
    name: filesystem
    transport: stdio
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for stdio server missing command")
	}

	path = writeConfig(t, `
mcp_servers:
  - id: fs
    name: filesystem
    transport: stdio
    command: mcp-fs
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.MCPServers) != 1 || cfg.MCPServers[0].Command != "mcp-fs" {
		t.Fatalf("MCPServers = %+v", cfg.MCPServers)
	}
}

func TestLoadRejectsInvalidProtocolPolicy(t *testing.T) {
	path := writeConfig(t, `
mcp_servers:
  - id: fs
    name: filesystem
    transport: stdio
    command: mcp-fs
    protocol_policy: loose
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid protocol_policy")
	}
}

func TestLoadAcceptsValidProtocolPolicy(t *testing.T) {
	path := writeConfig(t, `
mcp_servers:
  - id: fs
    name: filesystem
    transport: stdio
    command: mcp-fs
    protocol_policy: supported
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MCPServers[0].ProtocolPolicy != "supported" {
		t.Errorf("ProtocolPolicy = %q, want supported", cfg.MCPServers[0].ProtocolPolicy)
	}
}

func TestLoadEnvOverridesLogLevel(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: debug\n")
	t.Setenv(envLogLevel, "error")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level = %q, want error (from env override)", cfg.Logging.Level)
	}
}

func TestLoadFailsOnMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
