// Package config loads the server-wide ServerConfig from YAML, following
// nishisan-dev-n-backup/internal/config's struct-with-defaults loader
// shape, generalized from backup-server settings to session-orchestration
// settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the top-level configuration for the shannonctl server
// process: storage locations, concurrency limits, liveness thresholds, and
// logging.
type ServerConfig struct {
	Storage     StorageConfig     `yaml:"storage"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Liveness    LivenessConfig    `yaml:"liveness"`
	Logging     LoggingConfig     `yaml:"logging"`
	MCPServers  []MCPServerConfig `yaml:"mcp_servers"`
}

// StorageConfig names the on-disk locations for the persisted stores.
type StorageConfig struct {
	CASRoot        string `yaml:"cas_root"`         // default: ./data/cas
	RegistryDBPath string `yaml:"registry_db_path"` // default: ./data/registry.db
	SessionDBPath  string `yaml:"session_db_path"`  // default: ./data/sessions.db
	ServerDBPath   string `yaml:"server_db_path"`   // default: ./data/mcp_servers.db
}

// ConcurrencyConfig bounds the orchestration server's resource usage.
type ConcurrencyConfig struct {
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"` // default: 10
	CASWorkerPoolSize     int `yaml:"cas_worker_pool_size"`     // default: 4
}

// LivenessConfig configures internal/registry's LivenessMonitor.
type LivenessConfig struct {
	ProbeInterval  time.Duration `yaml:"probe_interval"`  // default: 5s
	StaleThreshold time.Duration `yaml:"stale_threshold"` // default: 90s
}

// LoggingConfig configures the slog-backed EventLogger. Level is the one
// setting overridable by environment variable (SHANNON_LOG_LEVEL), per
// spec's single server-wide env override.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // default: info
	Format string `yaml:"format"` // default: json
}

// MCPServerConfig is a statically-configured mcpcontrol.Server descriptor,
// letting operators pre-register servers in the config file instead of
// (or in addition to) adding them at runtime via the CLI.
type MCPServerConfig struct {
	ID                  string            `yaml:"id"`
	Name                string            `yaml:"name"`
	Transport           string            `yaml:"transport"` // stdio|sse|http
	Command             string            `yaml:"command"`
	Args                []string          `yaml:"args"`
	Env                 map[string]string `yaml:"env"`
	Endpoint            string            `yaml:"endpoint"`
	HealthCheckInterval time.Duration     `yaml:"health_check_interval"`
	Enabled             bool              `yaml:"enabled"`
	ProtocolPolicy      string            `yaml:"protocol_policy"` // strict|supported|none, default: strict
}

const envLogLevel = "SHANNON_LOG_LEVEL"

// Default returns a ServerConfig with every field at its default value, for
// callers that run without a config file on disk.
func Default() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates the YAML config at path, applying defaults and
// the SHANNON_LOG_LEVEL environment override.
func Load(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	cfg.applyDefaults()
	if level := os.Getenv(envLogLevel); level != "" {
		cfg.Logging.Level = level
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}
	return &cfg, nil
}

func (c *ServerConfig) applyDefaults() {
	if c.Storage.CASRoot == "" {
		c.Storage.CASRoot = "./data/cas"
	}
	if c.Storage.RegistryDBPath == "" {
		c.Storage.RegistryDBPath = "./data/registry.db"
	}
	if c.Storage.SessionDBPath == "" {
		c.Storage.SessionDBPath = "./data/sessions.db"
	}
	if c.Storage.ServerDBPath == "" {
		c.Storage.ServerDBPath = "./data/mcp_servers.db"
	}
	if c.Concurrency.MaxConcurrentSessions <= 0 {
		c.Concurrency.MaxConcurrentSessions = 10
	}
	if c.Concurrency.CASWorkerPoolSize <= 0 {
		c.Concurrency.CASWorkerPoolSize = 4
	}
	if c.Liveness.ProbeInterval <= 0 {
		c.Liveness.ProbeInterval = 5 * time.Second
	}
	if c.Liveness.StaleThreshold <= 0 {
		c.Liveness.StaleThreshold = 90 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *ServerConfig) validate() error {
	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Logging.Level = level
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %q", c.Logging.Level)
	}

	if c.Concurrency.MaxConcurrentSessions < 1 {
		return fmt.Errorf("concurrency.max_concurrent_sessions must be >= 1")
	}

	for i, s := range c.MCPServers {
		if s.ID == "" {
			return fmt.Errorf("mcp_servers[%d].id is required", i)
		}
		if s.Name == "" {
			return fmt.Errorf("mcp_servers[%d].name is required", i)
		}
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				return fmt.Errorf("mcp_servers[%d] (%s): stdio transport requires command", i, s.ID)
			}
		case "sse", "http":
			if s.Endpoint == "" {
				return fmt.Errorf("mcp_servers[%d] (%s): %s transport requires endpoint", i, s.ID, s.Transport)
			}
		default:
			return fmt.Errorf("mcp_servers[%d] (%s): transport must be stdio|sse|http, got %q", i, s.ID, s.Transport)
		}
		switch s.ProtocolPolicy {
		case "", "strict", "supported", "none":
		default:
			return fmt.Errorf("mcp_servers[%d] (%s): protocol_policy must be strict|supported|none, got %q", i, s.ID, s.ProtocolPolicy)
		}
	}

	return nil
}
