// Command shannonctl is the CLI entrypoint for the session-orchestration
// server: running sessions, discovering and connecting to MCP servers, and
// listing catalog state. Built on cobra rather than a hand-rolled flag
// package, matching the cobra rootCmd/subcommand-file shape of
// Ekats-Mycelica's spore/cmd.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bc-dunia/shannon-mcp/internal/config"
	"github.com/bc-dunia/shannon-mcp/internal/mcp"
	"github.com/bc-dunia/shannon-mcp/internal/mcpcontrol"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "shannonctl",
	Short: "Control plane for session-orchestrated CLI agents and MCP servers",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "shannonctl.yaml", "Path to server config YAML")
}

func loadConfig() (*config.ServerConfig, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// syncConfiguredServers registers every statically-configured server from
// cfg.MCPServers that isn't already in the catalog. Operators can
// pre-declare servers in shannonctl.yaml instead of registering each one
// via `shannonctl connect`.
func syncConfiguredServers(ctx context.Context, mgr *mcpcontrol.Manager, cfg *config.ServerConfig) error {
	for _, s := range cfg.MCPServers {
		if _, ok := mgr.GetServer(s.ID); ok {
			continue
		}
		server := &mcpcontrol.Server{
			ID:                  s.ID,
			Name:                s.Name,
			Transport:           mcpcontrol.TransportType(s.Transport),
			Command:             s.Command,
			Args:                s.Args,
			Env:                 s.Env,
			Endpoint:            s.Endpoint,
			HealthCheckInterval: s.HealthCheckInterval,
			Enabled:             s.Enabled,
			ProtocolPolicy:      mcp.ParseVersionPolicy(s.ProtocolPolicy),
		}
		if err := mgr.AddServer(ctx, server); err != nil {
			return fmt.Errorf("registering configured server %s: %w", s.ID, err)
		}
	}
	return nil
}
