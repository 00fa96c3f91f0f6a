package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bc-dunia/shannon-mcp/internal/checkpoint"
	"github.com/bc-dunia/shannon-mcp/internal/events"
	"github.com/bc-dunia/shannon-mcp/internal/mcpcontrol"
	"github.com/bc-dunia/shannon-mcp/internal/metricssink"
	"github.com/bc-dunia/shannon-mcp/internal/registry"
	"github.com/bc-dunia/shannon-mcp/internal/session"
)

var listServers bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, or with --servers, registered MCP servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if listServers {
			store, err := mcpcontrol.OpenStore(cfg.Storage.ServerDBPath)
			if err != nil {
				return fmt.Errorf("opening server store: %w", err)
			}
			defer store.Close()

			logger := events.NewEventLoggerWithWriter("shannonctl", os.Stderr)
			mgr := mcpcontrol.New(store, logger)
			if err := mgr.LoadPersisted(ctx); err != nil {
				return fmt.Errorf("loading persisted servers: %w", err)
			}
			if err := syncConfiguredServers(ctx, mgr, cfg); err != nil {
				return err
			}

			servers := mgr.ListServers()
			if len(servers) == 0 {
				fmt.Println("no MCP servers registered")
				return nil
			}
			for _, s := range servers {
				view, connected := mgr.GetConnection(s.ID)
				state := "DISCONNECTED"
				if connected {
					state = string(view.State)
				}
				fmt.Printf("%-20s transport=%-6s enabled=%-5t state=%s\n", s.Name, s.Transport, s.Enabled, state)
			}
			return nil
		}

		store, err := session.OpenStore(cfg.Storage.SessionDBPath)
		if err != nil {
			return fmt.Errorf("opening session store: %w", err)
		}
		defer store.Close()

		reg, err := registry.Open(cfg.Storage.RegistryDBPath)
		if err != nil {
			return fmt.Errorf("opening registry: %w", err)
		}
		defer reg.Close()

		logger := events.NewEventLoggerWithWriter("shannonctl", os.Stderr)
		mgr := session.New(store, reg, checkpoint.New(nil), logger, metricssink.Noop{},
			session.NewExecSpawner("true"), cfg.Concurrency.MaxConcurrentSessions)

		sessions, err := mgr.ListSessions(ctx, session.Filter{})
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		for _, s := range sessions {
			fmt.Printf("%-36s status=%-10s project=%s\n", s.ID, s.Status, s.ProjectPath)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVar(&listServers, "servers", false, "List MCP servers instead of sessions")
	rootCmd.AddCommand(listCmd)
}
