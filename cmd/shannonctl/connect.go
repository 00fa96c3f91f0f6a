package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bc-dunia/shannon-mcp/internal/events"
	"github.com/bc-dunia/shannon-mcp/internal/mcp"
	"github.com/bc-dunia/shannon-mcp/internal/mcpcontrol"
)

var (
	connectID             string
	connectName           string
	connectTransport      string
	connectCommand        string
	connectArgs           []string
	connectEndpoint       string
	connectProtocolPolicy string
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Register an MCP server (if new) and connect to it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if connectID == "" {
			return fmt.Errorf("--id is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := mcpcontrol.OpenStore(cfg.Storage.ServerDBPath)
		if err != nil {
			return fmt.Errorf("opening server store: %w", err)
		}
		defer store.Close()

		logger := events.NewEventLoggerWithWriter("shannonctl", os.Stderr)
		mgr := mcpcontrol.New(store, logger)
		ctx := cmd.Context()

		if err := mgr.LoadPersisted(ctx); err != nil {
			return fmt.Errorf("loading persisted servers: %w", err)
		}
		if err := syncConfiguredServers(ctx, mgr, cfg); err != nil {
			return err
		}

		if _, ok := mgr.GetServer(connectID); !ok {
			if connectName == "" {
				return fmt.Errorf("--name is required when registering a new server")
			}
			server := &mcpcontrol.Server{
				ID:             connectID,
				Name:           connectName,
				Transport:      mcpcontrol.TransportType(strings.ToLower(connectTransport)),
				Command:        connectCommand,
				Args:           connectArgs,
				Endpoint:       connectEndpoint,
				Enabled:        true,
				ProtocolPolicy: mcp.ParseVersionPolicy(connectProtocolPolicy),
			}
			if err := mgr.AddServer(ctx, server); err != nil {
				return fmt.Errorf("registering server: %w", err)
			}
			fmt.Printf("registered server %s (%s)\n", server.ID, server.Transport)
		}

		view, err := mgr.ConnectServer(ctx, connectID)
		if err != nil {
			return fmt.Errorf("connecting to server: %w", err)
		}
		fmt.Printf("server %s state=%s transport=%s\n", connectID, view.State, view.TransportName)
		return nil
	},
}

func init() {
	connectCmd.Flags().StringVar(&connectID, "id", "", "Server ID (required)")
	connectCmd.Flags().StringVar(&connectName, "name", "", "Server name (required when registering)")
	connectCmd.Flags().StringVar(&connectTransport, "transport", "stdio", "Transport: stdio|sse|http")
	connectCmd.Flags().StringVar(&connectCommand, "command", "", "Executable for stdio transport")
	connectCmd.Flags().StringSliceVar(&connectArgs, "arg", nil, "Argument for stdio transport (repeatable)")
	connectCmd.Flags().StringVar(&connectEndpoint, "endpoint", "", "Endpoint URL for sse|http transport")
	connectCmd.Flags().StringVar(&connectProtocolPolicy, "protocol-policy", "strict", "MCP protocol version policy when registering: strict|supported|none")
	rootCmd.AddCommand(connectCmd)
}
