package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bc-dunia/shannon-mcp/internal/events"
	"github.com/bc-dunia/shannon-mcp/internal/mcpcontrol"
)

var (
	discoverManifestURL string
	discoverJSON        bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover MCP servers on the local machine, Claude config, or a manifest URL",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		var found []mcpcontrol.DiscoveredServer

		if discoverManifestURL != "" {
			found, err = mgr.DiscoverManifest(ctx, discoverManifestURL)
			if err != nil {
				return fmt.Errorf("discovering from manifest: %w", err)
			}
		} else {
			local, err := mgr.DiscoverLocal(ctx)
			if err != nil {
				return fmt.Errorf("discovering local executables: %w", err)
			}
			claude, err := mgr.DiscoverClaudeConfig(ctx)
			if err != nil {
				return fmt.Errorf("discovering claude config: %w", err)
			}
			found = append(local, claude...)
		}

		if discoverJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(found)
		}

		if len(found) == 0 {
			fmt.Println("no MCP servers discovered")
			return nil
		}
		for _, s := range found {
			fmt.Printf("%-20s transport=%-6s command=%s endpoint=%s\n", s.Name, s.Transport, s.Command, s.Endpoint)
		}
		return nil
	},
}

func init() {
	discoverCmd.Flags().StringVar(&discoverManifestURL, "manifest", "", "Fetch server list from this manifest URL instead of scanning locally")
	discoverCmd.Flags().BoolVar(&discoverJSON, "json", false, "Print results as JSON")
	rootCmd.AddCommand(discoverCmd)
}
