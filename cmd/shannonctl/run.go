package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bc-dunia/shannon-mcp/internal/cas"
	"github.com/bc-dunia/shannon-mcp/internal/checkpoint"
	"github.com/bc-dunia/shannon-mcp/internal/events"
	"github.com/bc-dunia/shannon-mcp/internal/metricssink"
	"github.com/bc-dunia/shannon-mcp/internal/registry"
	"github.com/bc-dunia/shannon-mcp/internal/session"
)

var (
	runProjectPath string
	runPrompt      string
	runModel       string
	runTemperature float64
	runMaxTokens   int
	runAgentCmd    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create, start, and stream a single CLI agent session to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
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

		casStore, err := cas.Open(cas.Options{Path: cfg.Storage.CASRoot, DeduplicationEnabled: true})
		if err != nil {
			return fmt.Errorf("opening CAS: %w", err)
		}

		checkpoints := checkpoint.New(casStore)
		logger := events.NewEventLoggerWithWriter("shannonctl", os.Stderr)

		mgr := session.New(store, reg, checkpoints, logger, metricssink.Noop{},
			session.NewExecSpawner(runAgentCmd), cfg.Concurrency.MaxConcurrentSessions)

		ctx := cmd.Context()
		id := uuid.NewString()

		sess, err := mgr.CreateSession(ctx, id, session.CreateParams{
			ProjectPath: runProjectPath,
			Prompt:      runPrompt,
			Model:       runModel,
			Temperature: runTemperature,
			MaxTokens:   runMaxTokens,
		})
		if err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
		fmt.Printf("session %s created (model=%s)\n", sess.ID, sess.Model)

		stream, unsubscribe, err := mgr.Subscribe(id)
		if err != nil {
			return fmt.Errorf("subscribing to session: %w", err)
		}
		defer unsubscribe()

		if err := mgr.StartSession(ctx, id); err != nil {
			return fmt.Errorf("starting session: %w", err)
		}

		for ev := range stream {
			line, err := json.Marshal(ev.Fields)
			if err != nil {
				continue
			}
			fmt.Println(string(line))
		}

		final, err := mgr.GetSession(ctx, id)
		if err != nil {
			return fmt.Errorf("fetching final session state: %w", err)
		}
		fmt.Printf("session %s finished: %s\n", final.ID, final.Status)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runProjectPath, "project", "", "Project path for the session (required)")
	runCmd.Flags().StringVar(&runPrompt, "prompt", "", "Prompt to send to the agent")
	runCmd.Flags().StringVar(&runModel, "model", session.DefaultModel, "Model name")
	runCmd.Flags().Float64Var(&runTemperature, "temperature", session.DefaultTemperature, "Sampling temperature [0,1]")
	runCmd.Flags().IntVar(&runMaxTokens, "max-tokens", session.DefaultMaxTokens, "Max output tokens")
	runCmd.Flags().StringVar(&runAgentCmd, "agent-cmd", "claude", "Executable to spawn for the agent")
	runCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(runCmd)
}
