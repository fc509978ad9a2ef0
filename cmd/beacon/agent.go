package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thobiasn/beacon/internal/agent"
)

func newAgentCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the collecting agent",
		Long: `Run the agent: list docker containers, accept worker reports over the
socket and MQTT, serve per-entity logs over HTTP and push snapshots to
dashboards. SIGHUP or editing the config file reloads it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "agent config file (defaults when empty)")
	return cmd
}

func loadAgentConfig(path string) (*agent.Config, error) {
	if path == "" {
		return agent.DefaultConfig(), nil
	}
	return agent.LoadConfig(path)
}

func runAgent(parent context.Context, configPath string) error {
	cfg, err := loadAgentConfig(configPath)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(cfg, configPath, version)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	// SIGHUP triggers config reload.
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sighup:
				if err := a.Reload(); err != nil {
					slog.Error("config reload failed", "error", err)
				}
			}
		}
	}()

	start := time.Now()
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("agent stopped: %w", err)
	}
	slog.Info("agent exited", "uptime", time.Since(start).Round(time.Second))
	return nil
}
