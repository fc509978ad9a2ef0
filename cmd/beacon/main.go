package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/thobiasn/beacon/internal/tui"
)

// version is set via -ldflags at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// clientFlags are the connection flags shared by the dashboard and report.
type clientFlags struct {
	socket string
	addr   string
	config string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.socket, "socket", "", "agent unix socket (default from client config)")
	cmd.PersistentFlags().StringVar(&f.addr, "addr", "", "agent TCP address host:port, overrides --socket")
	cmd.PersistentFlags().StringVar(&f.config, "config", "", "client config file (default $XDG_CONFIG_HOME/beacon/config.toml)")
}

// resolve loads the client config and applies flag overrides. A missing
// default config is created; an explicit --config must exist.
func (f *clientFlags) resolve() (*tui.Config, error) {
	var cfg *tui.Config
	if f.config != "" {
		c, err := tui.LoadConfig(f.config)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		path, err := tui.EnsureDefaultConfig("")
		if err != nil {
			// Read-only home: run on defaults.
			cfg = tui.DefaultConfig()
		} else if cfg, err = tui.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if f.socket != "" {
		cfg.Agent.Socket = f.socket
		cfg.Agent.Addr = ""
	}
	if f.addr != "" {
		cfg.Agent.Addr = f.addr
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	flags := &clientFlags{}
	root := &cobra.Command{
		Use:   "beacon",
		Short: "Live dashboard for containers and workers",
		Long: `beacon shows every entity the agent knows about, grouped into tabs,
with status, errors, timings, a live log tail and a camera preview.

Run "beacon agent" on the host to collect, then "beacon" to watch.`,
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.resolve()
			if err != nil {
				return err
			}
			return runDashboard(cfg)
		},
	}
	root.SetVersionTemplate(`{{printf "beacon %s\n" .Version}}`)
	flags.register(root)

	root.AddCommand(newAgentCmd())
	root.AddCommand(newReportCmd(flags))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "beacon %s\n", version)
		},
	}
}

func runDashboard(cfg *tui.Config) error {
	if os.Getenv("BEACON_DEBUG") != "" {
		f, err := tea.LogToFile("beacon-debug.log", "beacon")
		if err != nil {
			return fmt.Errorf("debug log: %w", err)
		}
		defer f.Close()
	}

	ctx, cancel := dialContext()
	defer cancel()
	client, err := tui.Dial(ctx, cfg.Agent.Socket, cfg.Agent.Addr)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	app := tui.NewApp(client, cfg)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithReportFocus())

	// Share the program with the app so the client reader and media
	// goroutines can send messages.
	app.SetProgram(p)

	model, err := p.Run()
	if err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	if final, ok := model.(tui.App); ok && final.Err() != nil {
		return final.Err()
	}
	return nil
}
