package tui

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/lipgloss"
)

// DefaultSocket is where the agent listens unless configured otherwise.
const DefaultSocket = "/run/beacon/beacon.sock"

// AgentConfig describes how to reach the agent.
type AgentConfig struct {
	Socket string `toml:"socket"` // unix socket path
	Addr   string `toml:"addr"`   // host:port, takes precedence over socket
}

// DisplayConfig controls panel layout.
type DisplayConfig struct {
	LogLines   int `toml:"log_lines"`   // log lines shown per panel
	PanelWidth int `toml:"panel_width"` // minimum panel width in columns
}

// ThemeConfig holds optional color overrides. Empty strings use ANSI defaults.
// Values can be ANSI numbers ("1"), 256-palette numbers ("196"), or hex ("#ff0000").
type ThemeConfig struct {
	Fg       string `toml:"fg"`
	FgDim    string `toml:"fg_dim"`
	FgBright string `toml:"fg_bright"`
	Border   string `toml:"border"`
	Accent   string `toml:"accent"`
	Healthy  string `toml:"healthy"`
	Warning  string `toml:"warning"`
	Critical string `toml:"critical"`
}

// Config is the client-side configuration.
type Config struct {
	Agent   AgentConfig   `toml:"agent"`
	Display DisplayConfig `toml:"display"`
	Theme   ThemeConfig   `toml:"theme"`
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/beacon/config.toml,
// falling back to ~/.config/beacon/config.toml if unset.
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "beacon", "config.toml")
}

const defaultConfigContent = `# Beacon client configuration.
#
# [agent]
# socket = "/run/beacon/beacon.sock"
# addr = "10.0.0.5:9011"          # TCP instead of the unix socket
#
# [display]
# log_lines = 6                   # log lines per panel
# panel_width = 56                # minimum panel width
#
# [theme]
# Colors default to ANSI (0-15) so the TUI inherits your terminal theme.
# Override with ANSI numbers, 256-palette numbers, or hex values.
# fg = "7"
# fg_dim = "8"
# fg_bright = "15"
# border = "8"
# accent = "4"
# healthy = "2"
# warning = "3"
# critical = "1"
`

// EnsureDefaultConfig creates the default config file if it does not exist.
// Returns the path to the config file.
func EnsureDefaultConfig(path string) (string, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigContent), 0o644); err != nil {
		return "", fmt.Errorf("write default config: %w", err)
	}
	return path, nil
}

// LoadConfig reads and parses a TOML client config file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.setDefaults()
	if cfg.Display.LogLines > 100 {
		return nil, fmt.Errorf("load config: display.log_lines must be at most 100, got %d", cfg.Display.LogLines)
	}
	return &cfg, nil
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

func (c *Config) setDefaults() {
	if c.Agent.Socket == "" {
		c.Agent.Socket = DefaultSocket
	}
	if c.Display.LogLines <= 0 {
		c.Display.LogLines = 6
	}
	if c.Display.PanelWidth <= 0 {
		c.Display.PanelWidth = 56
	}
}

// BuildTheme returns a Theme starting from ANSI defaults with any
// non-empty ThemeConfig fields applied as overrides.
func BuildTheme(tc ThemeConfig) Theme {
	t := TerminalTheme()
	override := func(dst *lipgloss.Color, src string) {
		if src != "" {
			*dst = lipgloss.Color(src)
		}
	}
	override(&t.Fg, tc.Fg)
	override(&t.FgDim, tc.FgDim)
	override(&t.FgBright, tc.FgBright)
	override(&t.Border, tc.Border)
	override(&t.Accent, tc.Accent)
	override(&t.Healthy, tc.Healthy)
	override(&t.Warning, tc.Warning)
	override(&t.Critical, tc.Critical)
	return t
}
