package agent

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"strings"
	"text/template"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for TOML string parsing ("50ms", "2s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	return nil
}

const minCollectInterval = 10 * time.Millisecond

type Config struct {
	Storage StorageConfig `toml:"storage"`
	Socket  SocketConfig  `toml:"socket"`
	HTTP    HTTPConfig    `toml:"http"`
	Docker  DockerConfig  `toml:"docker"`
	Collect CollectConfig `toml:"collect"`
	Workers WorkersConfig `toml:"workers"`
	MQTT    MQTTConfig    `toml:"mqtt"`
	Notify  NotifyConfig  `toml:"notify"`
}

type StorageConfig struct {
	Path          string `toml:"path"`
	RetentionDays int    `toml:"retention_days"`
}

type SocketConfig struct {
	Path string `toml:"path"`
	// Listen is an optional TCP address served alongside the Unix socket.
	Listen string `toml:"listen"`
}

type HTTPConfig struct {
	Listen string `toml:"listen"`
	// PublicURL is the base clients use to reach the log server. Defaults
	// to http://<listen>.
	PublicURL string `toml:"public_url"`
	// Backlog is how many recent lines per entity a new log stream replays.
	Backlog int `toml:"backlog"`
}

type DockerConfig struct {
	Enabled  *bool    `toml:"enabled"`
	Socket   string   `toml:"socket"`
	Include  []string `toml:"include"`
	Exclude  []string `toml:"exclude"`
	Interval Duration `toml:"interval"`
}

// On reports whether the docker source should run. Unset means on.
func (d DockerConfig) On() bool {
	return d.Enabled == nil || *d.Enabled
}

type CollectConfig struct {
	Interval Duration `toml:"interval"`
}

type WorkersConfig struct {
	StaleAfter Duration `toml:"stale_after"`
}

type MQTTConfig struct {
	Broker   string `toml:"broker"`
	Topic    string `toml:"topic"`
	ClientID string `toml:"client_id"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type NotifyConfig struct {
	Webhooks []WebhookConfig `toml:"webhooks"`
}

type WebhookConfig struct {
	Enabled  bool              `toml:"enabled"`
	URL      string            `toml:"url"`
	Headers  map[string]string `toml:"headers"`
	Template string            `toml:"template"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a config with every default applied, for running
// without a config file.
func DefaultConfig() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/var/lib/beacon/beacon.db"
	}
	if cfg.Storage.RetentionDays == 0 {
		cfg.Storage.RetentionDays = 7
	}
	if cfg.Socket.Path == "" {
		cfg.Socket.Path = "/run/beacon/beacon.sock"
	}
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = "127.0.0.1:9010"
	}
	if cfg.HTTP.PublicURL == "" {
		cfg.HTTP.PublicURL = "http://" + cfg.HTTP.Listen
	}
	cfg.HTTP.PublicURL = strings.TrimRight(cfg.HTTP.PublicURL, "/")
	if cfg.HTTP.Backlog == 0 {
		cfg.HTTP.Backlog = 100
	}
	if cfg.Docker.Socket == "" {
		cfg.Docker.Socket = "/var/run/docker.sock"
	}
	if cfg.Docker.Interval.Duration == 0 {
		cfg.Docker.Interval.Duration = 2 * time.Second
	}
	if cfg.Collect.Interval.Duration == 0 {
		cfg.Collect.Interval.Duration = 50 * time.Millisecond
	}
	if cfg.Workers.StaleAfter.Duration == 0 {
		cfg.Workers.StaleAfter.Duration = 5 * time.Second
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "beacon/status/#"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "beacon-agent"
	}
}

func validate(cfg *Config) error {
	if cfg.Storage.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be >= 1, got %d", cfg.Storage.RetentionDays)
	}
	if cfg.Collect.Interval.Duration < minCollectInterval {
		return fmt.Errorf("collect interval must be >= %s, got %s", minCollectInterval, cfg.Collect.Interval.Duration)
	}
	if cfg.Docker.Interval.Duration < cfg.Collect.Interval.Duration {
		return fmt.Errorf("docker interval must be >= collect interval, got %s", cfg.Docker.Interval.Duration)
	}
	if cfg.Workers.StaleAfter.Duration <= 0 {
		return fmt.Errorf("stale_after must be positive, got %s", cfg.Workers.StaleAfter.Duration)
	}
	if cfg.HTTP.Backlog < 0 {
		return fmt.Errorf("http backlog must be >= 0, got %d", cfg.HTTP.Backlog)
	}
	if _, _, err := net.SplitHostPort(cfg.HTTP.Listen); err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	if u, err := url.Parse(cfg.HTTP.PublicURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("http public_url must be an http(s) url, got %q", cfg.HTTP.PublicURL)
	}
	if cfg.Socket.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Socket.Listen); err != nil {
			return fmt.Errorf("socket listen: %w", err)
		}
	}
	for _, pat := range append(append([]string{}, cfg.Docker.Include...), cfg.Docker.Exclude...) {
		if _, err := path.Match(pat, ""); err != nil {
			return fmt.Errorf("docker filter %q: %w", pat, err)
		}
	}
	if cfg.MQTT.Broker != "" {
		u, err := url.Parse(cfg.MQTT.Broker)
		if err != nil || u.Host == "" {
			return fmt.Errorf("mqtt broker must be a url like tcp://host:1883, got %q", cfg.MQTT.Broker)
		}
	}
	for i, wh := range cfg.Notify.Webhooks {
		if err := validateWebhook(i, &wh); err != nil {
			return err
		}
	}
	return nil
}

func validateWebhook(idx int, wh *WebhookConfig) error {
	if !wh.Enabled {
		return nil
	}
	if wh.URL == "" {
		return fmt.Errorf("webhook[%d]: url is required when enabled", idx)
	}
	u, err := url.Parse(wh.URL)
	if err != nil {
		return fmt.Errorf("webhook[%d]: invalid url: %w", idx, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook[%d]: url scheme must be http or https", idx)
	}
	for key, val := range wh.Headers {
		if strings.ContainsAny(key, "\r\n") {
			return fmt.Errorf("webhook[%d]: header key contains invalid characters", idx)
		}
		if strings.ContainsAny(val, "\r\n") {
			return fmt.Errorf("webhook[%d]: header value contains invalid characters", idx)
		}
	}
	if wh.Template != "" {
		if _, err := template.New("").Parse(wh.Template); err != nil {
			return fmt.Errorf("webhook[%d]: invalid template: %w", idx, err)
		}
	}
	return nil
}
