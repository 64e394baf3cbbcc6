// Package config handles TOML configuration loading with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for bdslink.
type Config struct {
	Instance InstanceConfig `toml:"instance"`
	Link     LinkConfig     `toml:"link"`
	Sink     SinkConfig     `toml:"sink"`
	DB       DBConfig       `toml:"db"`
	Risk     RiskConfig     `toml:"risk"`
	Log      LogConfig      `toml:"log"`
}

// InstanceConfig identifies this sender.
type InstanceConfig struct {
	ID string `toml:"id"`
}

// LinkConfig controls the outbound connection to the monitoring server.
type LinkConfig struct {
	Host              string   `toml:"host"`
	Port              int      `toml:"port"`
	ReconnectInterval Duration `toml:"reconnect_interval"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	ConnectTimeout    Duration `toml:"connect_timeout"`
	WriteTimeout      Duration `toml:"write_timeout"`
	MinSendInterval   Duration `toml:"min_send_interval"`
}

// SinkConfig controls the local test sink server.
type SinkConfig struct {
	Listen  string `toml:"listen"`
	Persist bool   `toml:"persist"`
}

// DBConfig controls the sink message store.
type DBConfig struct {
	Path      string   `toml:"path"`
	Retention Duration `toml:"retention"`
}

// RiskConfig tunes the risk assessment pipeline.
type RiskConfig struct {
	// DowngradeHold is how many consecutive lower assessments are
	// required before the reported level de-escalates.
	DowngradeHold int `toml:"downgrade_hold"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Duration wraps time.Duration for TOML string parsing (e.g. "5s", "1m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return &Config{
		Instance: InstanceConfig{
			ID: hostname,
		},
		Link: LinkConfig{
			Host:              "localhost",
			Port:              5200,
			ReconnectInterval: Duration{5 * time.Second},
			HeartbeatInterval: Duration{30 * time.Second},
			ConnectTimeout:    Duration{5 * time.Second},
			WriteTimeout:      Duration{2 * time.Second},
			MinSendInterval:   Duration{time.Second},
		},
		Sink: SinkConfig{
			Listen: "localhost:5200",
		},
		DB: DBConfig{
			Retention: Duration{7 * 24 * time.Hour},
		},
		Risk: RiskConfig{
			DowngradeHold: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(configDir, "bdslink", "config.toml")
}

// DBPath returns the configured message store path, or the default under
// the user data directory.
func (c *Config) DBPath() string {
	if c.DB.Path != "" {
		return c.DB.Path
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "bdslink", "messages.db")
}

// Load reads configuration from the given path, falling back to defaults
// for any unset fields. If the file does not exist, returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects configurations that can never connect. Transient
// network trouble is retried forever, but a malformed endpoint is fatal.
func (c *Config) Validate() error {
	if c.Link.Host == "" {
		return fmt.Errorf("link.host is empty")
	}
	if c.Link.Port < 1 || c.Link.Port > 65535 {
		return fmt.Errorf("link.port %d out of range", c.Link.Port)
	}
	if c.Link.ReconnectInterval.Duration <= 0 {
		return fmt.Errorf("link.reconnect_interval must be positive")
	}
	if c.Link.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("link.heartbeat_interval must be positive")
	}
	if c.Risk.DowngradeHold < 1 {
		return fmt.Errorf("risk.downgrade_hold must be at least 1")
	}
	return nil
}
