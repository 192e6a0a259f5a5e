package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultTmuxPane is window 0, pane 1: pane 0 runs the server itself.
const DefaultTmuxPane = "0.1"

// PaneTarget is the tmux target for window.pane in session. An empty pane
// means DefaultTmuxPane.
func PaneTarget(session, pane string) string {
	if pane == "" {
		pane = DefaultTmuxPane
	}
	return session + ":" + pane
}

type Config struct {
	Server ServerConfig `yaml:"server" toml:"server"`
	Tmux   TmuxConfig   `yaml:"tmux" toml:"tmux"`
}

// ServerConfig configures the event server. An empty Session disables the
// tmux session watchdog.
type ServerConfig struct {
	Host             string `yaml:"host" toml:"host"`
	Port             int    `yaml:"port" toml:"port"`
	Session          string `yaml:"session" toml:"session"`
	LogPath          string `yaml:"log_path" toml:"log_path"`
	ResponseDir      string `yaml:"response_dir" toml:"response_dir"`
	QueueSize        int    `yaml:"queue_size" toml:"queue_size"`
	FanoutSize       int    `yaml:"fanout_size" toml:"fanout_size"`
	PollIntervalMs   int    `yaml:"poll_interval_ms" toml:"poll_interval_ms"`
	ShutdownGraceMs  int    `yaml:"shutdown_grace_ms" toml:"shutdown_grace_ms"`
	DeliverTimeoutMs int    `yaml:"deliver_timeout_ms" toml:"deliver_timeout_ms"`
}

// TmuxConfig configures the tmux collaborator. DefaultPane is the
// window.pane suffix targeted by outbox responses that carry no pane id.
type TmuxConfig struct {
	Bin         string `yaml:"bin" toml:"bin"`
	Socket      string `yaml:"socket" toml:"socket"`
	DefaultPane string `yaml:"default_pane" toml:"default_pane"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads a YAML config file, or TOML when the file ends in .toml.
// An empty path yields the defaults plus environment overrides.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse toml config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 4318
	}
	if c.Server.LogPath == "" {
		c.Server.LogPath = filepath.Join(".axel", "events.jsonl")
	}
	if c.Server.ResponseDir == "" {
		c.Server.ResponseDir = ".axel"
	}
	if c.Server.QueueSize == 0 {
		c.Server.QueueSize = 1000
	}
	if c.Server.FanoutSize == 0 {
		c.Server.FanoutSize = 100
	}
	if c.Server.PollIntervalMs == 0 {
		c.Server.PollIntervalMs = 5000
	}
	if c.Server.ShutdownGraceMs == 0 {
		c.Server.ShutdownGraceMs = 10000
	}
	if c.Server.DeliverTimeoutMs == 0 {
		c.Server.DeliverTimeoutMs = 5000
	}
	if c.Tmux.Bin == "" {
		c.Tmux.Bin = "tmux"
	}
	if c.Tmux.DefaultPane == "" {
		c.Tmux.DefaultPane = DefaultTmuxPane
	}
}

// Environment overrides sit between the file and command-line flags.
func (c *Config) applyEnv() {
	if v := os.Getenv("AXEL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("AXEL_SESSION"); v != "" {
		c.Server.Session = v
	}
	if v := os.Getenv("AXEL_LOG_PATH"); v != "" {
		c.Server.LogPath = v
	}
	if v := os.Getenv("AXEL_TMUX_SOCKET"); v != "" {
		c.Tmux.Socket = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Server.QueueSize < 0 {
		return fmt.Errorf("queue_size must be positive, got %d", c.Server.QueueSize)
	}
	if c.Server.FanoutSize < 0 {
		return fmt.Errorf("fanout_size must be positive, got %d", c.Server.FanoutSize)
	}
	return nil
}

func (s ServerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

func (s ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceMs) * time.Millisecond
}

func (s ServerConfig) DeliverTimeout() time.Duration {
	return time.Duration(s.DeliverTimeoutMs) * time.Millisecond
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
