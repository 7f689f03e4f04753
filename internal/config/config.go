package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// TokenEnv names the environment variable holding the bearer credential.
const TokenEnv = "LIVESYNC_TOKEN"

type Config struct {
	DevMode   bool            `yaml:"dev_mode"`
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Activity  ActivityConfig  `yaml:"activity"`
	Poller    PollerConfig    `yaml:"poller"`
	Device    DeviceConfig    `yaml:"device"`
	DevServer DevServerConfig `yaml:"devserver"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	WSURL     string `yaml:"ws_url"`
	HTTPBase  string `yaml:"http_base"`
	CheckPath string `yaml:"check_path"`
	Token     string `yaml:"token"`
	HTTP2     bool   `yaml:"http2"`
}

type TransportConfig struct {
	MaxFailures   int           `yaml:"max_failures"`
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	PongTimeout   time.Duration `yaml:"pong_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// SchedulerConfig bounds the pre-refresh stagger. A negative MaxStagger
// disables it.
type SchedulerConfig struct {
	MaxStagger time.Duration `yaml:"max_stagger"`
}

type ActivityConfig struct {
	SafeZones   []string      `yaml:"safe_zones"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type PollerConfig struct {
	Ladder         []time.Duration `yaml:"ladder"`
	Dev            time.Duration   `yaml:"dev"`
	ActiveSession  time.Duration   `yaml:"active_session"`
	MobileBattery  time.Duration   `yaml:"mobile_battery"`
	Mobile         time.Duration   `yaml:"mobile"`
	Background     time.Duration   `yaml:"background"`
	Default        time.Duration   `yaml:"default"`
	ErrorThreshold int             `yaml:"error_threshold"`
	CheckTimeout   time.Duration   `yaml:"check_timeout"`
}

// DeviceConfig controls the host probe. Mobile and OnBattery, when set,
// replace the probe with a fixed profile.
type DeviceConfig struct {
	Probe          bool          `yaml:"probe"`
	Interval       time.Duration `yaml:"interval"`
	PowerSupplyDir string        `yaml:"power_supply_dir"`
	Mobile         *bool         `yaml:"mobile"`
	OnBattery      *bool         `yaml:"on_battery"`
}

type DevServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Token             string        `yaml:"token"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	MaxConns          int           `yaml:"max_conns"`
	History           int           `yaml:"history"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			WSURL:     "ws://127.0.0.1:8080/ws",
			HTTPBase:  "http://127.0.0.1:8080",
			CheckPath: "/api/updates/check",
		},
		Transport: TransportConfig{
			MaxFailures:   5,
			ReconnectBase: time.Second,
			ReconnectMax:  5 * time.Second,
			PingInterval:  30 * time.Second,
			PongTimeout:   60 * time.Second,
			WriteTimeout:  10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MaxStagger: 5 * time.Second,
		},
		Activity: ActivityConfig{
			SafeZones:   []string{"/quiz", "/payment", "/checkout", "/sessions/*/live"},
			IdleTimeout: 60 * time.Second,
		},
		Poller: PollerConfig{
			Ladder:         []time.Duration{60 * time.Second, 180 * time.Second, 300 * time.Second, 600 * time.Second},
			Dev:            60 * time.Second,
			ActiveSession:  30 * time.Second,
			MobileBattery:  600 * time.Second,
			Mobile:         300 * time.Second,
			Background:     300 * time.Second,
			Default:        90 * time.Second,
			ErrorThreshold: 3,
			CheckTimeout:   15 * time.Second,
		},
		Device: DeviceConfig{
			Probe:    true,
			Interval: time.Minute,
		},
		DevServer: DevServerConfig{
			Host:              "127.0.0.1",
			Port:              8080,
			BroadcastInterval: 20 * time.Second,
			MaxConns:          1000,
			History:           256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Default returns the stock configuration with the environment applied.
func Default() *Config {
	cfg := defaultConfig()
	cfg.applyEnv()
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does
// not exist. An empty path means defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// LoadDotEnv reads KEY=VALUE pairs from files into the environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// applyEnv fills secrets from the environment. The environment wins over
// the file.
func (c *Config) applyEnv() {
	if tok := strings.TrimSpace(os.Getenv(TokenEnv)); tok != "" {
		c.Server.Token = tok
		if c.DevServer.Token == "" {
			c.DevServer.Token = tok
		}
	}
}

// Validate checks ranges the components depend on.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.WSURL == "" && c.Server.HTTPBase == "" {
		errs = append(errs, errors.New("server: ws_url or http_base is required"))
	}
	if c.Transport.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("transport.max_failures: must be at least 1, got %d", c.Transport.MaxFailures))
	}
	if c.Transport.ReconnectBase <= 0 || c.Transport.ReconnectMax < c.Transport.ReconnectBase {
		errs = append(errs, fmt.Errorf("transport: reconnect_base %v must be positive and not above reconnect_max %v",
			c.Transport.ReconnectBase, c.Transport.ReconnectMax))
	}
	if len(c.Poller.Ladder) == 0 {
		errs = append(errs, errors.New("poller.ladder: at least one step required"))
	}
	for i, d := range c.Poller.Ladder {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("poller.ladder[%d]: must be positive", i))
		}
	}
	if c.Poller.ErrorThreshold < 1 {
		errs = append(errs, fmt.Errorf("poller.error_threshold: must be at least 1, got %d", c.Poller.ErrorThreshold))
	}
	if c.DevServer.Port < 0 || c.DevServer.Port > 65535 {
		errs = append(errs, fmt.Errorf("devserver.port: out of range %d", c.DevServer.Port))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// DevServerAddr is host:port for the local server.
func (c *Config) DevServerAddr() string {
	return fmt.Sprintf("%s:%d", c.DevServer.Host, c.DevServer.Port)
}
