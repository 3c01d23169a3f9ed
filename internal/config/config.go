// Package config loads server and CLI configuration from an optional YAML
// file overlaid by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"teleprompter/pkg/webrtc/ice"
)

const defaultPath = "config.yaml"

// Relay backends.
const (
	RelayWebSocket = "ws"
	RelayRedis     = "redis"
	RelayNATS      = "nats"
)

type HTTP struct {
	Addr      string `yaml:"addr"`      // ":8080"
	StaticDir string `yaml:"staticDir"` // "../frontend/dist"
	// PublicOrigin is the origin remotes open, e.g. "http://192.168.1.20:8080".
	// Empty means derive it from Addr and the LAN address.
	PublicOrigin string        `yaml:"publicOrigin"`
	PublicWSURL  string        `yaml:"publicWSURL"`
	AllowOrigins []string      `yaml:"allowOrigins"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

type Redis struct {
	Addr   string `yaml:"addr"` // empty disables Redis
	Prefix string `yaml:"prefix"`
}

type NATS struct {
	URL string `yaml:"url"`
}

// Relay selects the relayed transport used by the CLI clients.
type Relay struct {
	Backend string `yaml:"backend"` // ws|redis|nats
	// URL is the relay WebSocket endpoint, e.g. "ws://localhost:8080/relay".
	URL string `yaml:"url"`
	// BrokerURL is the peer broker endpoint, e.g. "ws://localhost:8080/peer".
	BrokerURL string `yaml:"brokerURL"`
}

type Session struct {
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	EchoState      bool          `yaml:"echoState"`
	Advertise      bool          `yaml:"advertise"`
}

type Settings struct {
	DBPath string `yaml:"dbPath"`
}

type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // console|json
}

type Config struct {
	HTTP     HTTP         `yaml:"http"`
	Redis    Redis        `yaml:"redis"`
	NATS     NATS         `yaml:"nats"`
	Relay    Relay        `yaml:"relay"`
	ICE      ice.Settings `yaml:"ice"`
	Session  Session      `yaml:"session"`
	Settings Settings     `yaml:"settings"`
	Logging  Logging      `yaml:"logging"`
}

// Load reads CONFIG_PATH (default config.yaml). A missing file is not an
// error unless CONFIG_PATH names it explicitly.
func Load() (*Config, error) {
	path, explicit := os.LookupEnv("CONFIG_PATH")
	if !explicit || path == "" {
		path = defaultPath
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.HTTP.Addr, "ADDR")
	setString(&c.HTTP.StaticDir, "STATIC_DIR")
	setString(&c.HTTP.PublicOrigin, "PUBLIC_ORIGIN")
	setString(&c.HTTP.PublicWSURL, "PUBLIC_WS_URL")
	if v := strings.TrimSpace(os.Getenv("ALLOW_ORIGINS")); v != "" {
		c.HTTP.AllowOrigins = splitAndClean(v)
	}
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Prefix, "REDIS_PREFIX")
	setString(&c.NATS.URL, "NATS_URL")
	setString(&c.Relay.Backend, "RELAY_BACKEND")
	setString(&c.Relay.URL, "RELAY_URL")
	setString(&c.Relay.BrokerURL, "BROKER_URL")
	setString(&c.Settings.DBPath, "SETTINGS_DB")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")

	if v := strings.TrimSpace(os.Getenv("CONNECT_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CONNECT_TIMEOUT: %w", err)
		}
		c.Session.ConnectTimeout = d
	}
	if v := strings.TrimSpace(os.Getenv("ECHO_STATE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ECHO_STATE: %w", err)
		}
		c.Session.EchoState = b
	}

	c.ICE = ice.SettingsFromEnv(c.ICE)
	return nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.StaticDir == "" {
		c.HTTP.StaticDir = "../frontend/dist"
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = 15 * time.Second
	}
	if c.HTTP.IdleTimeout == 0 {
		c.HTTP.IdleTimeout = 60 * time.Second
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "teleprompter"
	}
	if c.Relay.Backend == "" {
		c.Relay.Backend = RelayWebSocket
	}
	c.Relay.Backend = strings.ToLower(strings.TrimSpace(c.Relay.Backend))
	if c.Relay.URL == "" {
		c.Relay.URL = "ws://localhost" + portOf(c.HTTP.Addr) + "/relay"
	}
	if c.Relay.BrokerURL == "" {
		c.Relay.BrokerURL = "ws://localhost" + portOf(c.HTTP.Addr) + "/peer"
	}
	if c.Session.ConnectTimeout == 0 {
		c.Session.ConnectTimeout = 10 * time.Second
	}
	if c.Session.MaxAttempts == 0 {
		c.Session.MaxAttempts = 5
	}
	if c.Settings.DBPath == "" {
		c.Settings.DBPath = "teleprompter.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

func (c *Config) validate() error {
	switch c.Relay.Backend {
	case RelayWebSocket:
	case RelayRedis:
		if c.Redis.Addr == "" {
			return errors.New("relay backend redis requires redis.addr")
		}
	case RelayNATS:
		if c.NATS.URL == "" {
			return errors.New("relay backend nats requires nats.url")
		}
	default:
		return fmt.Errorf("unknown relay backend %q", c.Relay.Backend)
	}
	if c.Session.ConnectTimeout < 0 {
		return errors.New("session.connectTimeout must be positive")
	}
	if c.Session.MaxAttempts < 1 {
		return errors.New("session.maxAttempts must be at least 1")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}

// Port returns the numeric listen port of HTTP.Addr, 0 if it has none.
func (c *Config) Port() int {
	p, _ := strconv.Atoi(strings.TrimPrefix(portOf(c.HTTP.Addr), ":"))
	return p
}

func portOf(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i:]
	}
	return ""
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func splitAndClean(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
