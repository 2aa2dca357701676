// Package config provides the gateway's deployment configuration and the
// immutable per-tenant settings snapshots handlers receive.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/EvolutionAPI/evolution-gateway/errors"
)

// Config is the complete deployment configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	Cache     CacheConfig     `yaml:"cache"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Session   SessionConfig   `yaml:"session"`
	Webhook   GlobalWebhook   `yaml:"webhook"`
	Broker    BrokerConfig    `yaml:"rabbitmq"`
	Queue     QueueConfig     `yaml:"queue"`
	Socket    SocketConfig    `yaml:"websocket"`
	CRM       CRMConfig       `yaml:"chatwoot"`
	Bot       BotConfig       `yaml:"typebot"`
}

// ServerConfig describes the admin HTTP surface and the public URL
// carried in envelopes.
type ServerConfig struct {
	Port int    `yaml:"port"`
	URL  string `yaml:"url"` // public server URL, reported in envelopes
}

// EngineConfig selects the protocol engine driver. Drivers register
// themselves at link time; the dev driver ships with the gateway.
type EngineConfig struct {
	Driver string `yaml:"driver"`
}

// LogConfig selects logger level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// AuthConfig holds the deployment-wide admin API key.
type AuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// CacheConfig controls the cache layer. When disabled the no-op variant
// is wired in and every caller behaves identically.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// MetricsConfig describes the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// SessionConfig holds supervisor tunables.
type SessionConfig struct {
	// QRLimit is the number of QR issuances before the session is
	// refused and pairing stops.
	QRLimit int `yaml:"qr_limit"`
	// DedupTTL bounds the ingestion dedup window.
	DedupTTL time.Duration `yaml:"dedup_ttl"`
	// GroupCacheTTL is the staleness window for group metadata.
	GroupCacheTTL time.Duration `yaml:"group_cache_ttl"`
}

// GlobalWebhook is the deployment-wide webhook sink. It is also served
// and updated over the admin API, hence the json tags.
type GlobalWebhook struct {
	Enabled  bool              `json:"enabled"           yaml:"enabled"`
	URL      string            `json:"url"               yaml:"url"`
	ByEvents bool              `json:"webhook_by_events" yaml:"webhook_by_events"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers"`
	Events   []string          `json:"events"            yaml:"events"`
}

// BrokerConfig is the RabbitMQ sink connection.
type BrokerConfig struct {
	Enabled        bool     `yaml:"enabled"`
	URL            string   `yaml:"url"`
	GlobalEnabled  bool     `yaml:"global_enabled"`
	GlobalExchange string   `yaml:"global_exchange"`
	GlobalEvents   []string `yaml:"global_events"`
}

// QueueConfig is the managed-queue sink connection (JetStream).
type QueueConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	StreamPrefix string `yaml:"stream_prefix"`
}

// SocketConfig is the realtime socket sink.
type SocketConfig struct {
	Enabled       bool `yaml:"enabled"`
	GlobalEnabled bool `yaml:"global_enabled"`
	Port          int  `yaml:"port"`
}

// CRMConfig controls the CRM bridge collaborator.
type CRMConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	// ImportDayLimit bounds history imports; messages older than this
	// many days are dropped before processing.
	ImportDayLimit int `yaml:"import_day_limit"`
}

// BotConfig controls the bot engine collaborator.
type BotConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			URL:  "http://localhost:8080",
		},
		Engine: EngineConfig{
			Driver: "dev",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Cache: CacheConfig{
			Enabled:    true,
			DefaultTTL: 2 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Session: SessionConfig{
			QRLimit:       5,
			DedupTTL:      30 * time.Minute,
			GroupCacheTTL: time.Hour,
		},
		Broker: BrokerConfig{
			GlobalExchange: "evolution_exchange",
		},
		Queue: QueueConfig{
			StreamPrefix: "evolution",
		},
		CRM: CRMConfig{
			ImportDayLimit: 60,
		},
	}
}

// Load reads a YAML file, applies environment overrides, validates and
// returns the configuration. An empty path returns defaults with env
// overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "config", "Load", "read file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse yaml")
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("server port %d out of range", c.Server.Port))
	}
	if c.Engine.Driver == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"engine driver must be set")
	}
	if c.Session.QRLimit <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"session qr_limit must be positive")
	}
	if c.Session.DedupTTL <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"session dedup_ttl must be positive")
	}
	if c.Broker.Enabled && c.Broker.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"rabbitmq enabled without url")
	}
	if c.Queue.Enabled && c.Queue.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"queue enabled without url")
	}
	if c.Webhook.Enabled && c.Webhook.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"global webhook enabled without url")
	}
	return nil
}

// applyEnv overrides select fields from the environment. Only operational
// knobs are exposed this way; structural config stays in the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GATEWAY_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("GATEWAY_ENGINE_DRIVER"); v != "" {
		cfg.Engine.Driver = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("GATEWAY_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("GATEWAY_RABBITMQ_URL"); v != "" {
		cfg.Broker.URL = v
		cfg.Broker.Enabled = true
	}
	if v := os.Getenv("GATEWAY_QUEUE_URL"); v != "" {
		cfg.Queue.URL = v
		cfg.Queue.Enabled = true
	}
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewSafeConfig wraps cfg for concurrent access.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{cfg: cfg}
}

// Get returns the current configuration. The returned value must be
// treated as read-only.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.cfg
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cfg = cfg
	return nil
}
