package driver

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/bolt-go-driver/pkg/bolt"
)

// Config is the configuration surface (§6): built-in defaults
// (DefaultConfig), which LoadConfigFile can overlay with a YAML file and
// Option values can override. NewDriver itself starts from DefaultConfig
// and applies only its Option values. Mirrors teacher's
// pkg/replication/config.go's use of gopkg.in/yaml.v3.
type Config struct {
	UserAgent          string        `yaml:"user_agent"`
	MaxConnectionPoolSize int        `yaml:"max_connection_pool_size"`
	ConnectionAcquisitionTimeout time.Duration `yaml:"connection_acquisition_timeout"`
	ConnectionTimeout  time.Duration `yaml:"connection_timeout"`
	MaxConnectionLifetime time.Duration `yaml:"max_connection_lifetime"`
	FetchSize          int64         `yaml:"fetch_size"`
	MaxRoutingTableCacheSize int     `yaml:"max_routing_table_cache_size"`
	ProposedVersions   []bolt.Version `yaml:"-"` // not file-configurable; code-only override
	LogLevel           string        `yaml:"log_level"`
}

// DefaultConfig returns the built-in defaults (§6 configuration table).
func DefaultConfig() Config {
	return Config{
		UserAgent:                    "bolt-go-driver/1.0",
		MaxConnectionPoolSize:        100,
		ConnectionAcquisitionTimeout: 60 * time.Second,
		ConnectionTimeout:            5 * time.Second,
		MaxConnectionLifetime:        time.Hour,
		FetchSize:                    1000,
		MaxRoutingTableCacheSize:     32,
		ProposedVersions:             bolt.DefaultProposedVersions(),
		LogLevel:                     "warn",
	}
}

// LoadConfigFile overlays YAML-supplied fields from path onto base. Fields
// absent from the file keep base's value (zero-value YAML fields would
// otherwise clobber sane defaults, so this decodes into a copy of base
// rather than a zero Config).
func LoadConfigFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, err
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, err
	}
	return cfg, nil
}

// Option customizes the Config that NewDriver builds from DefaultConfig;
// options are applied in the order given, so a later one wins.
type Option func(*Config)

func WithUserAgent(agent string) Option { return func(c *Config) { c.UserAgent = agent } }

func WithMaxConnectionPoolSize(n int) Option { return func(c *Config) { c.MaxConnectionPoolSize = n } }

func WithConnectionAcquisitionTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectionAcquisitionTimeout = d }
}

func WithConnectionTimeout(d time.Duration) Option { return func(c *Config) { c.ConnectionTimeout = d } }

func WithMaxConnectionLifetime(d time.Duration) Option {
	return func(c *Config) { c.MaxConnectionLifetime = d }
}

func WithFetchSize(n int64) Option { return func(c *Config) { c.FetchSize = n } }

func WithMaxRoutingTableCacheSize(n int) Option {
	return func(c *Config) { c.MaxRoutingTableCacheSize = n }
}

func WithProposedVersions(versions ...bolt.Version) Option {
	return func(c *Config) { c.ProposedVersions = versions }
}

func WithLogLevel(level string) Option { return func(c *Config) { c.LogLevel = level } }
