package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/QXIP/stenoscope/pkg/telemetry"
)

// EnvPrefix prefixes every environment variable the configuration reads,
// e.g. STENOSCOPE_DATA_DIR or STENOSCOPE_QUERY_WORKERS.
const EnvPrefix = "STENOSCOPE"

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// QueryConfig controls how a single table is scanned
type QueryConfig struct {
	// Workers is the number of concurrent block reads per table; 1 reads sequentially
	Workers int `json:"workers" mapstructure:"workers"`
	// Lenient skips corrupt blocks and unreadable tables with a warning instead of failing
	Lenient bool `json:"lenient" mapstructure:"lenient"`
}

// CatalogConfig controls how an index directory is searched
type CatalogConfig struct {
	// Workers is the number of index files queried concurrently
	Workers int `json:"workers" mapstructure:"workers"`
	// Slack widens the file-name window on both sides, since a file's name
	// is its creation time and it may hold entries from slightly before or after
	Slack time.Duration `json:"slack" mapstructure:"slack"`
}

type Config struct {
	// DataDir is the index directory queried when none is given
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
	// PacketDir holds packet files when they do not live in the
	// stenographer PKT0 sibling of the index directory
	PacketDir string `json:"packet_dir" mapstructure:"packet_dir"`
	// Window is the default query window ending now
	Window time.Duration `json:"window" mapstructure:"window"`
	// Format is the default output format: json or text
	Format string `json:"format" mapstructure:"format"`
	// LogLevel is one of debug, info, warn, error
	LogLevel string `json:"log_level" mapstructure:"log_level"`

	Query     QueryConfig      `json:"query" mapstructure:"query"`
	Catalog   CatalogConfig    `json:"catalog" mapstructure:"catalog"`
	Telemetry telemetry.Config `json:"telemetry" mapstructure:"telemetry"`
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig() *Config {
	return &Config{
		DataDir:  "/var/lib/stenographer/thread0/index",
		Window:   60 * time.Second,
		Format:   "json",
		LogLevel: "info",

		Query: QueryConfig{
			Workers: 1,
		},
		Catalog: CatalogConfig{
			Workers: 4,
			Slack:   60 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data directory not specified", ErrInvalidConfig)
	}

	if c.Window <= 0 {
		return fmt.Errorf("%w: default window must be positive", ErrInvalidConfig)
	}

	switch c.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: unknown output format %q", ErrInvalidConfig, c.Format)
	}

	if c.Query.Workers <= 0 {
		return fmt.Errorf("%w: query workers must be positive", ErrInvalidConfig)
	}

	if c.Catalog.Workers <= 0 {
		return fmt.Errorf("%w: catalog workers must be positive", ErrInvalidConfig)
	}

	if c.Catalog.Slack < 0 {
		return fmt.Errorf("%w: catalog slack cannot be negative", ErrInvalidConfig)
	}

	if c.Telemetry.Enabled {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("%w: telemetry: %v", ErrInvalidConfig, err)
		}
	}

	return nil
}

// Load builds a Config from defaults, an optional config file and
// STENOSCOPE_* environment variables, in increasing precedence.
// An empty file skips the file step.
func Load(file string) (*Config, error) {
	return LoadWith(viper.New(), file)
}

// LoadWith is Load on a caller-provided viper instance, so command-line
// flags bound to v take precedence over everything else
func LoadWith(v *viper.Viper, file string) (*Config, error) {
	setDefaults(v, NewDefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can find it during Unmarshal
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("packet_dir", d.PacketDir)
	v.SetDefault("window", d.Window)
	v.SetDefault("format", d.Format)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("query.workers", d.Query.Workers)
	v.SetDefault("query.lenient", d.Query.Lenient)
	v.SetDefault("catalog.workers", d.Catalog.Workers)
	v.SetDefault("catalog.slack", d.Catalog.Slack)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.service_version", d.Telemetry.ServiceVersion)
	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.exporter", d.Telemetry.Exporter)
}
