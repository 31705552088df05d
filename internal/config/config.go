// Package config loads the parleyd configuration from defaults, an optional
// config file and PARLEY_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, so turn.max_steps is
// read from PARLEY_TURN_MAX_STEPS.
const EnvPrefix = "PARLEY"

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Turn      TurnConfig      `mapstructure:"turn"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Assembler AssemblerConfig `mapstructure:"assembler"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
}

type TracingConfig struct {
	Exporter    string  `mapstructure:"exporter"` // none, stdout or otlp
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	ServiceName string  `mapstructure:"service_name"`
}

// RedisConfig selects the Redis stream store and lease when URL is set.
type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// NATSConfig selects the NATS control bus when URL is set.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`
}

type TurnConfig struct {
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
	MaxSteps     int           `mapstructure:"max_steps"`
	HistoryLimit int           `mapstructure:"history_limit"`
	Instructions string        `mapstructure:"instructions"`
}

type ToolsConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type StreamConfig struct {
	Retention   time.Duration `mapstructure:"retention"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

type AssemblerConfig struct {
	FlushEvery int `mapstructure:"flush_every"`
}

type ArtifactsConfig struct {
	SnapshotEvery int `mapstructure:"snapshot_every"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_name", "parleyd")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.prefix", "parley:")
	v.SetDefault("nats.url", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:parley.db?_pragma=busy_timeout(5000)")

	v.SetDefault("turn.lease_ttl", "2m")
	v.SetDefault("turn.max_steps", 5)
	v.SetDefault("turn.history_limit", 50)
	v.SetDefault("turn.instructions", "")

	v.SetDefault("tools.timeout", "30s")

	v.SetDefault("stream.retention", "10m")
	v.SetDefault("stream.max_lifetime", "1h")

	v.SetDefault("assembler.flush_every", 8)
	v.SetDefault("artifacts.snapshot_every", 10)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
}

// Load reads the configuration. An empty path searches ./parley.yaml and
// /etc/parley/parley.yaml; a missing file is not an error unless path was
// given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/parley")
		v.SetConfigName("parley")
		v.SetConfigType("yaml")
	}
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	switch c.Tracing.Exporter {
	case "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter must be none, stdout or otlp, got %q", c.Tracing.Exporter))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	if c.Turn.MaxSteps < 1 {
		errs = append(errs, fmt.Errorf("turn.max_steps must be at least 1, got %d", c.Turn.MaxSteps))
	}
	if c.Turn.LeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("turn.lease_ttl must be positive, got %s", c.Turn.LeaseTTL))
	}
	if c.Tools.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("tools.timeout must be positive, got %s", c.Tools.Timeout))
	}
	if c.Assembler.FlushEvery < 1 {
		errs = append(errs, fmt.Errorf("assembler.flush_every must be at least 1, got %d", c.Assembler.FlushEvery))
	}
	if c.Artifacts.SnapshotEvery < 1 {
		errs = append(errs, fmt.Errorf("artifacts.snapshot_every must be at least 1, got %d", c.Artifacts.SnapshotEvery))
	}
	return errors.Join(errs...)
}
