package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable
const EnvPrefix = "FEEDPULSE"

// ErrInvalidConfig is returned when loaded values fail validation
var ErrInvalidConfig = errors.New("invalid configuration")

// SetDefaults registers the default value of every setting on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("queue.url", "")
	v.SetDefault("queue.fallback", true)
	v.SetDefault("queue.key_prefix", "feedpulse:")
	v.SetDefault("queue.history_size", 1000)
	v.SetDefault("queue.visibility_timeout", 30*time.Minute)
	v.SetDefault("queue.reclaim_interval", time.Minute)
	v.SetDefault("queue.block_timeout", 5*time.Second)
	v.SetDefault("queue.op_timeout", 750*time.Millisecond)
	v.SetDefault("queue.retry_backoff", 100*time.Millisecond)
	v.SetDefault("queue.poll_interval", 200*time.Millisecond)

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.job_timeout", 20*time.Minute)
	v.SetDefault("worker.embedded", false)
	v.SetDefault("worker.slot_caps", map[string]int{
		"scrape_source": 1,
		"scrape_all":    1,
	})

	v.SetDefault("scheduler.auto_scrape_interval", 3*time.Hour)
	v.SetDefault("scheduler.backup_hourly_interval", time.Hour)
	v.SetDefault("scheduler.backup_daily_interval", 24*time.Hour)
	v.SetDefault("scheduler.cleanup_interval", 24*time.Hour)
	v.SetDefault("scheduler.auto_scrape_query", "OVHcloud")
	v.SetDefault("scheduler.auto_scrape_limit", 50)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("collab.base_url", "")
	v.SetDefault("collab.token", "")
	v.SetDefault("collab.timeout", 30*time.Second)
}

// Load reads configuration from feedpulse.yaml in the working directory or
// /etc/feedpulse/ when present, then from FEEDPULSE_ environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("feedpulse")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/feedpulse/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return load(v)
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the rules that span sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.Worker.JobTimeout >= c.Queue.VisibilityTimeout {
		return fmt.Errorf("%w: worker.job_timeout (%s) must be shorter than queue.visibility_timeout (%s)",
			ErrInvalidConfig, c.Worker.JobTimeout, c.Queue.VisibilityTimeout)
	}

	if c.Queue.URL != "" {
		scheme, _, _ := strings.Cut(c.Queue.URL, "://")
		switch scheme {
		case "redis", "rediss", "postgres", "postgresql":
		default:
			return fmt.Errorf("%w: unsupported queue.url scheme %q", ErrInvalidConfig, scheme)
		}
	}
	return nil
}
