package config

import "time"

// Config holds all service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Queue     QueueConfig     `mapstructure:"queue" validate:"required"`
	Worker    WorkerConfig    `mapstructure:"worker" validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Collab    CollabConfig    `mapstructure:"collab"`
}

// ServerConfig contains HTTP server and logging settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// QueueConfig selects and tunes the queue backend.
type QueueConfig struct {
	// URL selects the backend by scheme: redis://, rediss://, postgres://
	// or postgresql://. Empty means the in-memory queue.
	URL string `mapstructure:"url" validate:"omitempty,url"`

	// Fallback binds the process to the in-memory queue when the durable
	// backend fails its startup health check.
	Fallback bool `mapstructure:"fallback"`

	KeyPrefix         string        `mapstructure:"key_prefix"`
	HistorySize       int           `mapstructure:"history_size" validate:"gte=1,lte=100000"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"gt=0"`
	ReclaimInterval   time.Duration `mapstructure:"reclaim_interval" validate:"gt=0"`
	BlockTimeout      time.Duration `mapstructure:"block_timeout" validate:"gt=0"`
	OpTimeout         time.Duration `mapstructure:"op_timeout" validate:"gt=0"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff" validate:"gt=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	// ID prefixes the worker ids recorded on claimed jobs. Defaults to the
	// hostname.
	ID          string        `mapstructure:"id"`
	Concurrency int           `mapstructure:"concurrency" validate:"gte=1,lte=256"`
	JobTimeout  time.Duration `mapstructure:"job_timeout" validate:"gt=0"`

	// Embedded runs a worker pool inside the API server process.
	Embedded bool `mapstructure:"embedded"`

	// SlotCaps limits how many jobs of a type run at once in one process.
	SlotCaps map[string]int `mapstructure:"slot_caps" validate:"dive,gte=1"`
}

// SchedulerConfig holds the periodic job intervals. A zero interval
// disables the entry.
type SchedulerConfig struct {
	AutoScrapeInterval   time.Duration `mapstructure:"auto_scrape_interval" validate:"gte=0"`
	BackupHourlyInterval time.Duration `mapstructure:"backup_hourly_interval" validate:"gte=0"`
	BackupDailyInterval  time.Duration `mapstructure:"backup_daily_interval" validate:"gte=0"`
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval" validate:"gte=0"`

	// AutoScrapeQuery is the query used by auto_scrape jobs that carry none.
	AutoScrapeQuery string `mapstructure:"auto_scrape_query" validate:"required,max=256"`
	AutoScrapeLimit int    `mapstructure:"auto_scrape_limit" validate:"gte=1,lte=500"`
}

// AuthConfig contains API authentication settings. An empty secret
// disables authentication.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
}

// CollabConfig points at the dashboard's internal API, which fronts the
// source connectors, the relevance pipeline and the storage services.
type CollabConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"omitempty,url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}
