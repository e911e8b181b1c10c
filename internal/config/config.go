package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"carequeue/internal/db"
	"carequeue/internal/queue"
	"carequeue/internal/scheduler"
	"carequeue/internal/worker"
)

// Config holds all runtime options for the daemon and the admin CLI.
type Config struct {
	Addr string

	DBDriver string
	DBDSN    string

	LogLevel  string
	LogFormat string

	BatchSize      int
	Concurrency    int
	HandlerTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration

	PollSpec    string
	RecoverSpec string
	StaleAfter  time.Duration

	CacheSize    int
	CacheTTL     time.Duration
	ReminderLead time.Duration

	ShutdownGrace time.Duration
	Debug         bool
}

const envPrefix = "CAREQUEUE_"

const (
	defaultAddr          = "127.0.0.1:8080"
	defaultDSN           = "carequeue.db"
	defaultLogLevel      = "info"
	defaultLogFormat     = "console"
	defaultShutdownGrace = 10 * time.Second
	defaultCacheSize     = 1024
	defaultCacheTTL      = 5 * time.Minute
)

func Default() *Config {
	w := worker.DefaultConfig()
	s := scheduler.DefaultConfig()
	return &Config{
		Addr:           defaultAddr,
		DBDriver:       string(db.SQLite),
		DBDSN:          defaultDSN,
		LogLevel:       defaultLogLevel,
		LogFormat:      defaultLogFormat,
		BatchSize:      w.BatchSize,
		Concurrency:    w.Concurrency,
		HandlerTimeout: w.HandlerTimeout,
		BackoffBase:    w.Backoff.Base,
		BackoffMax:     w.Backoff.Max,
		PollSpec:       s.PollSpec,
		RecoverSpec:    s.RecoverSpec,
		StaleAfter:     s.StaleAfter,
		CacheSize:      defaultCacheSize,
		CacheTTL:       defaultCacheTTL,
		ReminderLead:   24 * time.Hour,
		ShutdownGrace:  defaultShutdownGrace,
	}
}

// FromEnv builds a Config from defaults, then the .env file if present,
// then CAREQUEUE_* environment variables.
func FromEnv() (*Config, error) {
	_ = godotenv.Load() // optional

	cfg := Default()
	cfg.Addr = getEnvString("ADDR", cfg.Addr)
	cfg.DBDriver = getEnvString("DB_DRIVER", cfg.DBDriver)
	cfg.DBDSN = getEnvString("DB_DSN", cfg.DBDSN)
	cfg.LogLevel = getEnvString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvString("LOG_FORMAT", cfg.LogFormat)
	cfg.BatchSize = getEnvInt("BATCH_SIZE", cfg.BatchSize)
	cfg.Concurrency = getEnvInt("CONCURRENCY", cfg.Concurrency)
	cfg.HandlerTimeout = getEnvDuration("HANDLER_TIMEOUT", cfg.HandlerTimeout)
	cfg.BackoffBase = getEnvDuration("BACKOFF_BASE", cfg.BackoffBase)
	cfg.BackoffMax = getEnvDuration("BACKOFF_MAX", cfg.BackoffMax)
	cfg.PollSpec = getEnvString("POLL_SPEC", cfg.PollSpec)
	cfg.RecoverSpec = getEnvString("RECOVER_SPEC", cfg.RecoverSpec)
	cfg.StaleAfter = getEnvDuration("STALE_AFTER", cfg.StaleAfter)
	cfg.CacheSize = getEnvInt("CACHE_SIZE", cfg.CacheSize)
	cfg.CacheTTL = getEnvDuration("CACHE_TTL", cfg.CacheTTL)
	cfg.ReminderLead = getEnvDuration("REMINDER_LEAD", cfg.ReminderLead)
	cfg.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", cfg.ShutdownGrace)
	cfg.Debug = getEnvBool("DEBUG", cfg.Debug)

	return cfg, cfg.Validate()
}

// Load is FromEnv followed by command line flags, which take precedence.
func Load(name string, args []string) (*Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "database driver (sqlite, postgres)")
	fs.StringVar(&cfg.DBDSN, "db", cfg.DBDSN, "SQLite path or Postgres DSN")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (console, json)")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "tasks run in parallel per poll")
	fs.StringVar(&cfg.PollSpec, "poll", cfg.PollSpec, "cron spec for polling due tasks")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "grace period when shutting down")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "expose pprof under /debug/pprof")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch db.Dialect(c.DBDriver) {
	case db.SQLite, db.Postgres:
	default:
		return fmt.Errorf("unsupported db driver %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("db dsn is required")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = queue.DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.HandlerTimeout > 0 && c.StaleAfter <= c.HandlerTimeout {
		return fmt.Errorf("stale-after (%s) must exceed the handler timeout (%s)", c.StaleAfter, c.HandlerTimeout)
	}
	return nil
}

func (c *Config) Worker() worker.Config {
	return worker.Config{
		BatchSize:      c.BatchSize,
		Concurrency:    c.Concurrency,
		HandlerTimeout: c.HandlerTimeout,
		Backoff:        worker.Backoff{Base: c.BackoffBase, Max: c.BackoffMax},
	}
}

func (c *Config) Scheduler() scheduler.Config {
	return scheduler.Config{PollSpec: c.PollSpec, RecoverSpec: c.RecoverSpec, StaleAfter: c.StaleAfter}
}

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
