package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ServerConfig holds configuration for the orchestration endpoint.
type ServerConfig struct {
	Port         int
	Env          string
	Database     DatabaseConfig
	Redis        RedisConfig
	TokenHash    string
	ScheduleFile string
	ADBPath      string
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL               string
	RequestsPerMinute int
}

// ClientConfig describes how workers and the scheduler reach the endpoint.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// WorkerConfig holds configuration for one per-device worker process.
type WorkerConfig struct {
	Env                 string
	Device              string
	ADBPath             string
	PollInterval        time.Duration
	ErrorBackoff        time.Duration
	CancelCheckInterval time.Duration
	API                 ClientConfig
}

// SchedulerConfig holds configuration for the scheduler process.
type SchedulerConfig struct {
	Env          string
	ScheduleFile string
	Location     *time.Location
	API          ClientConfig
}

// LoadServer reads the server configuration from environment variables.
// Returns an error with a descriptive message if any required value is missing or invalid.
func LoadServer() (*ServerConfig, error) {
	driver := envString("DATABASE_DRIVER", DriverPostgres)
	dbURL := os.Getenv("DATABASE_URL")
	if driver == DriverSQLite && dbURL == "" {
		dbURL = "artifacts/orchestrator.db"
	}

	cfg := &ServerConfig{
		Port: envInt("ORCHESTRATOR_PORT", 8000),
		Env:  envString("ORCHESTRATOR_ENV", "development"),
		Database: DatabaseConfig{
			Driver:          driver,
			URL:             dbURL,
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:               os.Getenv("REDIS_URL"),
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 120),
		},
		TokenHash:    os.Getenv("ORCHESTRATOR_TOKEN_HASH"),
		ScheduleFile: envString("SCHEDULE_CONFIG", "config/schedules.yaml"),
		ADBPath:      envString("ADB_PATH", "adb"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("ORCHESTRATOR_PORT must be within 1-65535, got %d", c.Port)
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when DATABASE_DRIVER is postgres")
		}
	case DriverSQLite:
	default:
		return fmt.Errorf("DATABASE_DRIVER must be one of postgres, sqlite; got %q", c.Database.Driver)
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}
	if c.TokenHash != "" && !strings.HasPrefix(c.TokenHash, "$2") {
		return fmt.Errorf("ORCHESTRATOR_TOKEN_HASH must be a bcrypt hash")
	}
	return nil
}

// LoadWorker reads the worker configuration from environment variables.
func LoadWorker() (*WorkerConfig, error) {
	api, err := loadClient()
	if err != nil {
		return nil, err
	}
	cfg := &WorkerConfig{
		Env:                 envString("ORCHESTRATOR_ENV", "development"),
		Device:              strings.TrimSpace(os.Getenv("DEVICE_SERIAL")),
		ADBPath:             envString("ADB_PATH", "adb"),
		PollInterval:        envDuration("WORKER_POLL_INTERVAL", time.Second),
		ErrorBackoff:        envDuration("WORKER_ERROR_BACKOFF", 2*time.Second),
		CancelCheckInterval: envDuration("WORKER_CANCEL_CHECK_INTERVAL", 500*time.Millisecond),
		API:                 api,
	}

	if cfg.Device == "" {
		return nil, fmt.Errorf("DEVICE_SERIAL is required")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("WORKER_POLL_INTERVAL must be positive")
	}
	if cfg.CancelCheckInterval > time.Second {
		return nil, fmt.Errorf("WORKER_CANCEL_CHECK_INTERVAL must not exceed 1s, got %s", cfg.CancelCheckInterval)
	}
	return cfg, nil
}

// LoadScheduler reads the scheduler configuration from environment variables.
func LoadScheduler() (*SchedulerConfig, error) {
	api, err := loadClient()
	if err != nil {
		return nil, err
	}
	loc := time.Local
	if tz := os.Getenv("SCHEDULER_TIMEZONE"); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("SCHEDULER_TIMEZONE: %w", err)
		}
	}
	return &SchedulerConfig{
		Env:          envString("ORCHESTRATOR_ENV", "development"),
		ScheduleFile: envString("SCHEDULE_CONFIG", "config/schedules.yaml"),
		Location:     loc,
		API:          api,
	}, nil
}

func loadClient() (ClientConfig, error) {
	cfg := ClientConfig{
		BaseURL: strings.TrimRight(envString("ORCHESTRATOR_URL", "http://127.0.0.1:8000"), "/"),
		Token:   os.Getenv("ORCHESTRATOR_TOKEN"),
		Timeout: envDuration("ORCHESTRATOR_TIMEOUT", 10*time.Second),
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return cfg, fmt.Errorf("ORCHESTRATOR_URL must start with http:// or https://, got %q", cfg.BaseURL)
	}
	return cfg, nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
