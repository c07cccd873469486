// Package config loads the orchestrator's settings: storage layout, backend
// selection, worker/pool sizing, and backpressure limits, in the style of
// pkg/infrastructure/config (JSON file + environment overrides + validate).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// StorageBackend is the closed set of JobStore implementations selectable
// at startup.
type StorageBackend string

const (
	BackendMemory     StorageBackend = "memory"
	BackendFilesystem StorageBackend = "filesystem"
	BackendRedis      StorageBackend = "redis"
	BackendSQL        StorageBackend = "sql"
)

// Config holds every setting the orchestrator needs at startup.
type Config struct {
	Storage      StorageConfig      `json:"storage"`
	Pool         PoolConfig         `json:"pool"`
	Tuner        TunerConfig        `json:"tuner"`
	Backpressure BackpressureConfig `json:"backpressure"`
	Logging      LoggingConfig      `json:"logging"`
	Manager      ManagerConfig      `json:"manager"`
}

// StorageConfig selects and configures the durable JobStore backend plus
// the filesystem layout for per-job artifacts (§6).
type StorageConfig struct {
	Backend StorageBackend `json:"backend"`
	Root    string         `json:"root"`
	BaseURL string         `json:"base_url"`

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`

	SQLConnectionString string `json:"sql_connection_string,omitempty"`
	SQLMaxConnections    int32  `json:"sql_max_connections,omitempty"`
}

// PoolConfig sizes the translation worker-pool cache (§4.4).
type PoolConfig struct {
	MaxCached   int           `json:"max_cached"`
	IdleTimeout time.Duration `json:"idle_timeout"`
}

// TunerConfig carries the fallback sizing values applied when a request
// specifies neither an override nor a context value (§4.5).
type TunerConfig struct {
	ThreadCount    int  `json:"thread_count"`
	QueueSize      int  `json:"queue_size"`
	JobMaxWorkers  int  `json:"job_max_workers"`
	PipelineMode   bool `json:"pipeline_mode"`
	LLMSourceLocal bool `json:"llm_source_local"`
}

// BackpressureConfig mirrors backpressure.Policy, kept as a distinct type so
// config has no import-time dependency on package backpressure.
type BackpressureConfig struct {
	Enabled        bool          `json:"enabled"`
	SoftLimit      int           `json:"soft_limit"`
	HardLimit      int           `json:"hard_limit"`
	BaseDelay      time.Duration `json:"base_delay"`
	MaxDelay       time.Duration `json:"max_delay"`
	CooldownPeriod time.Duration `json:"cooldown_period"`
}

// LoggingConfig matches the teacher's logging knobs.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
	File   string `json:"file"`
}

// ManagerConfig bounds the manager's own execution concurrency, independent
// of the translation pool cache.
type ManagerConfig struct {
	MaxConcurrentExecutions int `json:"max_concurrent_executions"`
}

// DefaultConfig returns a configuration usable out of the box with the
// filesystem store rooted at ~/.jobengine/jobs, suitable for local
// development.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".jobengine", "jobs")

	return &Config{
		Storage: StorageConfig{
			Backend: BackendFilesystem,
			Root:    defaultRoot,
			BaseURL: "http://localhost:8080/artifacts",
		},
		Pool: PoolConfig{
			MaxCached:   4,
			IdleTimeout: 5 * time.Minute,
		},
		Tuner: TunerConfig{
			ThreadCount:   0, // 0 -> derive from detected hardware
			QueueSize:     100,
			JobMaxWorkers: 4,
			PipelineMode:  false,
		},
		Backpressure: BackpressureConfig{
			Enabled:        true,
			SoftLimit:      10,
			HardLimit:      50,
			BaseDelay:      500 * time.Millisecond,
			MaxDelay:       30 * time.Second,
			CooldownPeriod: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "console",
		},
		Manager: ManagerConfig{
			MaxConcurrentExecutions: 4,
		},
	}
}

// LoadConfig reads configPath (if non-empty and present), applies
// environment overrides, validates, and returns the result.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

// applyEnvironmentOverrides layers JOBENGINE_* environment variables over
// whatever the file (or defaults) set, matching the teacher's
// NOISEFS_*-prefixed override convention.
func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("JOBENGINE_STORAGE_BACKEND"); val != "" {
		c.Storage.Backend = StorageBackend(val)
	}
	if val := os.Getenv("JOBENGINE_STORAGE_ROOT"); val != "" {
		c.Storage.Root = val
	}
	if val := os.Getenv("JOBENGINE_BASE_URL"); val != "" {
		c.Storage.BaseURL = val
	}
	if val := os.Getenv("JOBENGINE_REDIS_ADDR"); val != "" {
		c.Storage.RedisAddr = val
	}
	if val := os.Getenv("JOBENGINE_SQL_DSN"); val != "" {
		c.Storage.SQLConnectionString = val
	}

	if val := os.Getenv("JOBENGINE_POOL_MAX_CACHED"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pool.MaxCached = n
		}
	}
	if val := os.Getenv("JOBENGINE_POOL_IDLE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Pool.IdleTimeout = d
		}
	}

	if val := os.Getenv("JOBENGINE_THREAD_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Tuner.ThreadCount = n
		}
	}
	if val := os.Getenv("JOBENGINE_QUEUE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Tuner.QueueSize = n
		}
	}
	if val := os.Getenv("JOBENGINE_JOB_MAX_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Tuner.JobMaxWorkers = n
		}
	}
	if val := os.Getenv("JOBENGINE_PIPELINE_MODE"); val != "" {
		c.Tuner.PipelineMode = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("JOBENGINE_LLM_SOURCE_LOCAL"); val != "" {
		c.Tuner.LLMSourceLocal = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("JOBENGINE_BACKPRESSURE_ENABLED"); val != "" {
		c.Backpressure.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("JOBENGINE_SOFT_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Backpressure.SoftLimit = n
		}
	}
	if val := os.Getenv("JOBENGINE_HARD_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Backpressure.HardLimit = n
		}
	}

	if val := os.Getenv("JOBENGINE_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("JOBENGINE_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}
	if val := os.Getenv("JOBENGINE_LOG_OUTPUT"); val != "" {
		c.Logging.Output = val
	}
	if val := os.Getenv("JOBENGINE_LOG_FILE"); val != "" {
		c.Logging.File = val
	}

	if val := os.Getenv("JOBENGINE_MAX_CONCURRENT_EXECUTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Manager.MaxConcurrentExecutions = n
		}
	}
}

// Validate checks invariants a misconfigured deployment would violate at
// startup rather than at first use.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendFilesystem, BackendRedis, BackendSQL:
	default:
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendFilesystem && c.Storage.Root == "" {
		return fmt.Errorf("storage root cannot be empty for the filesystem backend")
	}
	if c.Storage.Backend == BackendRedis && c.Storage.RedisAddr == "" {
		return fmt.Errorf("redis address cannot be empty for the redis backend")
	}
	if c.Storage.Backend == BackendSQL && c.Storage.SQLConnectionString == "" {
		return fmt.Errorf("sql connection string cannot be empty for the sql backend")
	}
	if c.Storage.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	if c.Pool.MaxCached < 1 {
		return fmt.Errorf("pool max_cached must be positive")
	}
	if c.Pool.IdleTimeout <= 0 {
		return fmt.Errorf("pool idle_timeout must be positive")
	}

	if c.Backpressure.HardLimit < c.Backpressure.SoftLimit {
		return fmt.Errorf("backpressure hard_limit must be >= soft_limit")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Manager.MaxConcurrentExecutions < 1 {
		return fmt.Errorf("manager max_concurrent_executions must be positive")
	}

	return nil
}

// SaveToFile writes c to path as indented JSON, creating parent
// directories as needed.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultConfigPath returns ~/.jobengine/config.json.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".jobengine", "config.json"), nil
}
