package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration. Values are resolved in three
// layers: built-in defaults, then an optional YAML file (CONFIG_FILE), then
// environment variables. Env always wins.
type Config struct {
	// Server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Batching
	BatchSize     int
	BatchInterval time.Duration

	// Queue
	MaxQueueSize    int
	CriticalReserve int

	// Retry / backoff
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxRetryAttempts int

	// Admission
	DiscardOnRevoke bool

	// Remote endpoint
	EndpointURL     string
	EndpointTimeout time.Duration

	// Rate limiting: maximum batch sends per second
	RateLimit int

	// Durable store
	StoreBackend string // "bolt" or "postgres"
	DataDir      string
	DatabaseURL  string
	DBMaxConns   int32
	DBMinConns   int32
}

const (
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// fileConfig mirrors Config with YAML tags. Durations are millisecond
// integers in the file, matching the recognized option names
// (batch_interval_ms etc.); zero values mean "not set".
type fileConfig struct {
	HTTP struct {
		Port              string `yaml:"port"`
		ReadTimeoutMs     int    `yaml:"read_timeout_ms"`
		WriteTimeoutMs    int    `yaml:"write_timeout_ms"`
		ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
	} `yaml:"http"`
	Pipeline struct {
		BatchSize        int   `yaml:"batch_size"`
		BatchIntervalMs  int   `yaml:"batch_interval_ms"`
		MaxQueueSize     int   `yaml:"max_queue_size"`
		CriticalReserve  int   `yaml:"critical_reserve"`
		BaseDelayMs      int   `yaml:"base_delay_ms"`
		MaxDelayMs       int   `yaml:"max_delay_ms"`
		MaxRetryAttempts *int  `yaml:"max_retry_attempts"`
		DiscardOnRevoke  *bool `yaml:"discard_on_revoke"`
		RateLimit        int   `yaml:"rate_limit"`
	} `yaml:"pipeline"`
	Endpoint struct {
		URL       string `yaml:"url"`
		TimeoutMs int    `yaml:"timeout_ms"`
	} `yaml:"endpoint"`
	Store struct {
		Backend     string `yaml:"backend"`
		DataDir     string `yaml:"data_dir"`
		DatabaseURL string `yaml:"database_url"`
		MaxConns    int    `yaml:"max_conns"`
		MinConns    int    `yaml:"min_conns"`
	} `yaml:"store"`
}

// Load resolves the full configuration and validates it.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTPPort:        "8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 30 * time.Second,

		BatchSize:     50,
		BatchInterval: 5 * time.Second,

		MaxQueueSize:    10000,
		CriticalReserve: 2500,

		BaseDelay:        time.Second,
		MaxDelay:         2 * time.Minute,
		MaxRetryAttempts: 5,

		DiscardOnRevoke: true,

		EndpointURL:     "http://localhost:9090/ingest",
		EndpointTimeout: 10 * time.Second,

		RateLimit: 20,

		StoreBackend: BackendBolt,
		DataDir:      "./data",
		DBMaxConns:   25,
		DBMinConns:   5,
	}
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.HTTPPort, fc.HTTP.Port)
	setMs(&cfg.ReadTimeout, fc.HTTP.ReadTimeoutMs)
	setMs(&cfg.WriteTimeout, fc.HTTP.WriteTimeoutMs)
	setMs(&cfg.ShutdownTimeout, fc.HTTP.ShutdownTimeoutMs)

	setInt(&cfg.BatchSize, fc.Pipeline.BatchSize)
	setMs(&cfg.BatchInterval, fc.Pipeline.BatchIntervalMs)
	setInt(&cfg.MaxQueueSize, fc.Pipeline.MaxQueueSize)
	setInt(&cfg.CriticalReserve, fc.Pipeline.CriticalReserve)
	setMs(&cfg.BaseDelay, fc.Pipeline.BaseDelayMs)
	setMs(&cfg.MaxDelay, fc.Pipeline.MaxDelayMs)
	if fc.Pipeline.MaxRetryAttempts != nil {
		cfg.MaxRetryAttempts = *fc.Pipeline.MaxRetryAttempts
	}
	if fc.Pipeline.DiscardOnRevoke != nil {
		cfg.DiscardOnRevoke = *fc.Pipeline.DiscardOnRevoke
	}
	setInt(&cfg.RateLimit, fc.Pipeline.RateLimit)

	setString(&cfg.EndpointURL, fc.Endpoint.URL)
	setMs(&cfg.EndpointTimeout, fc.Endpoint.TimeoutMs)

	setString(&cfg.StoreBackend, fc.Store.Backend)
	setString(&cfg.DataDir, fc.Store.DataDir)
	setString(&cfg.DatabaseURL, fc.Store.DatabaseURL)
	if fc.Store.MaxConns > 0 {
		cfg.DBMaxConns = int32(fc.Store.MaxConns)
	}
	if fc.Store.MinConns > 0 {
		cfg.DBMinConns = int32(fc.Store.MinConns)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.ReadTimeout = getDuration("READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = getDuration("WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.ShutdownTimeout = getDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.BatchSize = getInt("BATCH_SIZE", cfg.BatchSize)
	cfg.BatchInterval = getDuration("BATCH_INTERVAL", cfg.BatchInterval)
	cfg.MaxQueueSize = getInt("MAX_QUEUE_SIZE", cfg.MaxQueueSize)
	cfg.CriticalReserve = getInt("CRITICAL_RESERVE", cfg.CriticalReserve)
	cfg.BaseDelay = getDuration("BASE_DELAY", cfg.BaseDelay)
	cfg.MaxDelay = getDuration("MAX_DELAY", cfg.MaxDelay)
	cfg.MaxRetryAttempts = getInt("MAX_RETRY_ATTEMPTS", cfg.MaxRetryAttempts)
	cfg.DiscardOnRevoke = getBool("DISCARD_ON_REVOKE", cfg.DiscardOnRevoke)
	cfg.RateLimit = getInt("RATE_LIMIT", cfg.RateLimit)

	cfg.EndpointURL = getEnv("ENDPOINT_URL", cfg.EndpointURL)
	cfg.EndpointTimeout = getDuration("ENDPOINT_TIMEOUT", cfg.EndpointTimeout)

	cfg.StoreBackend = getEnv("STORE_BACKEND", cfg.StoreBackend)
	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = int32(getInt("DB_MAX_CONNS", int(cfg.DBMaxConns)))
	cfg.DBMinConns = int32(getInt("DB_MIN_CONNS", int(cfg.DBMinConns)))
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("batch interval must be positive, got %s", c.BatchInterval)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max queue size must be positive, got %d", c.MaxQueueSize)
	}
	if c.CriticalReserve < 0 || c.CriticalReserve > c.MaxQueueSize {
		return fmt.Errorf("critical reserve must be in [0, max queue size], got %d", c.CriticalReserve)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive, got %s", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max delay %s must not be below base delay %s", c.MaxDelay, c.BaseDelay)
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("max retry attempts must not be negative, got %d", c.MaxRetryAttempts)
	}
	switch c.StoreBackend {
	case BackendBolt:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q: must be %s or %s", c.StoreBackend, BackendBolt, BackendPostgres)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setMs(dst *time.Duration, ms int) {
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
