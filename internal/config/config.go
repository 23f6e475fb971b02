// Package config loads the pool engine configuration from a YAML file, an
// optional .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/betpool/pool-engine/internal/engine"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Engine    EngineConfig    `yaml:"engine"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port                string `yaml:"port"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
}

// LogConfig controls the format and level of logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite | postgres
	DSN    string `yaml:"dsn"`    // sqlite file path or postgres URL
}

// RedisConfig enables the read-through cache and the distributed lock.
// An empty URL disables both.
type RedisConfig struct {
	URL             string `yaml:"url"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	LockTTLSeconds  int    `yaml:"lock_ttl_seconds"`
}

// EngineConfig holds pool policy and concurrency tuning.
type EngineConfig struct {
	CommissionRate      *decimal.Decimal `yaml:"commission_rate"` // unset means 0.10
	LockThreshold       int              `yaml:"lock_threshold"`
	PayoutScale         *int32           `yaml:"payout_scale"` // unset means 2; 0 pays whole units
	MaxAttempts         int              `yaml:"max_attempts"`
	RetryBackoffMS      int              `yaml:"retry_backoff_ms"`
	LockTimeoutMS       int              `yaml:"lock_timeout_ms"`
	FanoutWorkers       int              `yaml:"fanout_workers"`
	CancelOpenInstances bool             `yaml:"cancel_open_instances"`

	// Correlated exposure caps per account. Zero disables the cap.
	MaxGroupExposure    decimal.Decimal `yaml:"max_group_exposure"`
	MaxMatchdayExposure decimal.Decimal `yaml:"max_matchday_exposure"`
}

// RateLimitConfig is the per-client request budget. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Load reads path, applies environment overrides and defaults, and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	// Load .env if present.
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides overwrites values from environment variables when set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Driver = DriverPostgres
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.Driver = DriverSQLite
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("COMMISSION_RATE"); v != "" {
		rate, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("COMMISSION_RATE %q: %w", v, err)
		}
		cfg.Engine.CommissionRate = &rate
	}
	if v := os.Getenv("LOCK_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOCK_THRESHOLD %q: %w", v, err)
		}
		cfg.Engine.LockThreshold = n
	}
	return nil
}

// setDefaults fills every unset value.
func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ReadTimeoutSeconds <= 0 {
		cfg.Server.ReadTimeoutSeconds = 10
	}
	if cfg.Server.WriteTimeoutSeconds <= 0 {
		cfg.Server.WriteTimeoutSeconds = 10
	}
	if cfg.Server.IdleTimeoutSeconds <= 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
	}
	if cfg.Storage.Driver == DriverSQLite && cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "pool-engine.db"
	}
	if cfg.Redis.CacheTTLSeconds <= 0 {
		cfg.Redis.CacheTTLSeconds = 30
	}
	if cfg.Redis.LockTTLSeconds <= 0 {
		cfg.Redis.LockTTLSeconds = 10
	}

	def := engine.DefaultConfig()
	if cfg.Engine.CommissionRate == nil {
		rate := def.CommissionRate
		cfg.Engine.CommissionRate = &rate
	}
	if cfg.Engine.LockThreshold == 0 {
		cfg.Engine.LockThreshold = def.LockThreshold
	}
	if cfg.Engine.PayoutScale == nil {
		scale := def.PayoutScale
		cfg.Engine.PayoutScale = &scale
	}
	if cfg.Engine.MaxAttempts <= 0 {
		cfg.Engine.MaxAttempts = def.MaxAttempts
	}
	if cfg.Engine.RetryBackoffMS <= 0 {
		cfg.Engine.RetryBackoffMS = int(def.RetryBackoff / time.Millisecond)
	}
	if cfg.Engine.LockTimeoutMS <= 0 {
		cfg.Engine.LockTimeoutMS = int(def.LockTimeout / time.Millisecond)
	}
	if cfg.Engine.FanoutWorkers <= 0 {
		cfg.Engine.FanoutWorkers = def.FanoutWorkers
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.CommissionRate == nil {
		return errors.New("engine.commission_rate is not set")
	}
	rate := *c.Engine.CommissionRate
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("engine.commission_rate must be in [0, 1), got %s", rate)
	}
	if c.Engine.PayoutScale == nil || *c.Engine.PayoutScale < 0 {
		return errors.New("engine.payout_scale must be set and not negative")
	}
	if c.Engine.LockThreshold < 1 {
		return fmt.Errorf("engine.lock_threshold must be at least 1, got %d", c.Engine.LockThreshold)
	}
	if c.Engine.MaxGroupExposure.IsNegative() || c.Engine.MaxMatchdayExposure.IsNegative() {
		return errors.New("engine exposure caps must not be negative")
	}
	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	return nil
}

// EngineConfig converts the engine section to engine.Config.
func (c *Config) EngineConfig() engine.Config {
	e := c.Engine
	return engine.Config{
		CommissionRate:      *e.CommissionRate,
		LockThreshold:       e.LockThreshold,
		PayoutScale:         *e.PayoutScale,
		MaxAttempts:         e.MaxAttempts,
		RetryBackoff:        time.Duration(e.RetryBackoffMS) * time.Millisecond,
		LockTimeout:         time.Duration(e.LockTimeoutMS) * time.Millisecond,
		FanoutWorkers:       e.FanoutWorkers,
		CancelOpenInstances: e.CancelOpenInstances,
	}
}

// CacheTTL returns the Redis cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Redis.CacheTTLSeconds) * time.Second
}

// LockTTL returns the Redis lock lease.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Redis.LockTTLSeconds) * time.Second
}

// ServerTimeouts returns the read, write and idle timeouts.
func (c *Config) ServerTimeouts() (read, write, idle time.Duration) {
	s := c.Server
	return time.Duration(s.ReadTimeoutSeconds) * time.Second,
		time.Duration(s.WriteTimeoutSeconds) * time.Second,
		time.Duration(s.IdleTimeoutSeconds) * time.Second
}
