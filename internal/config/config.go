package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for oeesense
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	OEE      OEEConfig      `yaml:"oee"`
	Workers  WorkersConfig  `yaml:"workers"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	Environment     string        `yaml:"environment"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres, sqlite, memory
	URL             string        `yaml:"url"`
	MaxConns        int           `yaml:"max_conns"`
	MinConns        int           `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

// RedisConfig holds Redis configuration for the query result cache
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// FormulaConfig selects how one metric is computed
type FormulaConfig struct {
	Mode       string `yaml:"mode"` // standard, dynamic, custom
	Expression string `yaml:"expression"`
}

// TargetDefaults is the target used when no ProductionTarget applies
type TargetDefaults struct {
	OEE          float64 `yaml:"oee"`
	Availability float64 `yaml:"availability"`
	Performance  float64 `yaml:"performance"`
	Quality      float64 `yaml:"quality"`
}

// OEEConfig holds metric computation settings
type OEEConfig struct {
	Availability FormulaConfig `yaml:"availability"`
	Performance  FormulaConfig `yaml:"performance"`
	Quality      FormulaConfig `yaml:"quality"`

	CapPerformance       bool    `yaml:"cap_performance"`
	PerformanceWarnAbove float64 `yaml:"performance_warn_above"`

	DefaultTarget     TargetDefaults `yaml:"default_target"`
	FallbackIdealRate float64        `yaml:"fallback_ideal_rate"` // units/hour
	AggregateRateMode string         `yaml:"aggregate_rate_mode"` // machine, average

	TrendMode          string         `yaml:"trend_mode"` // calendar, production_days
	ProductionWeekdays []time.Weekday `yaml:"production_weekdays"`
	MinCoverage        float64        `yaml:"min_coverage"`

	ChangeoverTolerance time.Duration `yaml:"changeover_tolerance"`
}

// WorkersConfig sizes the breakdown fan-out pool
type WorkersConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3010,
			Environment:     "development",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:   "memory",
			MaxConns: 25,
			MinConns: 5,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "oeesense",
			TTL:       time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		OEE: OEEConfig{
			Availability:         FormulaConfig{Mode: "standard"},
			Performance:          FormulaConfig{Mode: "standard"},
			Quality:              FormulaConfig{Mode: "standard"},
			CapPerformance:       true,
			PerformanceWarnAbove: 150,
			DefaultTarget: TargetDefaults{
				OEE:          85,
				Availability: 90,
				Performance:  95,
				Quality:      99,
			},
			FallbackIdealRate: 600,
			AggregateRateMode: "machine",
			TrendMode:         "calendar",
			ProductionWeekdays: []time.Weekday{
				time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
			},
			MinCoverage:         0.5,
			ChangeoverTolerance: 5 * time.Minute,
		},
		Workers: WorkersConfig{
			Count:     4,
			QueueSize: 256,
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	cfg.Server.Port = getEnvInt("PORT", cfg.Server.Port)
	cfg.Server.Environment = getEnv("ENVIRONMENT", cfg.Server.Environment)
	cfg.Server.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Database.Driver = getEnv("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.URL = getEnv("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", cfg.Database.MaxConns)
	cfg.Database.MinConns = getEnvInt("DB_MIN_CONNS", cfg.Database.MinConns)
	cfg.Database.MaxConnLifetime = getEnvDuration("DB_MAX_CONN_LIFETIME", cfg.Database.MaxConnLifetime)

	cfg.Redis.Enabled = getEnvBool("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.TTL = getEnvDuration("REDIS_TTL", cfg.Redis.TTL)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)

	cfg.OEE.Availability.Mode = getEnv("OEE_AVAILABILITY_MODE", cfg.OEE.Availability.Mode)
	cfg.OEE.Availability.Expression = getEnv("OEE_AVAILABILITY_EXPR", cfg.OEE.Availability.Expression)
	cfg.OEE.Performance.Mode = getEnv("OEE_PERFORMANCE_MODE", cfg.OEE.Performance.Mode)
	cfg.OEE.Performance.Expression = getEnv("OEE_PERFORMANCE_EXPR", cfg.OEE.Performance.Expression)
	cfg.OEE.Quality.Mode = getEnv("OEE_QUALITY_MODE", cfg.OEE.Quality.Mode)
	cfg.OEE.Quality.Expression = getEnv("OEE_QUALITY_EXPR", cfg.OEE.Quality.Expression)
	cfg.OEE.CapPerformance = getEnvBool("OEE_CAP_PERFORMANCE", cfg.OEE.CapPerformance)
	cfg.OEE.FallbackIdealRate = getEnvFloat("OEE_FALLBACK_IDEAL_RATE", cfg.OEE.FallbackIdealRate)
	cfg.OEE.AggregateRateMode = getEnv("OEE_AGGREGATE_RATE_MODE", cfg.OEE.AggregateRateMode)
	cfg.OEE.TrendMode = getEnv("OEE_TREND_MODE", cfg.OEE.TrendMode)
	cfg.OEE.MinCoverage = getEnvFloat("OEE_MIN_COVERAGE", cfg.OEE.MinCoverage)

	cfg.Workers.Count = getEnvInt("WORKERS", cfg.Workers.Count)
	cfg.Workers.QueueSize = getEnvInt("WORKER_QUEUE_SIZE", cfg.Workers.QueueSize)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with. Formula
// expressions are compiled separately by the oee package.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver != "memory" && c.Database.URL == "" {
		return fmt.Errorf("database url is required for driver %q", c.Database.Driver)
	}
	for name, f := range map[string]FormulaConfig{
		"availability": c.OEE.Availability,
		"performance":  c.OEE.Performance,
		"quality":      c.OEE.Quality,
	} {
		switch strings.ToLower(f.Mode) {
		case "", "standard", "dynamic":
		case "custom":
			if strings.TrimSpace(f.Expression) == "" {
				return fmt.Errorf("%s: custom mode requires an expression", name)
			}
		default:
			return fmt.Errorf("%s: unknown formula mode %q", name, f.Mode)
		}
	}
	switch c.OEE.AggregateRateMode {
	case "machine", "average":
	default:
		return fmt.Errorf("unknown aggregate rate mode %q", c.OEE.AggregateRateMode)
	}
	switch c.OEE.TrendMode {
	case "calendar", "production_days":
	default:
		return fmt.Errorf("unknown trend mode %q", c.OEE.TrendMode)
	}
	if c.OEE.FallbackIdealRate < 0 {
		return fmt.Errorf("fallback ideal rate must not be negative")
	}
	if c.OEE.MinCoverage < 0 || c.OEE.MinCoverage > 1 {
		return fmt.Errorf("min coverage must be within [0,1]")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
