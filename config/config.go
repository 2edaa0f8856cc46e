// Package config loads server settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port          string        `mapstructure:"PORT"`
	Env           string        `mapstructure:"ENV"`
	LogFormat     string        `mapstructure:"LOG_FORMAT"`
	DBDriver      string        `mapstructure:"DB_DRIVER"`
	SQLitePath    string        `mapstructure:"SQLITE_PATH"`
	DatabaseURL   string        `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL      string        `mapstructure:"REDIS_URL"`
	LockTTL       time.Duration `mapstructure:"LOCK_TTL"`
	LockWait      time.Duration `mapstructure:"LOCK_WAIT"`
	AMQPURL       string        `mapstructure:"AMQP_URL"`
	AMQPExchange  string        `mapstructure:"AMQP_EXCHANGE"`
	RulesFile     string        `mapstructure:"RULES_FILE"`
	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepBatch    int           `mapstructure:"SWEEP_BATCH"`
	CORSOrigins   []string      `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_FORMAT",
	"DB_DRIVER", "SQLITE_PATH", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "LOCK_TTL", "LOCK_WAIT",
	"AMQP_URL", "AMQP_EXCHANGE",
	"RULES_FILE", "SWEEP_INTERVAL", "SWEEP_BATCH", "CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("DB_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "posting.db")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("LOCK_TTL", "30s")
	v.SetDefault("LOCK_WAIT", "5s")
	v.SetDefault("AMQP_EXCHANGE", "claim.activity")
	v.SetDefault("SWEEP_INTERVAL", "0s")
	v.SetDefault("SWEEP_BATCH", 100)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings are consistent enough to start.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case DriverMemory:
		if !c.IsDev() {
			return fmt.Errorf("the memory driver is only allowed with ENV=development")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q, %q or %q, got %q", DriverSQLite, DriverPostgres, DriverMemory, c.DBDriver)
	}

	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive, got %s", c.LockTTL)
	}
	if c.LockWait <= 0 {
		return fmt.Errorf("LOCK_WAIT must be positive, got %s", c.LockWait)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("SWEEP_INTERVAL must not be negative")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be \"text\" or \"json\", got %q", c.LogFormat)
	}
	return nil
}
