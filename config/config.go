/*
Package config loads service settings from the environment.

SOURCES (later wins):
  1. Defaults below
  2. A .env file in the working directory, if present (godotenv)
  3. Process environment (viper AutomaticEnv)

KEYS:
  SERVICE_NAME          service label on logs              (profile-engine)
  HTTP_LISTEN_ADDR      API listener                       (:8080)
  METRICS_LISTEN_ADDR   /metrics and /healthz listener     (:9090)
  DATABASE_DRIVER       sqlite | postgres                  (sqlite)
  DATABASE_URL          file path or postgres URL          (profiles.db)
  LOG_LEVEL             zerolog level name                 (info)
  LIFECYCLE_SCHEDULE    cron spec of the lifecycle sweep   (@daily)
  RATES_SCHEDULE        cron spec of the rate refresh      (@hourly)
  RATES_URL             JSON rates endpoint; empty disables the refresh job
  RATES_BASE            base currency code                 (USD)
  CONTACT_WINDOW        pre-expiry contact window          (72h)
  LIFECYCLE_TIMEOUT     bound on one scheduled sweep       (10m)
  RUN_JOBS_ON_START     run both jobs once at startup      (false)
  CORS_ALLOWED_ORIGINS  comma separated origins            (*)
  PLATFORM_CACHE_SIZE   cached platform records            (128)
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	ServiceName        string        `mapstructure:"SERVICE_NAME"`
	HTTPListenAddr     string        `mapstructure:"HTTP_LISTEN_ADDR"`
	MetricsListenAddr  string        `mapstructure:"METRICS_LISTEN_ADDR"`
	DatabaseDriver     string        `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	LifecycleSchedule  string        `mapstructure:"LIFECYCLE_SCHEDULE"`
	RatesSchedule      string        `mapstructure:"RATES_SCHEDULE"`
	RatesURL           string        `mapstructure:"RATES_URL"`
	RatesBase          string        `mapstructure:"RATES_BASE"`
	ContactWindow      time.Duration `mapstructure:"CONTACT_WINDOW"`
	LifecycleTimeout   time.Duration `mapstructure:"LIFECYCLE_TIMEOUT"`
	RunJobsOnStart     bool          `mapstructure:"RUN_JOBS_ON_START"`
	CORSAllowedOrigins []string      `mapstructure:"CORS_ALLOWED_ORIGINS"`
	PlatformCacheSize  int           `mapstructure:"PLATFORM_CACHE_SIZE"`

	// EnvFileLoaded reports whether a .env file was read.
	EnvFileLoaded bool `mapstructure:"-"`
}

var defaults = map[string]any{
	"SERVICE_NAME":         "profile-engine",
	"HTTP_LISTEN_ADDR":     ":8080",
	"METRICS_LISTEN_ADDR":  ":9090",
	"DATABASE_DRIVER":      "sqlite",
	"DATABASE_URL":         "profiles.db",
	"LOG_LEVEL":            "info",
	"LIFECYCLE_SCHEDULE":   "@daily",
	"RATES_SCHEDULE":       "@hourly",
	"RATES_URL":            "",
	"RATES_BASE":           "USD",
	"CONTACT_WINDOW":       "72h",
	"LIFECYCLE_TIMEOUT":    "10m",
	"RUN_JOBS_ON_START":    false,
	"CORS_ALLOWED_ORIGINS": "*",
	"PLATFORM_CACHE_SIZE":  128,
}

// Load reads configuration. envFiles default to ".env"; a missing file is not an error.
func Load(envFiles ...string) (*Config, error) {
	loaded := godotenv.Load(envFiles...) == nil

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.EnvFileLoaded = loaded
	cfg.CORSAllowedOrigins = splitList(cfg.CORSAllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.ContactWindow <= 0 {
		return fmt.Errorf("CONTACT_WINDOW must be positive, got %s", c.ContactWindow)
	}
	if c.LifecycleTimeout <= 0 {
		return fmt.Errorf("LIFECYCLE_TIMEOUT must be positive, got %s", c.LifecycleTimeout)
	}
	if c.LifecycleSchedule == "" {
		return fmt.Errorf("LIFECYCLE_SCHEDULE is required")
	}
	return nil
}

// splitList trims entries and drops empties; env values arrive as one
// comma separated string.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
