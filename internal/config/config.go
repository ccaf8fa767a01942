package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	FHIRBaseURL string `mapstructure:"FHIR_BASE_URL"`
	BearerToken string `mapstructure:"FHIR_BEARER_TOKEN"`

	MaxRequestsPerBatch int     `mapstructure:"MAX_REQUESTS_PER_BATCH"`
	MaxActiveRequests   int     `mapstructure:"MAX_ACTIVE_REQUESTS"`
	BatchTimeoutMS      int     `mapstructure:"BATCH_TIMEOUT_MS"`
	RetryMax            int     `mapstructure:"RETRY_MAX"`
	RetryWaitMinMS      int     `mapstructure:"RETRY_WAIT_MIN_MS"`
	RetryWaitMaxMS      int     `mapstructure:"RETRY_WAIT_MAX_MS"`
	HTTPTimeoutSec      int     `mapstructure:"HTTP_TIMEOUT_SEC"`
	RequestsPerSecond   float64 `mapstructure:"REQUESTS_PER_SECOND"`
	FeatureBatch        bool    `mapstructure:"FEATURE_BATCH"`
	FeatureHas          bool    `mapstructure:"FEATURE_HAS"`
	PageSize            int     `mapstructure:"PAGE_SIZE"`
	MaxActiveChecks     int     `mapstructure:"MAX_ACTIVE_CHECKS"`
	CacheTTLSec         int     `mapstructure:"CACHE_TTL_SEC"`
	CountCacheName      string  `mapstructure:"COUNT_CACHE_NAME"`
	CountCacheTTLSec    int     `mapstructure:"COUNT_CACHE_TTL_SEC"`

	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "FHIR_BASE_URL", "FHIR_BEARER_TOKEN",
	"MAX_REQUESTS_PER_BATCH", "MAX_ACTIVE_REQUESTS", "BATCH_TIMEOUT_MS",
	"RETRY_MAX", "RETRY_WAIT_MIN_MS", "RETRY_WAIT_MAX_MS", "HTTP_TIMEOUT_SEC",
	"REQUESTS_PER_SECOND", "FEATURE_BATCH", "FEATURE_HAS", "PAGE_SIZE",
	"MAX_ACTIVE_CHECKS", "CACHE_TTL_SEC", "COUNT_CACHE_NAME", "COUNT_CACHE_TTL_SEC",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
}

// Load reads configuration from .env (if present) and the environment.
// Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("MAX_REQUESTS_PER_BATCH", 10)
	v.SetDefault("MAX_ACTIVE_REQUESTS", 5)
	v.SetDefault("BATCH_TIMEOUT_MS", 20)
	v.SetDefault("RETRY_MAX", 3)
	v.SetDefault("RETRY_WAIT_MIN_MS", 100)
	v.SetDefault("RETRY_WAIT_MAX_MS", 2000)
	v.SetDefault("HTTP_TIMEOUT_SEC", 60)
	v.SetDefault("REQUESTS_PER_SECOND", 0)
	v.SetDefault("FEATURE_BATCH", true)
	v.SetDefault("FEATURE_HAS", true)
	v.SetDefault("PAGE_SIZE", 100)
	v.SetDefault("MAX_ACTIVE_CHECKS", 10)
	v.SetDefault("CACHE_TTL_SEC", 0)
	v.SetDefault("COUNT_CACHE_NAME", "counts")
	v.SetDefault("COUNT_CACHE_TTL_SEC", 600)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
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

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	cfg.FHIRBaseURL = strings.TrimSuffix(cfg.FHIRBaseURL, "/")

	if cfg.FHIRBaseURL == "" {
		return nil, fmt.Errorf("FHIR_BASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HasDatabase reports whether a persisted response cache is configured.
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

func (c *Config) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutMS) * time.Millisecond
}

func (c *Config) RetryWaitMin() time.Duration {
	return time.Duration(c.RetryWaitMinMS) * time.Millisecond
}

func (c *Config) RetryWaitMax() time.Duration {
	return time.Duration(c.RetryWaitMaxMS) * time.Millisecond
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}

// CacheTTL is the lifetime of cached responses; zero keeps them until
// cleared.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

// CountCacheTTL is the lifetime of cached _summary=count totals. Counts
// drift as the server changes, so this is kept separate from CacheTTL.
func (c *Config) CountCacheTTL() time.Duration {
	return time.Duration(c.CountCacheTTLSec) * time.Second
}

// Validate checks that the configuration is usable before anything is
// started.
func (c *Config) Validate() error {
	u, err := url.Parse(c.FHIRBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("FHIR_BASE_URL must be an absolute http(s) URL, got %q", c.FHIRBaseURL)
	}
	if c.IsProduction() && u.Scheme != "https" {
		return fmt.Errorf("FHIR_BASE_URL must use https in production")
	}
	if c.MaxRequestsPerBatch < 1 {
		return fmt.Errorf("MAX_REQUESTS_PER_BATCH must be at least 1, got %d", c.MaxRequestsPerBatch)
	}
	if c.MaxActiveRequests < 1 {
		return fmt.Errorf("MAX_ACTIVE_REQUESTS must be at least 1, got %d", c.MaxActiveRequests)
	}
	if c.PageSize < 1 {
		return fmt.Errorf("PAGE_SIZE must be at least 1, got %d", c.PageSize)
	}
	if c.BatchTimeoutMS < 0 || c.RetryMax < 0 || c.CacheTTLSec < 0 || c.CountCacheTTLSec < 0 || c.RequestsPerSecond < 0 {
		return fmt.Errorf("timeouts, retry count, cache TTL and request rate must not be negative")
	}
	if c.RetryWaitMinMS > c.RetryWaitMaxMS {
		return fmt.Errorf("RETRY_WAIT_MIN_MS (%d) exceeds RETRY_WAIT_MAX_MS (%d)", c.RetryWaitMinMS, c.RetryWaitMaxMS)
	}
	if c.HasDatabase() && c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
