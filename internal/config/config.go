// Package config loads and validates the bridge configuration from a config
// file and environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Server      ServerConfig     `mapstructure:"server"`
	Auth        AuthConfig       `mapstructure:"auth"`
	Init        InitConfig       `mapstructure:"init"`
	Health      HealthConfig     `mapstructure:"health"`
	Proxy       ProxyConfig      `mapstructure:"proxy"`
	Query       QueryConfig      `mapstructure:"query"`
	Catalog     CatalogConfig    `mapstructure:"catalog"`
	RateLimit   RateLimitConfig  `mapstructure:"rate_limit"`
	Log         LogConfig        `mapstructure:"log"`
	Downstreams []DownstreamConfig `mapstructure:"downstreams"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port                    int           `mapstructure:"port" validate:"min=1,max=65535"`
	Host                    string        `mapstructure:"host"`
	BaseURL                 string        `mapstructure:"base_url"`
	BaseURLHeader           string        `mapstructure:"base_url_header"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// AuthConfig holds the optional request authentication settings. When both
// APIKey and RequiredGroups are empty, authentication is disabled.
type AuthConfig struct {
	APIKey         string   `mapstructure:"api_key"`
	RequiredGroups []string `mapstructure:"required_groups"`

	// AllowLocalhost bypasses auth for loopback peers. Judged by the
	// connection's remote address, never the Host header. Off by default.
	AllowLocalhost bool `mapstructure:"allow_localhost"`
}

// Enabled reports whether request authentication is configured.
func (a AuthConfig) Enabled() bool {
	return a.APIKey != "" || len(a.RequiredGroups) > 0
}

// InitConfig holds the resilient-initializer budget and backoff parameters.
type InitConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	RetryInitial  time.Duration `mapstructure:"retry_initial_delay"`
	RetryMax      time.Duration `mapstructure:"retry_max_delay"`
	BackoffFactor float64       `mapstructure:"retry_backoff_factor" validate:"gt=1"`
}

// HealthConfig holds the health-monitor cadence.
type HealthConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// ProxyConfig holds the reverse-proxy deadline.
type ProxyConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// QueryConfig bounds the filter/enrichment pipeline.
type QueryConfig struct {
	MaxMetadataFetches int           `mapstructure:"max_metadata_fetches" validate:"min=1"`
	EnrichParallelism  int           `mapstructure:"enrich_parallelism" validate:"min=1"`
	GlobalFetchLimit   int64         `mapstructure:"global_fetch_limit" validate:"min=1"`
	FilterCacheSize    int           `mapstructure:"filter_cache_size" validate:"min=1"`
	FilterCacheTTL     time.Duration `mapstructure:"filter_cache_ttl"`
	EntityCacheSize    int           `mapstructure:"entity_cache_size" validate:"min=1"`
	EntityCacheTTL     time.Duration `mapstructure:"entity_cache_ttl"`
}

// CatalogConfig holds the name-catalog refresh settings.
type CatalogConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	CacheDir        string        `mapstructure:"cache_dir"`
}

// RateLimitConfig holds the optional per-client rate limit.
type RateLimitConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	PerMinute int  `mapstructure:"per_minute"`
	Burst     int  `mapstructure:"burst"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// GroupRef names one (groupType, groupId) pair a downstream owns.
type GroupRef struct {
	Type string `mapstructure:"type" json:"type" validate:"required"`
	ID   string `mapstructure:"id" json:"id" validate:"required"`
}

// DownstreamConfig declares one downstream registry.
type DownstreamConfig struct {
	URL    string     `mapstructure:"url" json:"url" validate:"required,url"`
	Groups []GroupRef `mapstructure:"groups" json:"groups" validate:"required,min=1,dive"`
}

// Error marks a configuration problem. The process exits with code 2 when
// it sees one.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func configErrorf(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Load reads configuration from the optional config file, then applies
// environment overrides, then validates.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/xregistry-bridge")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, configErrorf("reading config file: %v", err)
		}
	}

	v.SetEnvPrefix("XRB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindFlatEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configErrorf("parsing configuration: %v", err)
	}
	applyMillisecondEnv(&cfg)

	if err := loadDownstreams(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindFlatEnv maps the flat environment names the deployment surface uses
// onto their config keys. Duration-valued names are handled separately by
// applyMillisecondEnv because their values are bare millisecond counts.
func bindFlatEnv(v *viper.Viper) {
	flat := map[string]string{
		"server.port":               "PORT",
		"server.base_url":           "BASE_URL",
		"server.base_url_header":    "BASE_URL_HEADER",
		"auth.api_key":              "BRIDGE_API_KEY",
		"auth.required_groups":      "REQUIRED_GROUPS",
		"init.retry_backoff_factor": "RETRY_BACKOFF_FACTOR",
	}
	for key, env := range flat {
		_ = v.BindEnv(key, env)
	}
}

// applyMillisecondEnv overrides duration settings from their flat env names.
// Values are millisecond integers ("120000"); duration strings ("120s") are
// accepted too.
func applyMillisecondEnv(cfg *Config) {
	targets := map[string]*time.Duration{
		"INITIALIZATION_TIMEOUT": &cfg.Init.Timeout,
		"RETRY_INITIAL_DELAY":    &cfg.Init.RetryInitial,
		"RETRY_MAX_DELAY":        &cfg.Init.RetryMax,
		"SERVER_HEALTH_TIMEOUT":  &cfg.Init.ProbeTimeout,
	}
	for env, target := range targets {
		raw := os.Getenv(env)
		if raw == "" {
			continue
		}
		if ms, err := strconv.Atoi(raw); err == nil {
			*target = time.Duration(ms) * time.Millisecond
			continue
		}
		if d, err := time.ParseDuration(raw); err == nil {
			*target = d
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.base_url_header", "x-base-url")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.graceful_shutdown_timeout", 15*time.Second)

	v.SetDefault("init.timeout", 120*time.Second)
	v.SetDefault("init.probe_timeout", 10*time.Second)
	v.SetDefault("init.retry_initial_delay", time.Second)
	v.SetDefault("init.retry_max_delay", 10*time.Second)
	v.SetDefault("init.retry_backoff_factor", 2.0)

	v.SetDefault("health.interval", 60*time.Second)
	v.SetDefault("health.probe_timeout", 5*time.Second)

	v.SetDefault("proxy.timeout", 30*time.Second)

	v.SetDefault("query.max_metadata_fetches", 30)
	v.SetDefault("query.enrich_parallelism", 8)
	v.SetDefault("query.global_fetch_limit", 64)
	v.SetDefault("query.filter_cache_size", 2000)
	v.SetDefault("query.filter_cache_ttl", 10*time.Minute)
	v.SetDefault("query.entity_cache_size", 2000)
	v.SetDefault("query.entity_cache_ttl", 5*time.Minute)

	v.SetDefault("catalog.refresh_interval", 12*time.Hour)
	v.SetDefault("catalog.cache_dir", "./cache")

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.per_minute", 600)
	v.SetDefault("rate_limit.burst", 60)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
}

// loadDownstreams resolves the downstream list from, in order of priority:
// DOWNSTREAMS_JSON (inline), BRIDGE_CONFIG_FILE (JSON file), or the
// "downstreams" section of the config file.
func loadDownstreams(cfg *Config) error {
	if inline := os.Getenv("DOWNSTREAMS_JSON"); inline != "" {
		ds, err := parseDownstreamsJSON([]byte(inline))
		if err != nil {
			return configErrorf("DOWNSTREAMS_JSON: %v", err)
		}
		cfg.Downstreams = ds
		return nil
	}
	if file := os.Getenv("BRIDGE_CONFIG_FILE"); file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return configErrorf("reading BRIDGE_CONFIG_FILE %s: %v", file, err)
		}
		ds, err := parseDownstreamsJSON(raw)
		if err != nil {
			return configErrorf("BRIDGE_CONFIG_FILE %s: %v", file, err)
		}
		cfg.Downstreams = ds
	}
	return nil
}

func parseDownstreamsJSON(raw []byte) ([]DownstreamConfig, error) {
	var ds []DownstreamConfig
	if err := json.Unmarshal(raw, &ds); err != nil {
		// Accept the {"downstreams": [...]} envelope too.
		var wrapper struct {
			Downstreams []DownstreamConfig `json:"downstreams"`
		}
		if err2 := json.Unmarshal(raw, &wrapper); err2 != nil || wrapper.Downstreams == nil {
			return nil, fmt.Errorf("malformed downstream list: %w", err)
		}
		ds = wrapper.Downstreams
	}
	return ds, nil
}

// Validate checks structural constraints, downstream URLs, and group
// uniqueness across the whole bridge namespace.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return configErrorf("invalid configuration: %v", err)
	}
	if c.Server.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Server.BaseURL); err != nil {
			return configErrorf("invalid base_url %q: %v", c.Server.BaseURL, err)
		}
	}
	if len(c.Downstreams) == 0 {
		return configErrorf("no downstreams configured")
	}

	seen := make(map[string]string)
	for _, d := range c.Downstreams {
		for _, g := range d.Groups {
			key := g.Type + "/" + g.ID
			if owner, dup := seen[key]; dup {
				return configErrorf("duplicate group %s claimed by %s and %s", key, owner, d.URL)
			}
			seen[key] = d.URL
		}
	}
	return nil
}
