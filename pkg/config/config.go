// Package config holds server defaults and the file/environment
// configuration layer.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cast"
	"go.uber.org/multierr"

	"github.com/nicktill/plotpurr/pkg/downsample"
	"github.com/nicktill/plotpurr/pkg/timerange"
)

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultMaxMemoryMB = 48
	DefaultExecutorURL = "http://localhost:8123/"
	DefaultCacheDir    = "./data/plotpurr"
)

// Viewport defaults
const (
	DefaultPointBudget    = 2000
	DefaultMethod         = downsample.MethodLTTB
	DefaultDebounce       = 120 * time.Millisecond
	DefaultSnapTolerance  = 0.03
	DefaultCacheTolerance = 1e-4
)

// Background tasks
const (
	BadgerGCInterval  = 10 * time.Minute
	BadgerGCDiscard   = 0.5
	ShutdownTimeout   = 30 * time.Second
	ServerReadTimeout = 10 * time.Second
)

// SQLTimeout bounds a passthrough query from the HTTP API.
const SQLTimeout = 60 * time.Second

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PLOTPURR_"

// Executor configures the engine connection.
type Executor struct {
	URL      string        `toml:"url"`
	User     string        `toml:"user"`
	Password string        `toml:"password"`
	Database string        `toml:"database"`
	Timeout  time.Duration `toml:"timeout"`
}

// Cache configures the discovery cache.
type Cache struct {
	Dir         string `toml:"dir"`
	InMemory    bool   `toml:"inMemory"`
	MaxMemoryMB int64  `toml:"maxMemoryMB"`
}

// Viewport configures the controller.
type Viewport struct {
	PointBudget    int               `toml:"pointBudget"`
	Method         downsample.Method `toml:"method"`
	TimeUnit       timerange.Unit    `toml:"timeUnit"`
	Debounce       time.Duration     `toml:"debounce"`
	SnapTolerance  float64           `toml:"snapTolerance"`
	CacheTolerance float64           `toml:"cacheTolerance"`
	MaxConcurrency int               `toml:"maxConcurrency"`
}

// Config is the full server configuration.
type Config struct {
	Port     string   `toml:"port"`
	LogLevel string   `toml:"logLevel"`
	DataDir  string   `toml:"dataDir"`
	Paths    []string `toml:"paths"`
	Executor Executor `toml:"executor"`
	Cache    Cache    `toml:"cache"`
	Viewport Viewport `toml:"viewport"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:     DefaultPort,
		LogLevel: "info",
		Executor: Executor{URL: DefaultExecutorURL},
		Cache: Cache{
			Dir:         DefaultCacheDir,
			MaxMemoryMB: DefaultMaxMemoryMB,
		},
		Viewport: Viewport{
			PointBudget:    DefaultPointBudget,
			Method:         DefaultMethod,
			TimeUnit:       timerange.UnitNone,
			Debounce:       DefaultDebounce,
			SnapTolerance:  DefaultSnapTolerance,
			CacheTolerance: DefaultCacheTolerance,
		},
	}
}

// Load reads the TOML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from PLOTPURR_* variables. Every malformed value
// is reported.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	parse := func(key string, set func(string) error) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		if err := set(v); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("invalid value for %s%s: %q", EnvPrefix, key, v))
		}
	}

	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("DATA_DIR", &c.DataDir)
	str("EXECUTOR_URL", &c.Executor.URL)
	str("EXECUTOR_USER", &c.Executor.User)
	str("EXECUTOR_PASSWORD", &c.Executor.Password)
	str("EXECUTOR_DATABASE", &c.Executor.Database)
	str("CACHE_DIR", &c.Cache.Dir)

	parse("PATHS", func(v string) error {
		c.Paths = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Paths = append(c.Paths, p)
			}
		}
		return nil
	})
	parse("EXECUTOR_TIMEOUT", func(v string) (err error) {
		c.Executor.Timeout, err = cast.ToDurationE(v)
		return err
	})
	parse("CACHE_IN_MEMORY", func(v string) (err error) {
		c.Cache.InMemory, err = cast.ToBoolE(v)
		return err
	})
	parse("MAX_MEMORY_MB", func(v string) (err error) {
		c.Cache.MaxMemoryMB, err = cast.ToInt64E(v)
		return err
	})
	parse("POINT_BUDGET", func(v string) (err error) {
		c.Viewport.PointBudget, err = cast.ToIntE(v)
		return err
	})
	parse("METHOD", func(v string) (err error) {
		c.Viewport.Method, err = downsample.ParseMethod(v)
		return err
	})
	parse("TIME_UNIT", func(v string) (err error) {
		c.Viewport.TimeUnit, err = timerange.ParseUnit(v)
		return err
	})
	parse("DEBOUNCE", func(v string) (err error) {
		c.Viewport.Debounce, err = cast.ToDurationE(v)
		return err
	})
	parse("MAX_CONCURRENCY", func(v string) (err error) {
		c.Viewport.MaxConcurrency, err = cast.ToIntE(v)
		return err
	})
	return errs
}

// Validate checks the configuration for values the server cannot run with.
func (c Config) Validate() error {
	var errs error
	if c.Port == "" {
		errs = multierr.Append(errs, fmt.Errorf("port is required"))
	}
	if c.Executor.URL == "" {
		errs = multierr.Append(errs, fmt.Errorf("executor url is required"))
	}
	if c.Viewport.PointBudget < 1 {
		errs = multierr.Append(errs, fmt.Errorf("point budget must be at least 1, got %d", c.Viewport.PointBudget))
	}
	if _, err := downsample.ParseMethod(string(c.Viewport.Method)); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := timerange.ParseUnit(string(c.Viewport.TimeUnit)); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.Viewport.Debounce < 0 {
		errs = multierr.Append(errs, fmt.Errorf("debounce must not be negative"))
	}
	if !c.Cache.InMemory && c.Cache.Dir == "" {
		errs = multierr.Append(errs, fmt.Errorf("cache dir is required unless the cache is in memory"))
	}
	return errs
}
