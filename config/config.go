// Package config loads the cache and storage setup of an application from
// YAML, applies environment overrides and builds the runtime pieces: a
// casorm.Cache with its regions, a persister.Storage, a logger and hooks.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file is read.
const (
	EnvRedisAddr  = "CASORM_REDIS_ADDR"
	EnvRedisDB    = "CASORM_REDIS_DB"
	EnvStorageDSN = "CASORM_STORAGE_DSN"
	EnvLogLevel   = "CASORM_LOG_LEVEL"
)

type Config struct {
	Logging LoggingConfig  `yaml:"logging"`
	Hooks   HooksConfig    `yaml:"hooks"`
	Redis   RedisConfig    `yaml:"redis"`
	Storage StorageConfig  `yaml:"storage"`
	Regions []RegionConfig `yaml:"regions"`
	// Entities maps class names, Collections association roles
	// ("Class.Field"), to the region that caches them.
	Entities    map[string]MappingConfig `yaml:"entities"`
	Collections map[string]MappingConfig `yaml:"collections"`
}

// LoggingConfig selects the logging backend.
type LoggingConfig struct {
	Backend string `yaml:"backend"` // zap, logrus, slog or none
	Level   string `yaml:"level"`   // debug, info, warn, error
	Format  string `yaml:"format"`  // json or text
}

type HooksConfig struct {
	Kind      string `yaml:"kind"` // none, slog or prometheus
	Namespace string `yaml:"namespace"`
	Async     bool   `yaml:"async"`
	Workers   int    `yaml:"workers"`
	Queue     int    `yaml:"queue"`
	// slog sampling
	SelfHealEvery   uint64 `yaml:"self_heal_every"`
	LockDeniedEvery uint64 `yaml:"lock_denied_every"`
}

// RedisConfig is shared by redis providers, gen stores and lock tables.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	DB        int    `yaml:"db"`
	Password  string `yaml:"password"`
	Namespace string `yaml:"namespace"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite3 or postgres
	DSN    string `yaml:"dsn"`
	// CreateSchema creates missing tables for the registered classes.
	CreateSchema bool `yaml:"create_schema"`
}

// RegionConfig describes one cache region.
type RegionConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // bigcache, ristretto, redis or sturdyc
	Codec    string `yaml:"codec"`    // json, msgpack, cbor or proto
	// Shared keeps generations and locks in Redis so every process sees
	// the same evictions.
	Shared       bool          `yaml:"shared"`
	TTL          time.Duration `yaml:"ttl"`
	LockLifetime time.Duration `yaml:"lock_lifetime"`
	Disabled     bool          `yaml:"disabled"`
	// MaxValue bounds encoded entries in bytes; larger rows are not cached.
	MaxValue int `yaml:"max_value"`

	// provider sizing; unused fields are ignored
	Capacity    int   `yaml:"capacity"`     // sturdyc entries
	Shards      int   `yaml:"shards"`       // bigcache, sturdyc
	MaxCost     int64 `yaml:"max_cost"`     // ristretto bytes
	HardMaxMB   int   `yaml:"hard_max_mb"`  // bigcache
	MaxEntrySz  int   `yaml:"max_entry_sz"` // bigcache, bytes
	EvictionPct int   `yaml:"eviction_pct"` // sturdyc
}

type MappingConfig struct {
	Region   string `yaml:"region"`
	Strategy string `yaml:"strategy"` // read-only, nonstrict-read-write, read-write
}

// Default returns a config with one in-process read-write region and
// in-memory storage.
func Default() *Config {
	cfg := &Config{Regions: []RegionConfig{{Name: "default"}}}
	setDefaults(cfg)
	return cfg
}

// Load reads path, applies defaults and environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load for configuration already in memory.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	setDefaults(&cfg)
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Logging.Backend == "" {
		cfg.Logging.Backend = "none"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Hooks.Kind == "" {
		cfg.Hooks.Kind = "none"
	}
	if cfg.Hooks.Namespace == "" {
		cfg.Hooks.Namespace = "casorm"
	}
	if cfg.Redis.Namespace == "" {
		cfg.Redis.Namespace = "casorm"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	for i := range cfg.Regions {
		r := &cfg.Regions[i]
		if r.Provider == "" {
			r.Provider = "bigcache"
		}
		if r.Codec == "" {
			r.Codec = "json"
		}
		if r.TTL == 0 {
			r.TTL = 10 * time.Minute
		}
		if r.Shards == 0 {
			r.Shards = 64
		}
		if r.Capacity == 0 {
			r.Capacity = 100_000
		}
		if r.MaxCost == 0 {
			r.MaxCost = 64 << 20
		}
		if r.EvictionPct == 0 {
			r.EvictionPct = 10
		}
	}
	for name, m := range cfg.Entities {
		if m.Strategy == "" {
			m.Strategy = "read-write"
			cfg.Entities[name] = m
		}
	}
	for role, m := range cfg.Collections {
		if m.Strategy == "" {
			m.Strategy = "read-write"
			cfg.Collections[role] = m
		}
	}
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv(EnvRedisDB); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvRedisDB, err)
		}
		cfg.Redis.DB = db
	}
	if v := os.Getenv(EnvStorageDSN); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// Region returns the region named name.
func (c *Config) Region(name string) (RegionConfig, bool) {
	for _, r := range c.Regions {
		if r.Name == name {
			return r, true
		}
	}
	return RegionConfig{}, false
}

// needsRedis reports whether any region talks to Redis.
func (c *Config) needsRedis() bool {
	for _, r := range c.Regions {
		if r.Provider == "redis" || r.Shared {
			return true
		}
	}
	return false
}
