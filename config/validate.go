package config

import (
	"errors"
	"fmt"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/unkn0wn-root/casorm/persister"
)

// ConfigError reports every invalid setting of one section.
type ConfigError struct {
	Section string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Section, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (l LoggingConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Backend, validation.In("zap", "logrus", "slog", "none")),
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&l.Format, validation.In("json", "text")),
	)
}

func (h HooksConfig) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.Kind, validation.In("none", "slog", "prometheus")),
		validation.Field(&h.Namespace, validation.Required),
		validation.Field(&h.Workers, validation.Min(0)),
		validation.Field(&h.Queue, validation.Min(0)),
	)
}

func (s StorageConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Driver, validation.Required, validation.In("memory", "sqlite3", "sqlite", "postgres")),
		validation.Field(&s.DSN, validation.When(s.Driver != "memory", validation.Required)),
	)
}

func (r RegionConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.Provider, validation.Required, validation.In("bigcache", "ristretto", "redis", "sturdyc")),
		validation.Field(&r.Codec, validation.In("json", "msgpack", "cbor", "proto")),
		validation.Field(&r.TTL, validation.Min(0)),
		validation.Field(&r.LockLifetime, validation.Min(0)),
		validation.Field(&r.Shards, validation.When(r.Provider == "bigcache", validation.By(powerOfTwo))),
		validation.Field(&r.Capacity, validation.When(r.Provider == "sturdyc", validation.Min(r.Shards))),
		validation.Field(&r.EvictionPct, validation.Min(0), validation.Max(100)),
		validation.Field(&r.MaxValue, validation.Min(0)),
	)
}

func powerOfTwo(v any) error {
	n, _ := v.(int)
	if n <= 0 || n&(n-1) != 0 {
		return errors.New("must be a power of two")
	}
	return nil
}

// Validate checks every section and that each mapping names a configured
// region with a known strategy.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return &ConfigError{Section: "logging", Err: err}
	}
	if err := c.Hooks.Validate(); err != nil {
		return &ConfigError{Section: "hooks", Err: err}
	}
	if err := c.Storage.Validate(); err != nil {
		return &ConfigError{Section: "storage", Err: err}
	}

	seen := make(map[string]bool, len(c.Regions))
	for i, r := range c.Regions {
		if err := r.Validate(); err != nil {
			return &ConfigError{Section: fmt.Sprintf("regions[%d]", i), Err: err}
		}
		if seen[r.Name] {
			return &ConfigError{Section: fmt.Sprintf("regions[%d]", i), Err: fmt.Errorf("duplicate region %q", r.Name)}
		}
		seen[r.Name] = true
	}
	if c.needsRedis() {
		if err := validation.Validate(c.Redis.Addr, validation.Required); err != nil {
			return &ConfigError{Section: "redis.addr", Err: err}
		}
	}

	check := func(section string, m map[string]MappingConfig) error {
		errs := validation.Errors{}
		for _, name := range sortedKeys(m) {
			mc := m[name]
			if !seen[mc.Region] {
				errs[name] = fmt.Errorf("unknown region %q", mc.Region)
				continue
			}
			if _, err := persister.ParseStrategy(mc.Strategy); err != nil {
				errs[name] = err
			}
		}
		if len(errs) > 0 {
			return &ConfigError{Section: section, Err: errs}
		}
		return nil
	}
	if err := check("entities", c.Entities); err != nil {
		return err
	}
	return check("collections", c.Collections)
}

func sortedKeys(m map[string]MappingConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
