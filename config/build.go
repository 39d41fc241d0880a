package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdslog "log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/casorm"
	"github.com/unkn0wn-root/casorm/codec"
	"github.com/unkn0wn-root/casorm/genstore"
	"github.com/unkn0wn-root/casorm/hooks"
	asynchook "github.com/unkn0wn-root/casorm/hooks/async"
	"github.com/unkn0wn-root/casorm/hooks/promhooks"
	"github.com/unkn0wn-root/casorm/hooks/sloghooks"
	"github.com/unkn0wn-root/casorm/log"
	logruslog "github.com/unkn0wn-root/casorm/log/logrus"
	slogadapter "github.com/unkn0wn-root/casorm/log/slog"
	zaplog "github.com/unkn0wn-root/casorm/log/zap"
	"github.com/unkn0wn-root/casorm/metadata"
	"github.com/unkn0wn-root/casorm/persister"
	"github.com/unkn0wn-root/casorm/provider"
	"github.com/unkn0wn-root/casorm/provider/bigcache"
	redisprov "github.com/unkn0wn-root/casorm/provider/redis"
	"github.com/unkn0wn-root/casorm/provider/ristretto"
	"github.com/unkn0wn-root/casorm/provider/sturdyc"
	"github.com/unkn0wn-root/casorm/region"
)

// BuildOptions supply what a file cannot.
type BuildOptions struct {
	// Registry, when set, is checked against the entity and collection
	// mappings.
	Registry *metadata.Registry
	// Registerer receives the prometheus counters; nil => default registerer.
	Registerer prometheus.Registerer
	// Output receives log lines; nil => os.Stderr.
	Output io.Writer
	// Redis overrides the client built from the redis section.
	Redis goredis.UniversalClient
}

// Runtime is what Build assembled. Close releases all of it.
type Runtime struct {
	Cache  *casorm.Cache
	Logger log.Logger
	Hooks  hooks.Hooks
	Redis  goredis.UniversalClient // nil unless a region uses Redis

	regions map[string]region.Region
	closers []func(context.Context) error
}

// Region returns a configured region, mapped or not.
func (rt *Runtime) Region(name string) (region.Region, bool) {
	r, ok := rt.regions[name]
	return r, ok
}

// UnitOfWork returns a unit of work over storage sharing this runtime's
// cache, logger and hooks.
func (rt *Runtime) UnitOfWork(reg *metadata.Registry, storage persister.Storage) (*casorm.UnitOfWork, error) {
	return casorm.New(casorm.Options{
		Registry: reg,
		Storage:  storage,
		Cache:    rt.Cache,
		Logger:   rt.Logger,
		Hooks:    rt.Hooks,
	})
}

// Close releases resources in reverse build order and returns the first error.
func (rt *Runtime) Close(ctx context.Context) error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	rt.closers = nil
	return first
}

func (rt *Runtime) onClose(fn func(context.Context) error) { rt.closers = append(rt.closers, fn) }

// Build wires the configured logger, hooks and regions into a cache.
func Build(ctx context.Context, cfg *Config, opts BuildOptions) (rt *Runtime, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Registry != nil {
		if err := checkMappings(cfg, opts.Registry); err != nil {
			return nil, err
		}
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	rt = &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close(ctx)
			rt = nil
		}
	}()

	if rt.Logger, err = buildLogger(rt, cfg.Logging, out); err != nil {
		return rt, err
	}
	if rt.Hooks, err = buildHooks(rt, cfg.Hooks, opts.Registerer, out); err != nil {
		return rt, err
	}

	if cfg.needsRedis() {
		rt.Redis = opts.Redis
		if rt.Redis == nil {
			client := goredis.NewUniversalClient(&goredis.UniversalOptions{
				Addrs:    []string{cfg.Redis.Addr},
				DB:       cfg.Redis.DB,
				Password: cfg.Redis.Password,
			})
			rt.onClose(func(context.Context) error { return client.Close() })
			if err := client.Ping(ctx).Err(); err != nil {
				return rt, fmt.Errorf("config: redis %s: %w", cfg.Redis.Addr, err)
			}
			rt.Redis = client
		}
	}

	rt.Cache = casorm.NewCache(casorm.CacheOptions{Logger: rt.Logger, Hooks: rt.Hooks})

	rt.regions = make(map[string]region.Region, len(cfg.Regions))
	regions := rt.regions
	for _, rc := range cfg.Regions {
		r, err := buildRegion(ctx, rt, cfg.Redis, rc)
		if err != nil {
			return rt, fmt.Errorf("config: region %s: %w", rc.Name, err)
		}
		regions[rc.Name] = r
		// closed here rather than by the cache, which only knows mapped regions
		rt.onClose(r.Close)
	}

	for _, name := range sortedKeys(cfg.Entities) {
		m := cfg.Entities[name]
		s, _ := persister.ParseStrategy(m.Strategy)
		if err := rt.Cache.CacheEntity(name, regions[m.Region], s); err != nil {
			return rt, err
		}
	}
	for _, role := range sortedKeys(cfg.Collections) {
		m := cfg.Collections[role]
		s, _ := persister.ParseStrategy(m.Strategy)
		if err := rt.Cache.CacheCollection(role, regions[m.Region], s); err != nil {
			return rt, err
		}
	}

	rt.Logger.Info("cache configured", log.Fields{
		"regions": len(cfg.Regions), "entities": len(cfg.Entities), "collections": len(cfg.Collections),
	})
	return rt, nil
}

func checkMappings(cfg *Config, reg *metadata.Registry) error {
	for _, name := range sortedKeys(cfg.Entities) {
		if _, err := reg.Class(name); err != nil {
			return &ConfigError{Section: "entities", Err: err}
		}
	}
	for _, role := range sortedKeys(cfg.Collections) {
		class, field, ok := strings.Cut(role, ".")
		if !ok {
			return &ConfigError{Section: "collections", Err: fmt.Errorf("%q is not Class.Field", role)}
		}
		cl, err := reg.Class(class)
		if err != nil {
			return &ConfigError{Section: "collections", Err: err}
		}
		if a, ok := cl.Association(field); !ok || !a.ToMany() {
			return &ConfigError{Section: "collections", Err: fmt.Errorf("%s is not a to-many association", role)}
		}
	}
	return nil
}

func buildLogger(rt *Runtime, lc LoggingConfig, out io.Writer) (log.Logger, error) {
	switch lc.Backend {
	case "zap":
		lvl, err := zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		if lc.Format == "text" {
			enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		}
		l := zap.New(zapcore.NewCore(enc, zapcore.AddSync(out), lvl)).Named("casorm")
		rt.onClose(func(context.Context) error { _ = l.Sync(); return nil })
		return zaplog.ZapLogger{L: l}, nil
	case "logrus":
		lvl, err := logrus.ParseLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		l := logrus.New()
		l.SetOutput(out)
		l.SetLevel(lvl)
		if lc.Format == "json" {
			l.SetFormatter(&logrus.JSONFormatter{})
		}
		return logruslog.New(l, "casorm"), nil
	case "slog":
		return slogadapter.Logger{L: newSlog(lc, out)}, nil
	}
	return log.Nop{}, nil
}

func newSlog(lc LoggingConfig, out io.Writer) *stdslog.Logger {
	var lvl stdslog.Level
	if err := lvl.UnmarshalText([]byte(lc.Level)); err != nil {
		lvl = stdslog.LevelInfo
	}
	hopts := &stdslog.HandlerOptions{Level: lvl}
	if lc.Format == "text" {
		return stdslog.New(stdslog.NewTextHandler(out, hopts))
	}
	return stdslog.New(stdslog.NewJSONHandler(out, hopts))
}

func buildHooks(rt *Runtime, hc HooksConfig, reg prometheus.Registerer, out io.Writer) (hooks.Hooks, error) {
	var h hooks.Hooks
	switch hc.Kind {
	case "slog":
		h = sloghooks.New(newSlog(LoggingConfig{Level: "info", Format: "json"}, out), sloghooks.Options{
			SelfHealEvery:   hc.SelfHealEvery,
			LockDeniedEvery: hc.LockDeniedEvery,
		})
	case "prometheus":
		h = promhooks.New(reg, hc.Namespace)
	default:
		return hooks.Nop{}, nil
	}
	if hc.Async {
		a := asynchook.New(h, hc.Workers, hc.Queue)
		rt.onClose(func(context.Context) error { a.Close(); return nil })
		return a, nil
	}
	return h, nil
}

type closingRegion interface {
	region.Region
	Close(context.Context) error
}

func buildRegion(ctx context.Context, rt *Runtime, rc RedisConfig, c RegionConfig) (closingRegion, error) {
	p, err := buildProvider(ctx, rt, rc, c)
	if err != nil {
		return nil, err
	}
	if pg, ok := p.(provider.Pinger); ok {
		if err := pg.Ping(ctx); err != nil {
			_ = p.Close(ctx)
			return nil, err
		}
	}
	cd, err := buildCodec(c.Codec)
	if err != nil {
		_ = p.Close(ctx)
		return nil, err
	}
	if c.MaxValue > 0 {
		cd = codec.LimitCodec[region.Entry]{Inner: cd, MaxEncode: c.MaxValue, MaxDecode: c.MaxValue}
	}
	opts := region.Options{
		Name:         c.Name,
		Provider:     p,
		Codec:        cd,
		TTL:          c.TTL,
		LockLifetime: c.LockLifetime,
		Logger:       rt.Logger,
		Hooks:        rt.Hooks,
		Disabled:     c.Disabled,
	}
	if c.Shared {
		ns := rc.Namespace + ":" + c.Name
		opts.GenStore = genstore.NewRedisGenStoreWithTTL(rt.Redis, ns, 2*c.TTL)
		opts.Locks = region.NewRedisLocks(rt.Redis, ns)
	}
	r, err := region.New(opts)
	if err != nil {
		_ = p.Close(ctx)
		return nil, err
	}
	return r, nil
}

func buildProvider(ctx context.Context, rt *Runtime, rc RedisConfig, c RegionConfig) (provider.Provider, error) {
	switch c.Provider {
	case "bigcache":
		return bigcache.New(ctx, bigcache.Config{
			LifeWindow:         c.TTL,
			Shards:             c.Shards,
			MaxEntrySize:       c.MaxEntrySz,
			HardMaxCacheSizeMB: c.HardMaxMB,
		})
	case "ristretto":
		return ristretto.New(ristretto.Config{
			NumCounters: 10 * int64(c.Capacity),
			MaxCost:     c.MaxCost,
			BufferItems: 64,
			Sync:        true,
		})
	case "redis":
		if rt.Redis == nil {
			return nil, errors.New("redis provider without a redis client")
		}
		return redisprov.New(redisprov.Config{Client: rt.Redis, Prefix: rc.Namespace + ":"})
	case "sturdyc":
		return sturdyc.New(sturdyc.Config{
			Capacity:           c.Capacity,
			NumShards:          c.Shards,
			TTL:                c.TTL,
			EvictionPercentage: c.EvictionPct,
		})
	}
	return nil, fmt.Errorf("unknown provider %q", c.Provider)
}

func buildCodec(name string) (codec.Codec[region.Entry], error) {
	switch name {
	case "", "json":
		return codec.JSONCodec[region.Entry]{}, nil
	case "msgpack":
		return codec.Msgpack[region.Entry]{}, nil
	case "cbor":
		return codec.NewCBOR[region.Entry](true)
	case "proto":
		return region.NewProtoCodec(), nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}
