package config

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/casorm"
	"github.com/unkn0wn-root/casorm/hooks/promhooks"
	"github.com/unkn0wn-root/casorm/metadata"
	"github.com/unkn0wn-root/casorm/region"
)

type account struct {
	ID   int64 `orm:"id,generated=identity"`
	Name string
}

func registry(t *testing.T) *metadata.Registry {
	t.Helper()
	reg := metadata.NewRegistry()
	_, err := reg.Register(&account{})
	require.NoError(t, err)
	return reg
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
regions:
  - name: orm
entities:
  account: {region: orm}
`))
	require.NoError(t, err)

	assert.Equal(t, "none", cfg.Logging.Backend)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "casorm", cfg.Redis.Namespace)
	r, ok := cfg.Region("orm")
	require.True(t, ok)
	assert.Equal(t, "bigcache", r.Provider)
	assert.Equal(t, "json", r.Codec)
	assert.Equal(t, 10*time.Minute, r.TTL)
	assert.Equal(t, 64, r.Shards)
	assert.Equal(t, "read-write", cfg.Entities["account"].Strategy)
	assert.False(t, cfg.needsRedis())
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	_, ok := cfg.Region("default")
	assert.True(t, ok)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvStorageDSN, "file:env.db")
	t.Setenv(EnvRedisAddr, "redis:6379")
	t.Setenv(EnvRedisDB, "3")

	cfg, err := Parse([]byte(`
storage: {driver: sqlite3, dsn: file:ignored.db}
regions:
  - {name: shared, provider: redis}
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "file:env.db", cfg.Storage.DSN)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)

	t.Setenv(EnvRedisDB, "three")
	_, err = Parse([]byte(`regions: [{name: a}]`))
	assert.Error(t, err)
}

func TestLoadReadsFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		section string
	}{
		{"unknown provider", `regions: [{name: a, provider: memcached}]`, "regions[0]"},
		{"bigcache shards", `regions: [{name: a, shards: 12}]`, "regions[0]"},
		{"sturdyc capacity", `regions: [{name: a, provider: sturdyc, capacity: 8, shards: 16}]`, "regions[0]"},
		{"duplicate region", `regions: [{name: a}, {name: a}]`, "regions[1]"},
		{"redis without addr", `regions: [{name: a, shared: true}]`, "redis.addr"},
		{"sql without dsn", `storage: {driver: postgres}`, "storage"},
		{"bad log level", `logging: {level: loud}`, "logging"},
		{"bad hooks kind", `hooks: {kind: statsd}`, "hooks"},
		{"unknown region", `
regions: [{name: a}]
entities: {account: {region: b}}`, "entities"},
		{"unknown strategy", `
regions: [{name: a}]
collections: {account.Orders: {region: a, strategy: transactional}}`, "collections"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			var ce *ConfigError
			require.True(t, errors.As(err, &ce), "got %T: %v", err, err)
			assert.Equal(t, tc.section, ce.Section)
		})
	}
}

func TestBuildWiresRegionsAndHooks(t *testing.T) {
	cfg, err := Parse([]byte(`
logging: {backend: slog, format: text}
hooks: {kind: prometheus, namespace: test}
regions:
  - {name: hot, provider: bigcache, codec: msgpack, shards: 16}
  - {name: warm, provider: sturdyc, codec: cbor, capacity: 1000, shards: 8}
  - {name: cold, provider: ristretto, codec: proto, capacity: 1000, max_cost: 1048576}
entities:
  account: {region: hot}
`))
	require.NoError(t, err)

	ctx := context.Background()
	var out bytes.Buffer
	promReg := prometheus.NewRegistry()
	rt, err := Build(ctx, cfg, BuildOptions{Registry: registry(t), Registerer: promReg, Output: &out})
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close(ctx)) }()

	assert.Contains(t, out.String(), "cache configured")
	require.Len(t, rt.Cache.Regions(), 1, "only mapped regions are known to the cache")
	for _, name := range []string{"hot", "warm", "cold"} {
		r, ok := rt.Region(name)
		require.True(t, ok, name)
		_, concurrent := r.(region.ConcurrentRegion)
		assert.True(t, concurrent, name)
	}

	reg := registry(t)
	st, closeStorage, err := OpenStorage(ctx, cfg.Storage, reg, rt.Logger)
	require.NoError(t, err)
	defer closeStorage()

	u, err := rt.UnitOfWork(reg, st)
	require.NoError(t, err)
	a := &account{Name: "ada"}
	require.NoError(t, u.Persist(a))
	require.NoError(t, u.Flush(ctx))

	u2, err := rt.UnitOfWork(reg, st)
	require.NoError(t, err)
	got, ok, err := casorm.Find[*account](ctx, u2, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ada", got.Name)

	hot, _ := rt.Region("hot")
	entry, ok, err := hot.Get(ctx, region.NewEntityKey("account", metadata.SingleID("ID", a.ID)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ada", entry.Fields["Name"])

	ph, ok := rt.Hooks.(*promhooks.Hooks)
	require.True(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(ph.FlushesTotal.WithLabelValues("commit")))
}

func TestBuildChecksMappingsAgainstRegistry(t *testing.T) {
	cfg, err := Parse([]byte(`
regions: [{name: a}]
entities: {ledger: {region: a}}
`))
	require.NoError(t, err)
	_, err = Build(context.Background(), cfg, BuildOptions{Registry: registry(t)})
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "entities", ce.Section)

	cfg, err = Parse([]byte(`
regions: [{name: a}]
collections: {account.Name: {region: a}}
`))
	require.NoError(t, err)
	_, err = Build(context.Background(), cfg, BuildOptions{Registry: registry(t)})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "collections", ce.Section)
}

func TestBuildAsyncLogrusAndZap(t *testing.T) {
	for _, backend := range []string{"zap", "logrus"} {
		t.Run(backend, func(t *testing.T) {
			cfg := Default()
			cfg.Logging.Backend = backend
			cfg.Hooks.Kind = "slog"
			cfg.Hooks.Async = true
			var out bytes.Buffer
			rt, err := Build(context.Background(), cfg, BuildOptions{Output: &out})
			require.NoError(t, err)
			assert.Contains(t, out.String(), "cache configured")
			require.NoError(t, rt.Close(context.Background()))
			assert.NotPanics(t, func() { rt.Hooks.CacheMiss("orm") }, "hooks fired after Close are dropped")
		})
	}
}

func TestOpenStorageSQLite(t *testing.T) {
	ctx := context.Background()
	reg := registry(t)
	sc := StorageConfig{Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "casorm.db"), CreateSchema: true}
	st, closeStorage, err := OpenStorage(ctx, sc, reg, nil)
	require.NoError(t, err)
	defer closeStorage()

	rt, err := Build(ctx, Default(), BuildOptions{})
	require.NoError(t, err)
	defer rt.Close(ctx)

	u, err := rt.UnitOfWork(reg, st)
	require.NoError(t, err)
	a := &account{Name: "grace"}
	require.NoError(t, u.Persist(a))
	require.NoError(t, u.Flush(ctx))
	assert.NotZero(t, a.ID)

	u2, err := rt.UnitOfWork(reg, st)
	require.NoError(t, err)
	got, ok, err := casorm.Find[*account](ctx, u2, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "grace", got.Name)
}
