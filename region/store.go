package region

import (
	"context"
	"errors"
	"time"

	"github.com/unkn0wn-root/casorm/codec"
	"github.com/unkn0wn-root/casorm/genstore"
	"github.com/unkn0wn-root/casorm/hooks"
	"github.com/unkn0wn-root/casorm/internal/util"
	"github.com/unkn0wn-root/casorm/internal/wire"
	"github.com/unkn0wn-root/casorm/log"
	"github.com/unkn0wn-root/casorm/provider"
)

const (
	defaultTTL          = 10 * time.Minute
	defaultLockLifetime = 30 * time.Second
	defaultGenRetention = 30 * 24 * time.Hour
	defaultSweep        = time.Hour
)

// SetCostFunc weighs a frame for cost-aware providers (Ristretto).
type SetCostFunc func(storageKey string, raw []byte) int64

// Options tune a Store. Only Name and Provider are required.
type Options struct {
	Name     string
	Provider provider.Provider

	Codec           codec.Codec[Entry] // nil => JSON
	GenStore        genstore.GenStore  // nil => LocalGenStore owned by the Store
	Locks           LockTable          // nil => LocalLocks
	TTL             time.Duration      // 0 => 10m
	LockLifetime    time.Duration      // 0 => 30s
	CleanupInterval time.Duration      // local gens only; 0 => 1h
	GenRetention    time.Duration      // local gens only; 0 => 30d
	ComputeSetCost  SetCostFunc        // nil => len(raw)
	Logger          log.Logger         // nil => log.Nop
	Hooks           hooks.Hooks        // nil => hooks.Nop
	Disabled        bool
}

// Store is the ConcurrentRegion implementation.
type Store struct {
	name     string
	provider provider.Provider
	codec    codec.Codec[Entry]
	gens     genstore.GenStore
	ownGens  bool
	locks    LockTable
	log      log.Logger
	hooks    hooks.Hooks

	enabled      bool
	ttl          time.Duration
	lockLifetime time.Duration
	setCost      SetCostFunc
}

var _ ConcurrentRegion = (*Store)(nil)

func New(opts Options) (*Store, error) {
	if opts.Name == "" {
		return nil, errors.New("region: name is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("region: provider is required")
	}

	s := &Store{
		name:     opts.Name,
		provider: opts.Provider,
		codec:    coalesce[codec.Codec[Entry]](opts.Codec, codec.JSONCodec[Entry]{}),
		log:      coalesce[log.Logger](opts.Logger, log.Nop{}),
		hooks:    hooks.OrNop(opts.Hooks),
		enabled:  !opts.Disabled,
		ttl:      coalesce(opts.TTL, defaultTTL),
		setCost:  opts.ComputeSetCost,
	}
	s.lockLifetime = coalesce(opts.LockLifetime, defaultLockLifetime)
	if s.setCost == nil {
		s.setCost = func(_ string, raw []byte) int64 { return int64(len(raw)) }
	}

	s.gens = opts.GenStore
	if s.gens == nil {
		s.gens = genstore.NewLocalGenStore(
			coalesce(opts.CleanupInterval, defaultSweep),
			coalesce(opts.GenRetention, defaultGenRetention),
		)
		s.ownGens = true
	}
	s.locks = opts.Locks
	if s.locks == nil {
		s.locks = NewLocalLocks()
	}
	return s, nil
}

func (s *Store) Name() string  { return s.name }
func (s *Store) Enabled() bool { return s.enabled }

// Close stops the owned gen store and closes the provider.
func (s *Store) Close(ctx context.Context) error {
	var errs []error
	if s.ownGens {
		errs = append(errs, s.gens.Close(ctx))
	}
	errs = append(errs, s.provider.Close(ctx))
	return errors.Join(errs...)
}

func (s *Store) storageKey(k Key) string {
	prefix := "ent"
	if k.kind() == wire.KindCollection {
		prefix = "col"
	}
	return util.StorageKey(prefix, s.name, k.String())
}

func (s *Store) epochKey() string { return "epoch:" + s.name }

func (s *Store) snapshot(ctx context.Context, sk string) (Observation, error) {
	ek := s.epochKey()
	gens, err := s.gens.SnapshotMany(ctx, []string{ek, sk})
	if err != nil {
		s.hooks.GenStoreError("snapshot", err)
		return Observation{}, err
	}
	return Observation{epoch: gens[ek], gen: gens[sk]}, nil
}

func (s *Store) Get(ctx context.Context, k Key) (Entry, bool, error) {
	if !s.enabled {
		return Entry{}, false, nil
	}
	sk := s.storageKey(k)

	locked, err := s.locks.Held(ctx, sk)
	if err != nil {
		return Entry{}, false, err
	}
	if locked {
		s.hooks.CacheMiss(s.name)
		return Entry{}, false, nil
	}

	raw, ok, err := s.provider.Get(ctx, sk)
	if err != nil {
		return Entry{}, false, err
	}
	if !ok {
		s.hooks.CacheMiss(s.name)
		return Entry{}, false, nil
	}

	frame, err := wire.Decode(raw, k.kind())
	if err != nil {
		s.heal(ctx, sk, "corrupt")
		return Entry{}, false, nil
	}
	obs, err := s.snapshot(ctx, sk)
	if err != nil {
		return Entry{}, false, err
	}
	if frame.Epoch != obs.epoch || frame.Gen != obs.gen {
		s.heal(ctx, sk, "stale")
		return Entry{}, false, nil
	}
	e, err := s.codec.Decode(frame.Payload)
	if err != nil {
		s.heal(ctx, sk, "decode")
		return Entry{}, false, nil
	}

	s.hooks.CacheHit(s.name)
	return e, true, nil
}

func (s *Store) heal(ctx context.Context, sk, reason string) {
	_ = s.provider.Del(ctx, sk)
	s.hooks.SelfHeal(s.name, sk, reason)
	s.hooks.CacheMiss(s.name)
}

func (s *Store) Observe(ctx context.Context, k Key) (Observation, error) {
	return s.snapshot(ctx, s.storageKey(k))
}

func (s *Store) Put(ctx context.Context, k Key, e Entry, obs Observation) (bool, error) {
	if !s.enabled {
		return false, nil
	}
	sk := s.storageKey(k)

	locked, err := s.locks.Held(ctx, sk)
	if err != nil {
		return false, err
	}
	if locked {
		s.hooks.CachePutRejected(s.name, "locked")
		return false, nil
	}

	cur, err := s.snapshot(ctx, sk)
	if err != nil {
		return false, err
	}
	if cur != obs {
		// evicted since the caller's storage read; skip stale write
		s.log.Debug("put skipped (gen mismatch)", log.Fields{"region": s.name, "key": k.String()})
		s.hooks.CachePutRejected(s.name, "gen_mismatch")
		return false, nil
	}

	payload, err := s.codec.Encode(e)
	var tooLarge *codec.SizeError
	if errors.As(err, &tooLarge) {
		s.hooks.CachePutRejected(s.name, "too_large")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	raw, err := wire.Encode(k.kind(), obs.epoch, obs.gen, payload)
	if err != nil {
		return false, err
	}
	ok, err := s.provider.Set(ctx, sk, raw, s.setCost(sk, raw), s.ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		s.log.Debug("put rejected by provider (pressure)", log.Fields{"region": s.name, "key": k.String()})
		s.hooks.CachePutRejected(s.name, "provider")
	}
	return ok, nil
}

func (s *Store) Evict(ctx context.Context, k Key) error {
	sk := s.storageKey(k)
	newGen, bumpErr := s.gens.Bump(ctx, sk)
	if bumpErr != nil {
		s.hooks.GenStoreError("bump", bumpErr)
	}
	delErr := s.provider.Del(ctx, sk)

	if bumpErr != nil || delErr != nil {
		s.log.Error("evict failed", log.Fields{"region": s.name, "key": k.String(), "bump_err": bumpErr, "del_err": delErr})
		return &EvictError{Key: k.String(), BumpErr: bumpErr, DelErr: delErr}
	}
	s.log.Debug("evicted key (bumped gen + cleared frame)", log.Fields{"region": s.name, "key": k.String(), "gen": newGen})
	return nil
}

// EvictAll bumps the region epoch. Frames are deleted lazily on their next read.
func (s *Store) EvictAll(ctx context.Context) error {
	epoch, err := s.gens.Bump(ctx, s.epochKey())
	if err != nil {
		s.hooks.GenStoreError("bump", err)
		return &EvictError{Key: s.epochKey(), BumpErr: err}
	}
	s.log.Info("region evicted", log.Fields{"region": s.name, "epoch": epoch})
	return nil
}

func (s *Store) Lock(ctx context.Context, k Key) (*Lock, error) {
	return s.locks.TryLock(ctx, s.storageKey(k), s.lockLifetime)
}

func (s *Store) Unlock(ctx context.Context, k Key, l *Lock) error {
	if l == nil {
		return ErrNilLock
	}
	released, err := s.locks.Release(ctx, s.storageKey(k), l)
	if err != nil {
		return err
	}
	if !released {
		// lifetime passed and another writer took the key over
		s.log.Warn("lock lost before unlock", log.Fields{"region": s.name, "key": k.String()})
	}
	return nil
}
