// Package sturdyc backs a region with a sharded sturdyc client.
package sturdyc

import (
	"context"
	"errors"
	"time"

	"github.com/viccon/sturdyc"

	pr "github.com/unkn0wn-root/casorm/provider"
)

// Provider ignores per-entry TTL and cost; the client's TTL and capacity apply.
type Provider struct {
	c *sturdyc.Client[[]byte]
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	Capacity           int
	NumShards          int
	TTL                time.Duration
	EvictionPercentage int
	EvictionInterval   time.Duration // 0 => sturdyc default
}

func (c Config) validate() error {
	switch {
	case c.Capacity <= 0:
		return errors.New("sturdyc: capacity must be > 0")
	case c.NumShards <= 0 || c.NumShards > c.Capacity:
		return errors.New("sturdyc: shards must be in (0, capacity]")
	case c.TTL <= 0:
		return errors.New("sturdyc: ttl must be > 0")
	case c.EvictionPercentage < 0 || c.EvictionPercentage > 100:
		return errors.New("sturdyc: eviction percentage must be in [0, 100]")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var opts []sturdyc.Option
	if cfg.EvictionInterval > 0 {
		opts = append(opts, sturdyc.WithEvictionInterval(cfg.EvictionInterval))
	}
	c := sturdyc.New[[]byte](cfg.Capacity, cfg.NumShards, cfg.TTL, cfg.EvictionPercentage, opts...)
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, ok := p.c.Get(key)
	if !ok || b == nil {
		return nil, false, nil
	}
	return b, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	p.c.Set(key, value)
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Delete(key)
	return nil
}

func (p *Provider) Close(context.Context) error { return nil }
