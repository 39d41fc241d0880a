// Package ristretto keeps region frames in a cost-bounded Ristretto cache.
package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	pr "github.com/unkn0wn-root/casorm/provider"
)

// Provider admits values through Ristretto's TinyLFU policy. A dropped Set
// is reported as ok=false, which the region counts as a rejected put.
type Provider struct {
	c    *rc.Cache
	wait bool
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	NumCounters int64 // ~10x the expected number of entries
	MaxCost     int64 // bytes when the region computes cost from frame size
	BufferItems int64 // 64 is what Ristretto recommends
	Metrics     bool
	// Sync makes each Set visible before it returns. Without it a Get right
	// after Set may still miss.
	Sync bool
}

func New(cfg Config) (*Provider, error) {
	switch {
	case cfg.NumCounters <= 0:
		return nil, errors.New("ristretto: NumCounters must be > 0")
	case cfg.MaxCost <= 0:
		return nil, errors.New("ristretto: MaxCost must be > 0")
	case cfg.BufferItems <= 0:
		return nil, errors.New("ristretto: BufferItems must be > 0")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{c: c, wait: cfg.Sync}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	if b, ok := v.([]byte); ok && b != nil {
		return b, true, nil
	}
	p.c.Del(key)
	return nil, false, nil
}

// Set falls back to the frame length when the region passes no cost.
func (p *Provider) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	if cost <= 0 {
		cost = int64(len(value))
	}
	if ttl < 0 {
		ttl = 0
	}
	ok := p.c.SetWithTTL(key, value, cost, ttl)
	if ok && p.wait {
		p.c.Wait()
	}
	return ok, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	return nil
}

func (p *Provider) Close(context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Metrics is nil unless Config.Metrics was set.
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
