package sturdyc

import (
	"context"
	"testing"
	"time"
)

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{Capacity: 0, NumShards: 1, TTL: time.Minute}); err == nil {
		t.Fatalf("expected capacity error")
	}
	if _, err := New(Config{Capacity: 10, NumShards: 20, TTL: time.Minute}); err == nil {
		t.Fatalf("expected shards error")
	}
	if _, err := New(Config{Capacity: 10, NumShards: 2, TTL: 0}); err == nil {
		t.Fatalf("expected ttl error")
	}
}

func TestSetGetDel(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{Capacity: 100, NumShards: 4, TTL: time.Minute, EvictionPercentage: 10})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close(ctx)

	if _, ok, _ := p.Get(ctx, "k"); ok {
		t.Fatalf("expected miss")
	}
	if ok, err := p.Set(ctx, "k", []byte("v"), 1, 0); err != nil || !ok {
		t.Fatalf("Set: ok=%v err=%v", ok, err)
	}
	b, ok, err := p.Get(ctx, "k")
	if err != nil || !ok || string(b) != "v" {
		t.Fatalf("Get: %q ok=%v err=%v", b, ok, err)
	}
	if err := p.Del(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := p.Get(ctx, "k"); ok {
		t.Fatalf("expected miss after Del")
	}
}
