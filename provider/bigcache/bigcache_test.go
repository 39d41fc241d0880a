package bigcache

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestByteTransparentRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{LifeWindow: time.Minute, Shards: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close(ctx)

	want := []byte{0, 1, 2, 0xFF}
	if ok, err := p.Set(ctx, "k", want, 1, 0); err != nil || !ok {
		t.Fatalf("Set: ok=%v err=%v", ok, err)
	}
	got, ok, err := p.Get(ctx, "k")
	if err != nil || !ok || !bytes.Equal(got, want) {
		t.Fatalf("Get: %x ok=%v err=%v", got, ok, err)
	}
}

func TestDelMissingIsNotAnError(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{LifeWindow: time.Minute, Shards: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close(ctx)

	if err := p.Del(ctx, "absent"); err != nil {
		t.Fatalf("Del on missing key: %v", err)
	}
	if _, ok, err := p.Get(ctx, "absent"); ok || err != nil {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}
}
