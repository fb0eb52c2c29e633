package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryProviderGetSet(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	if _, err := p.Get(ctx, "missing"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}
	if err := p.Set(ctx, "key", []byte("value"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := p.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "value" {
		t.Fatalf("expected value, got %q", got)
	}
}

func TestMemoryProviderExpiry(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	if err := p.Set(ctx, "key", []byte("value"), 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := p.Get(ctx, "key"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestMemoryProviderIncrCountsWithinWindow(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := p.Incr(ctx, "counter", time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
}

func TestMemoryProviderIncrResetsAfterTTL(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	if _, err := p.Incr(ctx, "counter", 10*time.Millisecond); err != nil {
		t.Fatalf("incr: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	got, err := p.Incr(ctx, "counter", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if got != 1 {
		t.Fatalf("expired counter must restart at 1, got %d", got)
	}
}

func TestMemoryProviderDel(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	if err := p.Set(ctx, "key", []byte("value"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := p.Del(ctx, "key"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := p.Get(ctx, "key"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}
