package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// newTestCache starts a miniredis server and returns a RedisCache backed by
// it plus the miniredis handle so tests can manipulate time/availability.
func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}

	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func TestMultiGetAllMiss(t *testing.T) {
	c, _ := newTestCache(t)

	out, err := c.MultiGet(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("MultiGet: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out))
	}
	for i, v := range out {
		if v != nil {
			t.Fatalf("expected nil at index %d, got %v", i, v)
		}
	}
}

func TestMultiGetPartialHit(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k1", []byte("v1"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	out, err := c.MultiGet(ctx, []string{"k1", "k2"})
	if err != nil {
		t.Fatalf("MultiGet: %v", err)
	}
	if string(out[0]) != "v1" {
		t.Fatalf("expected hit on k1, got %v", out[0])
	}
	if out[1] != nil {
		t.Fatalf("expected miss on k2, got %v", out[1])
	}
}

func TestMultiGetEmptyKeys(t *testing.T) {
	c, _ := newTestCache(t)

	out, err := c.MultiGet(context.Background(), nil)
	if err != nil {
		t.Fatalf("MultiGet: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty result, got %d entries", len(out))
	}
}

func TestTTLIsSet(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	key := "ttl-key"
	ttl := 10 * time.Second

	if err := c.Set(ctx, key, []byte("payload"), ttl); err != nil {
		t.Fatalf("Set: %v", err)
	}

	out, _ := c.MultiGet(ctx, []string{key})
	if out[0] == nil {
		t.Fatal("key should exist before TTL expires")
	}

	mr.FastForward(ttl + time.Second)

	out, _ = c.MultiGet(ctx, []string{key})
	if out[0] != nil {
		t.Fatal("key should have expired after TTL")
	}
}

func TestGracefulDegradationMultiGet(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+addr)
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}
	defer func() { _ = c.Close() }()

	mr.Close()

	out, err := c.MultiGet(context.Background(), []string{"any-key"})
	if err != nil {
		t.Fatalf("MultiGet must not return an error when Redis is down, got: %v", err)
	}
	if out[0] != nil {
		t.Fatalf("expected miss when Redis is down, got %v", out[0])
	}
}

func TestGracefulDegradationSet(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+addr)
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}
	defer func() { _ = c.Close() }()

	mr.Close()

	err = c.Set(context.Background(), "any-key", []byte("value"), time.Hour)
	if err != nil {
		t.Fatalf("Set must return nil on Redis error for graceful degradation, got: %v", err)
	}
}

func TestNewRedisCacheInvalidURL(t *testing.T) {
	_, err := NewRedisCacheFromURL(context.Background(), "not-a-valid-url")
	if err == nil {
		t.Fatal("expected error for invalid URL, got nil")
	}
}

func TestRedisCacheImplementsInterface(t *testing.T) {
	var _ Cache = (*RedisCache)(nil)
}
