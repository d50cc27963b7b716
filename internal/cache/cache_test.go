package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"autopilot/internal/config"
)

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	if err := s.Set(ctx, "a", []byte("1"), time.Minute); err != nil {
		t.Fatalf("Set err=%v", err)
	}
	if err := s.Set(ctx, "b", []byte("2"), 0); err != nil {
		t.Fatalf("Set err=%v", err)
	}
	if v, ok, _ := s.Get(ctx, "a"); !ok || string(v) != "1" {
		t.Fatalf("a=%q ok=%v", v, ok)
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatalf("a did not expire")
	}
	if _, ok, _ := s.Get(ctx, "b"); !ok {
		t.Fatalf("b without ttl expired")
	}
	_ = s.Delete(ctx, "b")
	if _, ok, _ := s.Get(ctx, "b"); ok {
		t.Fatalf("b not deleted")
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	in := []byte("abc")
	_ = s.Set(ctx, "k", in, 0)
	in[0] = 'x'
	out, _, _ := s.Get(ctx, "k")
	if string(out) != "abc" {
		t.Fatalf("stored=%q want=abc", out)
	}
}

func TestHeartbeatsRoundTrip(t *testing.T) {
	ctx := context.Background()
	h, err := Open(config.CacheConfig{Driver: "memory", KeyPrefix: "ap:", HeartbeatTTL: time.Minute})
	if err != nil {
		t.Fatalf("Open err=%v", err)
	}
	at := time.Date(2026, 2, 3, 4, 5, 6, 7, time.UTC)
	if err := h.SetHeartbeat(ctx, "s1", at); err != nil {
		t.Fatalf("SetHeartbeat err=%v", err)
	}
	got, ok, err := h.Heartbeat(ctx, "s1")
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("heartbeat=%v ok=%v err=%v want=%v", got, ok, err, at)
	}
	if _, ok, _ := h.Store.Get(ctx, "ap:heartbeat:s1"); !ok {
		t.Fatalf("key not prefixed as expected")
	}
	_ = h.Forget(ctx, "s1")
	if _, ok, _ := h.Heartbeat(ctx, "s1"); ok {
		t.Fatalf("heartbeat survived Forget")
	}
}

func TestOpenRejectsBadDriver(t *testing.T) {
	if _, err := Open(config.CacheConfig{Driver: "memcached"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(config.CacheConfig{Driver: "redis"}); err == nil {
		t.Fatalf("expected error without redis_addr")
	}
}

func TestRedisStoreUnreachable(t *testing.T) {
	s := NewRedisStore(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err == nil {
		t.Fatalf("expected ping error")
	}
	if _, _, err := s.Get(ctx, "k"); err == nil {
		t.Fatalf("expected get error")
	}
}
