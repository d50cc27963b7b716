package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"autopilot/internal/config"
)

const defaultHeartbeatTTL = 2 * time.Minute

// Heartbeats stores the last heartbeat per session under "<prefix>heartbeat:<id>".
// Entries expire after TTL, so a missing key means the session is not beating.
type Heartbeats struct {
	Store  Store
	Prefix string
	TTL    time.Duration
}

// Open builds the heartbeat cache from config. Driver "redis" dials lazily.
func Open(cfg config.CacheConfig) (*Heartbeats, error) {
	h := &Heartbeats{Prefix: cfg.KeyPrefix, TTL: cfg.HeartbeatTTL}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		h.Store = NewMemoryStore()
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("cache: redis_addr is required for the redis driver")
		}
		h.Store = NewRedisStore(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
	default:
		return nil, fmt.Errorf("cache: unknown driver %q", cfg.Driver)
	}
	return h, nil
}

func (h *Heartbeats) key(sessionID string) string {
	return h.Prefix + "heartbeat:" + sessionID
}

func (h *Heartbeats) ttl() time.Duration {
	if h.TTL > 0 {
		return h.TTL
	}
	return defaultHeartbeatTTL
}

func (h *Heartbeats) SetHeartbeat(ctx context.Context, sessionID string, at time.Time) error {
	if h == nil || h.Store == nil {
		return nil
	}
	return h.Store.Set(ctx, h.key(sessionID), []byte(at.UTC().Format(time.RFC3339Nano)), h.ttl())
}

func (h *Heartbeats) Heartbeat(ctx context.Context, sessionID string) (time.Time, bool, error) {
	if h == nil || h.Store == nil {
		return time.Time{}, false, nil
	}
	raw, ok, err := h.Store.Get(ctx, h.key(sessionID))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("heartbeat %s: %w", sessionID, err)
	}
	return at, true, nil
}

func (h *Heartbeats) Forget(ctx context.Context, sessionID string) error {
	if h == nil || h.Store == nil {
		return nil
	}
	return h.Store.Delete(ctx, h.key(sessionID))
}

func (h *Heartbeats) Close() error {
	if rs, ok := h.Store.(*RedisStore); ok {
		return rs.Close()
	}
	return nil
}

// Ping checks the backing store; the memory store is always reachable.
func (h *Heartbeats) Ping(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if rs, ok := h.Store.(*RedisStore); ok {
		return rs.Ping(ctx)
	}
	return nil
}
