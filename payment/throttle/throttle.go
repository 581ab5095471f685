// Package throttle limits how often a guest status poll may trigger a gateway
// check for the same fingerprint.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Throttle interface {
	// Allow reports whether key may proceed now, and claims the window if so.
	Allow(ctx context.Context, key string) bool
}

// Redis shares the window across service replicas with SET NX EX.
type Redis struct {
	client *redis.Client
	window time.Duration
	prefix string
}

func NewRedis(addr string, window time.Duration) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		window: window,
		prefix: "khqr:check:",
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Allow fails open: if redis is unreachable the check goes ahead.
func (r *Redis) Allow(ctx context.Context, key string) bool {
	ok, err := r.client.SetNX(ctx, r.prefix+key, 1, r.window).Result()
	if err != nil {
		return true
	}
	return ok
}

func (r *Redis) Close() error { return r.client.Close() }

// Memory is the single-process fallback when no redis is configured.
type Memory struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	Now    func() time.Time
}

func NewMemory(window time.Duration) *Memory {
	return &Memory{window: window, seen: make(map[string]time.Time), Now: time.Now}
}

func (m *Memory) Allow(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	if until, ok := m.seen[key]; ok && now.Before(until) {
		return false
	}
	m.seen[key] = now.Add(m.window)
	if len(m.seen) > 4096 {
		for k, until := range m.seen {
			if !now.Before(until) {
				delete(m.seen, k)
			}
		}
	}
	return true
}
