package throttle

import (
	"context"
	"testing"
	"time"
)

func TestMemoryWindow(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	m := NewMemory(3 * time.Second)
	m.Now = func() time.Time { return now }
	ctx := context.Background()

	if !m.Allow(ctx, "abc") {
		t.Fatal("first check should be allowed")
	}
	if m.Allow(ctx, "abc") {
		t.Error("second check inside window should be throttled")
	}
	if !m.Allow(ctx, "def") {
		t.Error("other keys are independent")
	}
	now = now.Add(3 * time.Second)
	if !m.Allow(ctx, "abc") {
		t.Error("check after window should be allowed")
	}
}

func TestRedisFailsOpen(t *testing.T) {
	// nothing listens on port 1
	r := NewRedis("127.0.0.1:1", time.Second)
	defer r.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !r.Allow(ctx, "abc") {
		t.Error("unreachable redis should not block checks")
	}
}
