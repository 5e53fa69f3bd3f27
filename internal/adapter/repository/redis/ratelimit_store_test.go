package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/mod-gate/internal/adapter/repository/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, limit int) (*RateLimitStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fallback := memory.NewRateLimitStore(time.Minute, limit)
	return NewRateLimitStore(client, testLogger(), time.Minute, limit, fallback), mr
}

func TestRateLimitStoreSharedWindow(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, 2)
	base := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		res, err := store.CheckAndRecord(ctx, "alice", base.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("CheckAndRecord() error = %v", err)
		}
		if !res.Allowed {
			t.Fatalf("event %d: got limited, want allowed", i+1)
		}
	}

	res, err := store.CheckAndRecord(ctx, "alice", base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("CheckAndRecord() error = %v", err)
	}
	if res.Allowed {
		t.Error("3rd event inside window: got allowed, want limited")
	}
	if res.RetryAfter <= 55*time.Second || res.RetryAfter > time.Minute {
		t.Errorf("RetryAfter got %v, want roughly 58s", res.RetryAfter)
	}

	// Independent budget per user.
	if res, _ := store.CheckAndRecord(ctx, "bob", base.Add(2*time.Second)); !res.Allowed {
		t.Error("other user: got limited, want allowed")
	}

	// The early events fall out once the window slides past them.
	if res, _ := store.CheckAndRecord(ctx, "alice", base.Add(70*time.Second)); !res.Allowed {
		t.Error("after window slid: got limited, want allowed")
	}
}

func TestRateLimitStoreFallsBackWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, 2)
	now := time.Now()

	// Healthy first, so the store starts in shared mode.
	if res, err := store.CheckAndRecord(ctx, "carol", now); err != nil || !res.Allowed {
		t.Fatalf("warm-up check got (%+v, %v), want allowed", res, err)
	}

	mr.Close()

	// The in-process fallback enforces its own fresh window.
	for i := 0; i < 2; i++ {
		res, err := store.CheckAndRecord(ctx, "carol", now.Add(time.Duration(i+1)*time.Second))
		if err != nil {
			t.Fatalf("fallback CheckAndRecord() error = %v", err)
		}
		if !res.Allowed {
			t.Fatalf("fallback event %d: got limited, want allowed", i+1)
		}
	}
	res, err := store.CheckAndRecord(ctx, "carol", now.Add(3*time.Second))
	if err != nil {
		t.Fatalf("fallback CheckAndRecord() error = %v", err)
	}
	if res.Allowed {
		t.Error("fallback over budget: got allowed, want limited")
	}

	if store.isAvailable.Load() {
		t.Error("isAvailable still true after connection loss")
	}
}
