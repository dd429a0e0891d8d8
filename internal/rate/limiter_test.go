package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, cfg Config) (*miniredis.Miniredis, *Limiter) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, New(client, cfg, nil)
}

func TestAllowWithinBudget(t *testing.T) {
	_, l := newTestLimiter(t, Config{Default: Window{Limit: 3, Duration: time.Minute}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := l.Allow(ctx, "user-1", "send")
		if !res.Allowed {
			t.Fatalf("request %d denied within budget", i+1)
		}
		if res.Remaining != 3-(i+1) {
			t.Fatalf("request %d: remaining = %d, want %d", i+1, res.Remaining, 3-(i+1))
		}
	}

	res := l.Allow(ctx, "user-1", "send")
	if res.Allowed {
		t.Fatal("request over budget was allowed")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("denied request has no retry-after: %v", res.RetryAfter)
	}
}

func TestWindowsAreIndependent(t *testing.T) {
	_, l := newTestLimiter(t, Config{Default: Window{Limit: 1, Duration: time.Minute}})
	ctx := context.Background()

	if !l.Allow(ctx, "user-1", "send").Allowed {
		t.Fatal("first request denied")
	}
	if l.Allow(ctx, "user-1", "send").Allowed {
		t.Fatal("second request for same pair allowed")
	}
	if !l.Allow(ctx, "user-2", "send").Allowed {
		t.Fatal("other identity was throttled")
	}
	if !l.Allow(ctx, "user-1", "query").Allowed {
		t.Fatal("other operation was throttled")
	}
}

func TestWindowResetsAfterExpiry(t *testing.T) {
	mr, l := newTestLimiter(t, Config{Default: Window{Limit: 1, Duration: 30 * time.Second}})
	ctx := context.Background()

	if !l.Allow(ctx, "user-1", "send").Allowed {
		t.Fatal("first request denied")
	}
	if l.Allow(ctx, "user-1", "send").Allowed {
		t.Fatal("second request in window allowed")
	}

	mr.FastForward(31 * time.Second)

	if !l.Allow(ctx, "user-1", "send").Allowed {
		t.Fatal("request after window expiry denied")
	}
}

func TestPerOperationOverride(t *testing.T) {
	_, l := newTestLimiter(t, Config{
		Default:      Window{Limit: 10, Duration: time.Minute},
		PerOperation: map[string]Window{"link": {Limit: 1, Duration: time.Minute}},
	})
	ctx := context.Background()

	if !l.Allow(ctx, "user-1", "link").Allowed {
		t.Fatal("first link denied")
	}
	if l.Allow(ctx, "user-1", "link").Allowed {
		t.Fatal("override limit not applied")
	}
}

func TestZeroLimitDisablesThrottling(t *testing.T) {
	_, l := newTestLimiter(t, Config{})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if !l.Allow(ctx, "user-1", "send").Allowed {
			t.Fatal("request denied with no configured limit")
		}
	}
}

func TestFailsOpenWhenStoreDown(t *testing.T) {
	mr, l := newTestLimiter(t, Config{Default: Window{Limit: 1, Duration: time.Minute}})
	mr.Close()

	res := l.Allow(context.Background(), "user-1", "send")
	if !res.Allowed {
		t.Fatal("limiter failed closed on store outage")
	}
	if !res.FailedOpen {
		t.Fatal("FailedOpen not reported")
	}
}

func TestReset(t *testing.T) {
	_, l := newTestLimiter(t, Config{Default: Window{Limit: 1, Duration: time.Minute}})
	ctx := context.Background()

	l.Allow(ctx, "user-1", "send")
	if l.Allow(ctx, "user-1", "send").Allowed {
		t.Fatal("limit not enforced before reset")
	}
	if err := l.Reset(ctx, "user-1", "send"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if !l.Allow(ctx, "user-1", "send").Allowed {
		t.Fatal("request denied after reset")
	}
}
