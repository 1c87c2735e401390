package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewLimiter(client, nil)
}

var testRule = Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

func TestAllow_UpToLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= testRule.Limit; i++ {
		ok, err := l.Allow(ctx, "user_a", testRule)
		if err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
		if !ok {
			t.Fatalf("Allow #%d: expected allowed", i)
		}
	}

	ok, err := l.Allow(ctx, "user_a", testRule)
	if err != nil {
		t.Fatalf("Allow over limit: %v", err)
	}
	if ok {
		t.Error("expected request over the limit to be rejected")
	}

	if ra := l.RetryAfter(ctx, "user_a", testRule); ra <= 0 || ra > testRule.Window {
		t.Errorf("RetryAfter = %v, want within (0, %v]", ra, testRule.Window)
	}
}

func TestAllow_IdentifiersIndependent(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < testRule.Limit+1; i++ {
		_, _ = l.Allow(ctx, "user_b", testRule)
	}
	ok, _ := l.Allow(ctx, "user_c", testRule)
	if !ok {
		t.Error("a fresh identifier must not inherit another's count")
	}
}

func TestRemaining(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	n, err := l.Remaining(ctx, "user_d", testRule)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if n != testRule.Limit {
		t.Errorf("Remaining before use = %d, want %d", n, testRule.Limit)
	}

	_, _ = l.Allow(ctx, "user_d", testRule)
	n, _ = l.Remaining(ctx, "user_d", testRule)
	if n != testRule.Limit-1 {
		t.Errorf("Remaining after one = %d, want %d", n, testRule.Limit-1)
	}
}

func TestRetryAfter_NoWindow(t *testing.T) {
	l := newTestLimiter(t)
	if ra := l.RetryAfter(context.Background(), "user_e", testRule); ra != 0 {
		t.Errorf("RetryAfter without window = %v, want 0", ra)
	}
}
