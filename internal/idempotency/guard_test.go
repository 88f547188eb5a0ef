package idempotency

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func guards(t *testing.T) (map[string]Guard, *miniredis.Miniredis, *MemoryGuard) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	mem := NewMemoryGuard(time.Hour)
	return map[string]Guard{
		"redis":  NewRedisGuard(client, time.Hour),
		"memory": mem,
	}, mr, mem
}

func TestGuardLifecycle(t *testing.T) {
	all, _, _ := guards(t)
	for name, g := range all {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			res, err := g.Check(ctx, "k1", "acct-a")
			if err != nil || res.IsDuplicate {
				t.Fatalf("fresh key must not be a duplicate: %+v %v", res, err)
			}

			ok, err := g.Reserve(ctx, "k1", "acct-a")
			if err != nil || !ok {
				t.Fatalf("reserve: %v %v", ok, err)
			}
			if ok, _ := g.Reserve(ctx, "k1", "acct-a"); ok {
				t.Fatal("second reservation must fail")
			}

			res, _ = g.Check(ctx, "k1", "acct-a")
			if !res.IsDuplicate || !res.InProgress {
				t.Fatalf("expected in-progress duplicate, got %+v", res)
			}

			want := Response{Status: 200, Body: `{"txHash":"0xabc"}`, Headers: map[string]string{"Content-Type": "application/json"}}
			if err := g.Store(ctx, "k1", "acct-a", want); err != nil {
				t.Fatalf("store: %v", err)
			}
			res, _ = g.Check(ctx, "k1", "acct-a")
			if !res.IsDuplicate || res.InProgress || res.Response == nil || res.Response.Body != want.Body {
				t.Fatalf("expected stored response, got %+v", res)
			}

			// Scoped per account.
			res, _ = g.Check(ctx, "k1", "acct-b")
			if res.IsDuplicate {
				t.Fatal("keys must not collide across accounts")
			}

			if err := g.Release(ctx, "k1", "acct-a"); err != nil {
				t.Fatalf("release: %v", err)
			}
			if ok, _ := g.Reserve(ctx, "k1", "acct-a"); !ok {
				t.Fatal("released key must be reservable")
			}
		})
	}
}

func TestGuardExpiry(t *testing.T) {
	_, mr, mem := guards(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mem.now = func() time.Time { return now }
	if err := mem.Store(ctx, "k", "s", Response{Status: 201}); err != nil {
		t.Fatalf("store: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if res, _ := mem.Check(ctx, "k", "s"); res.IsDuplicate {
		t.Fatal("expired memory record must not replay")
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	rg := NewRedisGuard(client, time.Minute)
	if err := rg.Store(ctx, "k", "s", Response{Status: 201}); err != nil {
		t.Fatalf("store: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if res, _ := rg.Check(ctx, "k", "s"); res.IsDuplicate {
		t.Fatal("expired redis record must not replay")
	}
}

func TestRedisGuardFailsWhenUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	g := NewRedisGuard(client, time.Minute)
	if _, err := g.Check(context.Background(), "k", "s"); err == nil {
		t.Fatal("expected error from closed store")
	}
}
