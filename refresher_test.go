package abac

import (
	"context"
	"testing"
	"time"

	"github.com/oarkflow/abac/logger"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestRefresherPicksUpExternalWrites(t *testing.T) {
	store := newFakeStore(allowPolicy("a", 1))
	cache := NewPolicyCache(store)
	ctx := context.Background()
	if _, err := cache.Snapshot(ctx, ScopePlatform, ""); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	r, err := NewRefresher(cache, WithRefreshInterval(10*time.Millisecond), WithRefresherLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("refresher: %v", err)
	}
	r.Start(ctx)
	defer r.Stop(ctx)

	// a write by another node, bypassing this cache
	store.put(allowPolicy("b", 2))
	waitFor(t, func() bool {
		cur := cache.entry(normalizeKey(ScopePlatform, "")).Load()
		return cur != nil && cur.Len() == 2
	})
}

func TestRefresherNotify(t *testing.T) {
	store := newFakeStore()
	cache := NewPolicyCache(store)
	ctx := context.Background()
	r, err := NewRefresher(cache, WithRefreshInterval(time.Hour))
	if err != nil {
		t.Fatalf("refresher: %v", err)
	}
	r.Start(ctx)
	r.Start(ctx)

	store.put(NewPolicyBuilder().ID("t1").Name("t1").Allow().Tenant("t1").Build())
	r.NotifyPolicyChange(ScopeTenant, "t1")
	r.NotifyPolicyChange(ScopeTenant, "") // ignored
	waitFor(t, func() bool {
		cur := cache.entry(normalizeKey(ScopeTenant, "t1")).Load()
		return cur != nil && cur.Len() == 1
	})

	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestRefresherRestartsAfterStop(t *testing.T) {
	store := newFakeStore()
	cache := NewPolicyCache(store)
	ctx := context.Background()
	r, err := NewRefresher(cache, WithRefreshInterval(time.Hour))
	if err != nil {
		t.Fatalf("refresher: %v", err)
	}
	r.Start(ctx)
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	r.Start(ctx)
	defer r.Stop(ctx)

	store.put(NewPolicyBuilder().ID("t9").Name("t9").Allow().Tenant("t9").Build())
	r.NotifyPolicyChange(ScopeTenant, "t9")
	waitFor(t, func() bool {
		cur := cache.entry(normalizeKey(ScopeTenant, "t9")).Load()
		return cur != nil && cur.Len() == 1
	})
}

func TestNewRefresherRequiresCache(t *testing.T) {
	if _, err := NewRefresher(nil); err == nil {
		t.Fatalf("expected error for nil cache")
	}
}
