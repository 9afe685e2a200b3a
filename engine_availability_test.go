package abac_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/logger"
	"github.com/oarkflow/abac/stores"
)

var errPlatformDown = errors.New("platform partition unreachable")

// platformOutageStore fails platform loads while down is set.
type platformOutageStore struct {
	*stores.MemoryPolicyStore
	down atomic.Bool
}

func (s *platformOutageStore) LoadActivePolicies(ctx context.Context, scope abac.Scope, tenantID string) ([]*abac.Policy, error) {
	if scope == abac.ScopePlatform && s.down.Load() {
		return nil, errPlatformDown
	}
	return s.MemoryPolicyStore.LoadActivePolicies(ctx, scope, tenantID)
}

func newOutageEngine(t *testing.T) (*abac.Engine, *platformOutageStore) {
	t.Helper()
	store := &platformOutageStore{MemoryPolicyStore: stores.NewMemoryPolicyStore()}
	ctx := context.Background()
	for _, p := range []*abac.Policy{
		abac.NewPolicyBuilder().ID("PLATFORM_DENY_ALL").Name("deny all").Deny().Priority(100).Build(),
		abac.NewPolicyBuilder().ID("T_ALLOW").Name("tenant allow").Allow().Priority(1).Tenant("t1").Build(),
	} {
		if _, err := store.Save(ctx, p); err != nil {
			t.Fatalf("save %s: %v", p.PolicyID, err)
		}
	}
	e, err := abac.NewEngine(store,
		abac.WithLogger(logger.NewNullLogger()),
		abac.WithClock(func() time.Time { return businessHours }),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e, store
}

func TestEvaluateDeniesWhenPlatformNeverLoaded(t *testing.T) {
	e, store := newOutageEngine(t)
	store.down.Store(true)

	for _, eval := range []func(context.Context, *abac.EvaluationContext) (*abac.EvaluationResult, error){e.Evaluate, e.TestEvaluate} {
		res, err := eval(context.Background(), request("t1", "t1", "read"))
		var unavailable *abac.StoreUnavailableError
		if !errors.As(err, &unavailable) || !errors.Is(err, errPlatformDown) {
			t.Fatalf("expected StoreUnavailableError, got %v", err)
		}
		if res == nil || res.Decision != abac.DecisionDeny || len(res.AppliedPolicies) != 0 {
			t.Fatalf("a tenant ALLOW must not decide without the platform policies, got %+v", res)
		}
	}

	// once the platform loads, the deny-all policy decides
	store.down.Store(false)
	res := evaluate(t, e, request("t1", "t1", "read"))
	if res.Decision != abac.DecisionDeny || res.AppliedPolicies[0].PolicyID != "PLATFORM_DENY_ALL" {
		t.Fatalf("expected DENY by PLATFORM_DENY_ALL, got %+v", res)
	}
}

func TestEvaluateServesStalePlatformSnapshotDuringOutage(t *testing.T) {
	e, store := newOutageEngine(t)
	evaluate(t, e, request("t1", "t1", "read"))

	e.Cache().ForceRefresh()
	store.down.Store(true)
	res, err := e.Evaluate(context.Background(), request("t1", "t1", "read"))
	if err != nil {
		t.Fatalf("a stale snapshot must be served without error: %v", err)
	}
	if res.Decision != abac.DecisionDeny || len(res.AppliedPolicies) == 0 || res.AppliedPolicies[0].PolicyID != "PLATFORM_DENY_ALL" {
		t.Fatalf("expected DENY by PLATFORM_DENY_ALL from the stale snapshot, got %+v", res)
	}
}
