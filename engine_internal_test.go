package abac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oarkflow/abac/logger"
)

// cancelOnWarn cancels a request context the first time a warning is logged.
type cancelOnWarn struct {
	logger.NullLogger
	cancel context.CancelFunc
}

func (c cancelOnWarn) Warn(string, ...any) { c.cancel() }

func TestEvaluateKeepsDecisionComputedBeforeCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newFakeStore(
		allowPolicy("allow-all", 10),
		denyPolicy("broken", 1, &Predicate{Attribute: "action", Operator: "LIKE", Value: "x"}),
	)
	e, err := NewEngine(store, WithLogger(cancelOnWarn{cancel: cancel}))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer e.Close(context.Background())

	ec := &EvaluationContext{
		Subject:     Subject{ID: "u1", TenantID: "t1", Type: "user"},
		Resource:    Resource{Type: "invoice", ID: "inv-1", TenantID: "t1"},
		Action:      "read",
		Environment: Environment{Timestamp: time.Now()},
	}
	// the malformed last candidate cancels ctx while it is being evaluated
	res, err := e.Evaluate(ctx, ec)
	if err != nil {
		t.Fatalf("a fully computed decision must not be discarded: %v", err)
	}
	if !res.Allowed() || res.AppliedPolicies[0].PolicyID != "allow-all" {
		t.Fatalf("expected ALLOW by allow-all, got %+v", res)
	}

	res, err = e.Evaluate(ctx, ec)
	if !errors.Is(err, context.Canceled) || res.Decision != DecisionDeny {
		t.Fatalf("expected DENY and context.Canceled once cancelled, got %+v %v", res, err)
	}
}

func TestEngineRefreshCacheReportsStoreUnavailable(t *testing.T) {
	store := newFakeStore(allowPolicy("a", 1))
	e, err := NewEngine(store, WithLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer e.Close(context.Background())
	ctx := context.Background()

	store.fail.Store(true)
	for _, opts := range []RefreshOptions{{}, {Scope: ScopePlatform}, {Scope: ScopeTenant, TenantID: "t1"}} {
		err := e.RefreshCache(ctx, opts)
		var unavailable *StoreUnavailableError
		if !errors.As(err, &unavailable) || !errors.Is(err, errStoreDown) {
			t.Fatalf("RefreshCache(%+v) = %v, want StoreUnavailableError", opts, err)
		}
	}

	store.fail.Store(false)
	if err := e.RefreshCache(ctx, RefreshOptions{}); err != nil {
		t.Fatalf("refresh after recovery: %v", err)
	}
}
