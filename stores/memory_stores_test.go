package stores

import (
	"context"
	"errors"
	"testing"

	"github.com/oarkflow/abac"
)

func TestMemoryPolicyStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPolicyStore()
	in := samplePolicy("p1")
	if _, err := s.Save(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	in.Priority = 99

	got, _ := s.LoadByID(ctx, "p1")
	if got.Priority != 40 {
		t.Fatalf("store must keep its own copy")
	}
	got.Name = "mutated"
	again, _ := s.LoadByID(ctx, "p1")
	if again.Name == "mutated" {
		t.Fatalf("callers must not mutate stored policies")
	}
}

func TestMemoryPolicyStoreCountersAndHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPolicyStore()
	if _, err := s.Save(ctx, samplePolicy("p1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	before, _ := s.LoadByID(ctx, "p1")
	if err := s.IncrementCounters(ctx, "p1", abac.CounterDelta{Evaluations: 2, Denies: 2}); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if before.EvaluationCount != 0 {
		t.Fatalf("earlier copies must not change")
	}
	if err := s.IncrementCounters(ctx, "unknown", abac.CounterDelta{Evaluations: 1}); err != nil {
		t.Fatalf("unknown ids are ignored: %v", err)
	}

	update := samplePolicy("p1")
	update.IsActive = false
	saved, err := s.Save(ctx, update)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if saved.EvaluationCount != 2 || saved.IsActive {
		t.Fatalf("unexpected saved policy %+v", saved)
	}
	history, err := s.GetPolicyHistory(ctx, "p1")
	if err != nil || len(history) != 1 || !history[0].IsActive {
		t.Fatalf("expected the previous version in history, got %+v %v", history, err)
	}

	active, _ := s.LoadActivePolicies(ctx, abac.ScopeTenant, "acme")
	if len(active) != 0 {
		t.Fatalf("inactive policy must not load, got %v", ids(active))
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.LoadActivePolicies(cancelled, abac.ScopePlatform, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryDenialStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDenialStore()
	for i, tenant := range []string{"a", "b", "a"} {
		rec := &abac.DenialAuditRecord{ID: tenant, Sequence: uint64(i + 1), TenantID: tenant}
		if err := s.RecordDenial(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	got, _ := s.ListDenials(ctx, "a", 0)
	if len(got) != 2 || got[0].Sequence != 1 || got[1].Sequence != 3 {
		t.Fatalf("unexpected tenant records %+v", got)
	}
	if all, _ := s.ListDenials(ctx, "", 2); len(all) != 2 {
		t.Fatalf("limit not applied, got %d", len(all))
	}
}
