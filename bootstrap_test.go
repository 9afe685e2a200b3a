package abac_test

import (
	"context"
	"testing"
	"time"

	"github.com/oarkflow/abac"
)

func TestReconcileCorePolicyIsPure(t *testing.T) {
	tmpl, ok := abac.LookupCoreTemplate(abac.TemplateFinancialApprovalLimits)
	if !ok {
		t.Fatalf("template not found")
	}
	created := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	existing := &abac.Policy{
		PolicyID:        tmpl.ID,
		Name:            "tampered",
		Scope:           abac.ScopePlatform,
		Effect:          abac.EffectAllow,
		Priority:        1,
		IsActive:        false,
		EvaluationCount: 42,
		DenyCount:       40,
		SuccessCount:    40,
		CreatedBy:       "ops",
		CreatedAt:       created,
	}
	snapshot := *existing

	p := abac.ReconcileCorePolicy(tmpl, existing, now)
	if *existing != snapshot {
		t.Fatalf("existing policy must not be modified")
	}
	if p.Name != tmpl.Name || p.Effect != abac.EffectDeny || p.Priority != tmpl.Priority || !p.IsActive || !p.IsSystem {
		t.Fatalf("template fields not restored: %+v", p)
	}
	if p.EvaluationCount != 42 || p.DenyCount != 40 || p.SuccessCount != 40 {
		t.Fatalf("counters must be preserved: %+v", p)
	}
	if !p.CreatedAt.Equal(created) || p.CreatedBy != "ops" || !p.UpdatedAt.Equal(now) {
		t.Fatalf("creation metadata must be preserved: %+v", p)
	}

	again := abac.ReconcileCorePolicy(tmpl, p, now)
	if again.Checksum() != p.Checksum() {
		t.Fatalf("reconciling twice must be stable")
	}

	fresh := abac.ReconcileCorePolicy(tmpl, nil, now)
	if fresh.CreatedBy != abac.SystemActor || fresh.EvaluationCount != 0 {
		t.Fatalf("unexpected fresh policy %+v", fresh)
	}
}

func TestInitializeCorePoliciesIsIdempotent(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	first, err := e.InitializeAllCorePolicies(ctx)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if len(first) != len(abac.CoreTemplates()) {
		t.Fatalf("expected %d core policies, got %d", len(abac.CoreTemplates()), len(first))
	}

	// some traffic, then an operator disables one policy
	res := evaluate(t, e, request("t2", "t1", "read"))
	if res.Decision != abac.DecisionDeny {
		t.Fatalf("expected deny, got %+v", res)
	}
	if err := e.FlushStatistics(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := e.SetPolicyActive(ctx, abac.TemplateTenantIsolation, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	second, err := e.InitializeAllCorePolicies(ctx)
	if err != nil {
		t.Fatalf("re-init: %v", err)
	}
	for i := range first {
		if first[i].Checksum() != second[i].Checksum() {
			t.Fatalf("%s changed across initializations", first[i].PolicyID)
		}
	}
	iso, err := store.LoadByID(ctx, abac.TemplateTenantIsolation)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !iso.IsActive || !iso.IsSystem {
		t.Fatalf("re-initialization must restore the template: %+v", iso)
	}
	if iso.EvaluationCount != 1 || iso.DenyCount != 1 {
		t.Fatalf("re-initialization must keep counters, got %+v", iso)
	}

	all, err := e.ListPolicies(ctx, abac.PolicyFilter{SystemOnly: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != len(abac.CoreTemplates()) {
		t.Fatalf("initialization must not duplicate policies, got %d", len(all))
	}
}

func TestInitializeUnknownTemplate(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.InitializeCorePolicy(context.Background(), "NO_SUCH_TEMPLATE"); !abac.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCoreTemplatesAreValid(t *testing.T) {
	for _, tmpl := range abac.CoreTemplates() {
		p := abac.ReconcileCorePolicy(tmpl, nil, time.Now())
		if err := abac.ValidatePolicy(p); err != nil {
			t.Fatalf("%s: %v", tmpl.ID, err)
		}
	}
}
