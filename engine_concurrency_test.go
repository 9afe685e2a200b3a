package abac_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/oarkflow/abac"
)

func TestConcurrentEvaluateAndAdministration(t *testing.T) {
	e, _ := newTestEngine(t, abac.WithRecorderConfig(abac.RecorderConfig{QueueSize: 1 << 14}))
	ctx := context.Background()
	mustCreate(t, e, abac.NewPolicyBuilder().ID("allow-read").Name("allow read").Allow().Priority(10).
		When(abac.Eq("action", "read")).Build())
	mustCreate(t, e, abac.NewPolicyBuilder().ID("deny-delete").Name("deny delete").Deny().Priority(5).
		When(abac.Eq("action", "delete")).Build())

	const workers = 8
	const rounds = 50
	errs := make(chan error, workers*rounds*4)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			tenant := fmt.Sprintf("t%d", w%3)
			for i := 0; i < rounds; i++ {
				res, err := e.Evaluate(ctx, request(tenant, tenant, "delete"))
				if err != nil {
					errs <- err
					continue
				}
				// deny-delete is never toggled, so delete stays denied
				if res.Decision != abac.DecisionDeny {
					errs <- fmt.Errorf("delete allowed: %+v", res)
				}
			}
		}(w)
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if _, err := e.SetPolicyActive(ctx, "allow-read", i%2 == 1); err != nil {
				errs <- err
			}
			p := abac.NewPolicyBuilder().ID(fmt.Sprintf("tenant-%d", i)).Name("tenant allow").Allow().
				Tenant(fmt.Sprintf("t%d", i%3)).When(abac.Eq("action", "read")).Build()
			if _, err := e.CreatePolicy(ctx, p); err != nil {
				errs <- err
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if err := e.RefreshCache(ctx, abac.RefreshOptions{}); err != nil {
				errs <- err
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if _, err := e.GetStatistics(ctx, abac.StatisticsOptions{}); err != nil {
				errs <- err
			}
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent operation failed: %v", err)
	}

	if _, err := e.SetPolicyActive(ctx, "allow-read", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if res := evaluate(t, e, request("t0", "t0", "read")); !res.Allowed() {
		t.Fatalf("expected ALLOW after the writers settle, got %+v", res)
	}
	if err := e.FlushStatistics(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	st, err := e.GetStatistics(ctx, abac.StatisticsOptions{})
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if st.TotalEvaluations < workers*rounds {
		t.Fatalf("expected at least %d evaluations, got %d", workers*rounds, st.TotalEvaluations)
	}
}
