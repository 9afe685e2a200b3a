package abac_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/oarkflow/abac"
)

func findFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func counterValue(mf *dto.MetricFamily, labels map[string]string) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		ok := true
		for _, lp := range m.GetLabel() {
			if want, found := labels[lp.GetName()]; found && want != lp.GetValue() {
				ok = false
			}
		}
		if ok {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestMetricsRecordEvaluationsAndCache(t *testing.T) {
	m := abac.NewMetrics("abac_test")
	e, _ := newTestEngine(t, abac.WithMetrics(m))
	mustCreate(t, e, abac.NewPolicyBuilder().ID("allow-read").Name("read").Allow().When(abac.Eq("action", "read")).Build())

	evaluate(t, e, request("t1", "t1", "read"))
	evaluate(t, e, request("t1", "t1", "read"))
	evaluate(t, e, request("t1", "t1", "delete"))
	if _, err := e.TestEvaluate(context.Background(), request("t1", "t1", "read")); err != nil {
		t.Fatalf("dry run: %v", err)
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	evals := findFamily(families, "abac_test_engine_evaluation_total")
	if got := counterValue(evals, map[string]string{"decision": "ALLOW", "dry_run": "false"}); got != 2 {
		t.Fatalf("allow evaluations = %v, want 2", got)
	}
	if got := counterValue(evals, map[string]string{"decision": "DENY"}); got != 1 {
		t.Fatalf("deny evaluations = %v, want 1", got)
	}
	if got := counterValue(evals, map[string]string{"dry_run": "true"}); got != 1 {
		t.Fatalf("dry-run evaluations = %v, want 1", got)
	}

	lookups := findFamily(families, "abac_test_cache_lookups_total")
	if got := counterValue(lookups, map[string]string{"scope": "PLATFORM", "result": "hit"}); got < 3 {
		t.Fatalf("expected platform cache hits, got %v", got)
	}
	if n, err := testutil.GatherAndCount(m.Registry(), "abac_test_engine_evaluation_duration_seconds"); err != nil || n == 0 {
		t.Fatalf("expected duration histograms, got %d %v", n, err)
	}
}

func TestMetricsMustRegisterTwice(t *testing.T) {
	m := abac.NewMetrics("")
	reg := prometheus.NewRegistry()
	m.MustRegister(reg)
	m.MustRegister(reg)
	if n, err := testutil.GatherAndCount(reg, "abac_stats_dropped_events_total"); err != nil || n != 1 {
		t.Fatalf("expected one dropped-events series, got %d %v", n, err)
	}
}
