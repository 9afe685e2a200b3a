package abac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oarkflow/abac/logger"
)

type captureSink struct {
	mu      sync.Mutex
	records []DenialAuditRecord
}

func (s *captureSink) RecordDenial(ctx context.Context, rec *DenialAuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
	return nil
}

func newTestRecorder(store PolicyStore, ring int, sink DenialSink) *Recorder {
	return NewRecorder(store, RecorderConfig{FlushInterval: time.Hour, RingCapacity: ring}, sink, logger.NewNullLogger(), nil, nil)
}

func denyEvent(subject string, applied ...AppliedPolicy) *evalEvent {
	return &evalEvent{
		matched:      applied,
		applied:      applied,
		decision:     DecisionDeny,
		reason:       "denied",
		subjectID:    subject,
		tenantID:     "t1",
		resourceType: "invoice",
		action:       "delete",
		at:           time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRecorderCountsEveryMatchedPolicy(t *testing.T) {
	store := newFakeStore(allowPolicy("a", 1), denyPolicy("d", 2, nil))
	r := newTestRecorder(store, 10, nil)
	defer r.Close(context.Background())

	allowRef := AppliedPolicy{PolicyID: "a", Effect: EffectAllow}
	denyRef := AppliedPolicy{PolicyID: "d", Effect: EffectDeny}
	for i := 0; i < 3; i++ {
		r.Record(&evalEvent{matched: []AppliedPolicy{allowRef}, applied: []AppliedPolicy{allowRef}, decision: DecisionAllow})
	}
	r.Record(&evalEvent{matched: []AppliedPolicy{denyRef, allowRef}, applied: []AppliedPolicy{denyRef, allowRef}, decision: DecisionDeny})
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	a, _ := store.LoadByID(context.Background(), "a")
	if a.EvaluationCount != 4 || a.AllowCount != 4 || a.SuccessCount != 3 {
		t.Fatalf("unexpected counters for a: %+v", a)
	}
	if got := a.SuccessRate(); got != 0.75 {
		t.Fatalf("success rate = %v, want 0.75", got)
	}
	d, _ := store.LoadByID(context.Background(), "d")
	if d.EvaluationCount != 1 || d.DenyCount != 1 || d.SuccessCount != 1 {
		t.Fatalf("unexpected counters for d: %+v", d)
	}
	if !r.Pending("a").IsZero() {
		t.Fatalf("pending must be empty after flush")
	}
}

func TestRecorderKeepsFailedDeltas(t *testing.T) {
	store := newFakeStore(allowPolicy("a", 1))
	r := newTestRecorder(store, 10, nil)
	defer r.Close(context.Background())

	store.fail.Store(true)
	r.Record(&evalEvent{matched: []AppliedPolicy{{PolicyID: "a", Effect: EffectAllow}}, decision: DecisionAllow})
	if err := r.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush error")
	}
	if got := r.Pending("a"); got.Evaluations != 1 {
		t.Fatalf("failed delta must stay pending, got %+v", got)
	}
	store.fail.Store(false)
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if a, _ := store.LoadByID(context.Background(), "a"); a.EvaluationCount != 1 {
		t.Fatalf("expected 1 evaluation after retry, got %d", a.EvaluationCount)
	}
}

func TestDenialRingEvictsOldest(t *testing.T) {
	sink := &captureSink{}
	r := newTestRecorder(newFakeStore(), 3, sink)
	defer r.Close(context.Background())

	ref := AppliedPolicy{PolicyID: "d", Effect: EffectDeny}
	for _, s := range []string{"s1", "s2", "s3", "s4", "s5"} {
		r.Record(denyEvent(s, ref))
	}
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	recent := r.RecentDenials(0)
	if len(recent) != 3 {
		t.Fatalf("ring must hold 3 records, got %d", len(recent))
	}
	if recent[0].SubjectID != "s5" || recent[2].SubjectID != "s3" || recent[0].Sequence != 5 {
		t.Fatalf("expected newest first s5..s3, got %s..%s", recent[0].SubjectID, recent[2].SubjectID)
	}
	if top := r.RecentDenials(1); len(top) != 1 || top[0].SubjectID != "s5" {
		t.Fatalf("limit not honoured: %+v", top)
	}
	chain := r.DenialChain()
	if err := VerifyDenialChain(chain); err != nil {
		t.Fatalf("chain must verify after eviction: %v", err)
	}
	if len(sink.records) != 5 {
		t.Fatalf("sink must receive every denial, got %d", len(sink.records))
	}
	if err := VerifyDenialChain(sink.records); err != nil {
		t.Fatalf("sink chain must verify: %v", err)
	}
}

func TestVerifyDenialChainDetectsTampering(t *testing.T) {
	r := newTestRecorder(newFakeStore(), 10, nil)
	defer r.Close(context.Background())
	for _, s := range []string{"s1", "s2", "s3"} {
		r.Record(denyEvent(s, AppliedPolicy{PolicyID: "d", Effect: EffectDeny}))
	}
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	edited := r.DenialChain()
	edited[1].Reason = "nothing to see"
	if err := VerifyDenialChain(edited); err == nil {
		t.Fatalf("edited record must fail verification")
	}

	dropped := r.DenialChain()
	dropped = append(dropped[:1], dropped[2:]...)
	if err := VerifyDenialChain(dropped); err == nil {
		t.Fatalf("removed record must fail verification")
	}

	rehashed := r.DenialChain()
	rehashed[1].Reason = "rewritten"
	rehashed[1].Hash = hashDenial(&rehashed[1])
	if err := VerifyDenialChain(rehashed); err == nil {
		t.Fatalf("rehashing one record must break the link to the next")
	}
}

func TestRecorderDropsAfterClose(t *testing.T) {
	r := newTestRecorder(newFakeStore(), 10, nil)
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	r.Record(&evalEvent{decision: DecisionAllow})
	r.Record(&evalEvent{decision: DecisionAllow})
	if r.Dropped() != 2 {
		t.Fatalf("expected 2 dropped events, got %d", r.Dropped())
	}
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("flush after close must be a no-op: %v", err)
	}
}

func TestGetStatisticsIncludesPendingCounters(t *testing.T) {
	store := newFakeStore()
	e, err := NewEngine(store,
		WithLogger(logger.NewNullLogger()),
		WithRecorderConfig(RecorderConfig{FlushInterval: time.Hour}),
	)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer e.Close(context.Background())
	ctx := context.Background()
	if _, err := e.CreatePolicy(ctx, NewPolicyBuilder().ID("allow-read").Name("read").Allow().Priority(10).When(Eq("action", "read")).Build()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.CreatePolicy(ctx, denyPolicy("deny-delete", 5, Eq("action", "delete"))); err != nil {
		t.Fatalf("create: %v", err)
	}

	ec := &EvaluationContext{Subject: Subject{ID: "u1"}, Resource: Resource{Type: "doc", TenantID: "t1"}}
	for _, action := range []string{"read", "read", "delete"} {
		ec.Action = action
		if _, err := e.Evaluate(ctx, ec); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}

	// counters stay pending while the store rejects increments
	store.fail.Store(true)
	_ = e.FlushStatistics(ctx)
	st, err := e.GetStatistics(ctx, StatisticsOptions{})
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if st.TotalEvaluations != 3 || st.TotalPolicies != 2 || st.ActivePolicies != 2 {
		t.Fatalf("unexpected totals %+v", st)
	}
	if st.TopPolicies[0].PolicyID != "allow-read" || st.TopPolicies[0].EvaluationCount != 2 {
		t.Fatalf("unexpected top policy %+v", st.TopPolicies[0])
	}
	if st.ByEffect[EffectDeny].Evaluations != 1 || st.ByCategory[CategoryCustom] != 2 {
		t.Fatalf("unexpected aggregates %+v %+v", st.ByEffect, st.ByCategory)
	}
	if len(st.RecentDenials) != 1 || st.RecentDenials[0].Action != "delete" {
		t.Fatalf("unexpected recent denials %+v", st.RecentDenials)
	}

	store.fail.Store(false)
	if err := e.FlushStatistics(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	after, err := e.GetStatistics(ctx, StatisticsOptions{TenantID: "t2"})
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if after.TotalEvaluations != 3 {
		t.Fatalf("flushing must not change totals, got %d", after.TotalEvaluations)
	}
	if len(after.RecentDenials) != 0 {
		t.Fatalf("denials of other tenants must be filtered")
	}
}
