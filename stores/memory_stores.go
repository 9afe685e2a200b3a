package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/abac"
)

// MemoryPolicyStore implements policy persistence in-memory for testing/demo
type MemoryPolicyStore struct {
	mu        sync.RWMutex
	policies  map[string]*abac.Policy
	histories map[string][]*abac.Policy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[string]*abac.Policy), histories: make(map[string][]*abac.Policy)}
}

// Save upserts a copy of p. An existing document keeps its counters.
func (s *MemoryPolicyStore) Save(ctx context.Context, p *abac.Policy) (*abac.Policy, error) {
	if p == nil {
		return nil, fmt.Errorf("nil policy")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	if old, ok := s.policies[cp.PolicyID]; ok {
		s.histories[cp.PolicyID] = append(s.histories[cp.PolicyID], old.Clone())
		cp.EvaluationCount = old.EvaluationCount
		cp.AllowCount = old.AllowCount
		cp.DenyCount = old.DenyCount
		cp.SuccessCount = old.SuccessCount
	}
	s.policies[cp.PolicyID] = cp
	return cp.Clone(), nil
}

// GetPolicyHistory returns the previous versions of a policy, oldest first.
func (s *MemoryPolicyStore) GetPolicyHistory(ctx context.Context, id string) ([]*abac.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[id]
	if !ok {
		return nil, fmt.Errorf("%w: no history for %s", abac.ErrPolicyNotFound, id)
	}
	return clonePolicies(h), nil
}

func (s *MemoryPolicyStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("%w: %s", abac.ErrPolicyNotFound, id)
	}
	if p.IsSystem {
		return abac.ErrSystemPolicy
	}
	delete(s.policies, id)
	return nil
}

func (s *MemoryPolicyStore) LoadByID(ctx context.Context, id string) (*abac.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", abac.ErrPolicyNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryPolicyStore) LoadActivePolicies(ctx context.Context, scope abac.Scope, tenantID string) ([]*abac.Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scope == abac.ScopePlatform {
		tenantID = ""
	}
	return s.ListPolicies(ctx, abac.PolicyFilter{Scope: scope, TenantID: tenantID, ActiveOnly: true})
}

func (s *MemoryPolicyStore) ListPolicies(ctx context.Context, f abac.PolicyFilter) ([]*abac.Policy, error) {
	s.mu.RLock()
	result := make([]*abac.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if f.Match(p) {
			result = append(result, p.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].PolicyID < result[j].PolicyID
	})
	return page(result, f), nil
}

func (s *MemoryPolicyStore) IncrementCounters(ctx context.Context, id string, d abac.CounterDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return nil
	}
	// replace rather than mutate so clones handed out earlier stay unchanged
	cp := p.Clone()
	d.ApplyTo(cp)
	s.policies[id] = cp
	return nil
}

// MemoryDenialStore keeps denial records in memory and implements
// abac.DenialSink.
type MemoryDenialStore struct {
	mu      sync.RWMutex
	records []abac.DenialAuditRecord
}

func NewMemoryDenialStore() *MemoryDenialStore {
	return &MemoryDenialStore{}
}

func (s *MemoryDenialStore) RecordDenial(ctx context.Context, rec *abac.DenialAuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
	return nil
}

// ListDenials returns records of tenantID (all when empty), oldest first.
func (s *MemoryDenialStore) ListDenials(ctx context.Context, tenantID string, limit int) ([]abac.DenialAuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]abac.DenialAuditRecord, 0)
	for _, r := range s.records {
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
