package abac

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var errStoreDown = errors.New("store down")

// fakeStore is a minimal PolicyStore for in-package tests. Loads can be made
// to fail or block.
type fakeStore struct {
	mu       sync.Mutex
	policies map[string]*Policy
	loads    atomic.Int64
	fail     atomic.Bool
	gate     chan struct{}
}

func newFakeStore(ps ...*Policy) *fakeStore {
	s := &fakeStore{policies: make(map[string]*Policy)}
	for _, p := range ps {
		s.policies[p.PolicyID] = p.Clone()
	}
	return s
}

func (s *fakeStore) put(p *Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.PolicyID] = p.Clone()
}

func (s *fakeStore) LoadActivePolicies(ctx context.Context, scope Scope, tenantID string) ([]*Policy, error) {
	s.loads.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.fail.Load() {
		return nil, errStoreDown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Policy
	for _, p := range s.policies {
		if p.IsActive && p.Scope == scope && (scope == ScopePlatform || p.TenantID == tenantID) {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *fakeStore) LoadByID(ctx context.Context, id string) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	return p.Clone(), nil
}

func (s *fakeStore) Save(ctx context.Context, p *Policy) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p.Clone()
	if old, ok := s.policies[p.PolicyID]; ok {
		cp.EvaluationCount, cp.AllowCount, cp.DenyCount, cp.SuccessCount = old.EvaluationCount, old.AllowCount, old.DenyCount, old.SuccessCount
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.policies[p.PolicyID] = cp
	return cp.Clone(), nil
}

func (s *fakeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return ErrPolicyNotFound
	}
	delete(s.policies, id)
	return nil
}

func (s *fakeStore) IncrementCounters(ctx context.Context, id string, d CounterDelta) error {
	if s.fail.Load() {
		return errStoreDown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.policies[id]; ok {
		cp := p.Clone()
		d.ApplyTo(cp)
		s.policies[id] = cp
	}
	return nil
}

func (s *fakeStore) ListPolicies(ctx context.Context, f PolicyFilter) ([]*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Policy
	for _, p := range s.policies {
		if f.Match(p) {
			out = append(out, p.Clone())
		}
	}
	sortPolicies(out)
	return out, nil
}

func allowPolicy(id string, priority int) *Policy {
	return NewPolicyBuilder().ID(id).Name(id).Allow().Priority(priority).Build()
}

func denyPolicy(id string, priority int, cond Condition) *Policy {
	return NewPolicyBuilder().ID(id).Name(id).Deny().Priority(priority).Condition(cond).Build()
}
