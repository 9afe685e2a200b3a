package abac

import (
	"context"
	"time"
)

// PolicyStore is the persistence contract of the engine. Implementations must
// return copies: callers may not mutate store state through returned policies.
type PolicyStore interface {
	// LoadActivePolicies returns the active policies of one scope. tenantID is
	// ignored for ScopePlatform.
	LoadActivePolicies(ctx context.Context, scope Scope, tenantID string) ([]*Policy, error)
	// LoadByID returns ErrPolicyNotFound when no document exists.
	LoadByID(ctx context.Context, policyID string) (*Policy, error)
	// Save upserts by PolicyID and returns the stored copy.
	Save(ctx context.Context, p *Policy) (*Policy, error)
	// Delete returns ErrSystemPolicy for system policies and ErrPolicyNotFound
	// for unknown IDs.
	Delete(ctx context.Context, policyID string) error
	// IncrementCounters adds delta to the policy's counters. Unknown IDs are
	// ignored.
	IncrementCounters(ctx context.Context, policyID string, delta CounterDelta) error
	ListPolicies(ctx context.Context, filter PolicyFilter) ([]*Policy, error)
}

// CounterDelta is an additive change to a policy's statistics counters.
type CounterDelta struct {
	Evaluations int64 `json:"evaluations"`
	Allows      int64 `json:"allows"`
	Denies      int64 `json:"denies"`
	Successes   int64 `json:"successes"`
}

func (d CounterDelta) IsZero() bool {
	return d.Evaluations == 0 && d.Allows == 0 && d.Denies == 0 && d.Successes == 0
}

func (d CounterDelta) Add(o CounterDelta) CounterDelta {
	return CounterDelta{
		Evaluations: d.Evaluations + o.Evaluations,
		Allows:      d.Allows + o.Allows,
		Denies:      d.Denies + o.Denies,
		Successes:   d.Successes + o.Successes,
	}
}

// ApplyTo adds the delta to p's counters in place.
func (d CounterDelta) ApplyTo(p *Policy) {
	p.EvaluationCount += d.Evaluations
	p.AllowCount += d.Allows
	p.DenyCount += d.Denies
	p.SuccessCount += d.Successes
}

// PolicyFilter narrows ListPolicies. Zero values match everything.
type PolicyFilter struct {
	Scope      Scope
	TenantID   string
	Category   Category
	ActiveOnly bool
	SystemOnly bool
	Limit      int
	Offset     int
}

// Match reports whether p passes the filter (Limit/Offset not applied).
func (f PolicyFilter) Match(p *Policy) bool {
	if f.Scope != "" && p.Scope != f.Scope {
		return false
	}
	if f.TenantID != "" && p.TenantID != f.TenantID {
		return false
	}
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	if f.ActiveOnly && !p.IsActive {
		return false
	}
	if f.SystemOnly && !p.IsSystem {
		return false
	}
	return true
}

// DenialAuditRecord documents one DENY decision.
type DenialAuditRecord struct {
	ID              string          `json:"id"`
	Sequence        uint64          `json:"sequence"`
	ResourceType    string          `json:"resource_type"`
	ResourceID      string          `json:"resource_id,omitempty"`
	Action          string          `json:"action"`
	AppliedPolicies []AppliedPolicy `json:"applied_policies"`
	SubjectID       string          `json:"subject_id"`
	TenantID        string          `json:"tenant_id,omitempty"`
	Reason          string          `json:"reason"`
	CreatedAt       time.Time       `json:"created_at"`
	PrevHash        string          `json:"prev_hash"`
	Hash            string          `json:"hash"`
}

// DenialSink receives every denial record, e.g. for long-term audit storage.
// It is called from the statistics goroutine, never from the decision path.
type DenialSink interface {
	RecordDenial(ctx context.Context, rec *DenialAuditRecord) error
}
