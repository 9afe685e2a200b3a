package abac

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// POLICY MODEL
// ============================================================================

// Scope says whether a policy applies platform-wide or to one tenant.
type Scope string

const (
	ScopePlatform Scope = "PLATFORM"
	ScopeTenant   Scope = "TENANT"
)

func (s Scope) Valid() bool {
	return s == ScopePlatform || s == ScopeTenant
}

// Category groups policies for the dashboard.
type Category string

const (
	CategoryTenantIsolation     Category = "TENANT_ISOLATION"
	CategoryReadOnlyEnforcement Category = "READ_ONLY_ENFORCEMENT"
	CategoryFinancialLimits     Category = "FINANCIAL_LIMITS"
	CategoryTimeBoundActions    Category = "TIME_BOUND_ACTIONS"
	CategoryAutomationScope     Category = "AUTOMATION_SCOPE"
	CategoryNotificationSafety  Category = "NOTIFICATION_SAFETY"
	CategoryCustom              Category = "CUSTOM"
)

var knownCategories = map[Category]bool{
	CategoryTenantIsolation:     true,
	CategoryReadOnlyEnforcement: true,
	CategoryFinancialLimits:     true,
	CategoryTimeBoundActions:    true,
	CategoryAutomationScope:     true,
	CategoryNotificationSafety:  true,
	CategoryCustom:              true,
}

// Effect represents the outcome of a policy evaluation
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

func (e Effect) Valid() bool {
	return e == EffectAllow || e == EffectDeny
}

// Policy is a stored authorization policy.
type Policy struct {
	PolicyID    string    `json:"policy_id" yaml:"policy_id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Scope       Scope     `json:"scope" yaml:"scope"`
	TenantID    string    `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Category    Category  `json:"category" yaml:"category"`
	Effect      Effect    `json:"effect" yaml:"effect"`
	Priority    int       `json:"priority" yaml:"priority"`
	Condition   Condition `json:"-" yaml:"-"`
	IsActive    bool      `json:"is_active" yaml:"is_active"`
	IsSystem    bool      `json:"is_system" yaml:"is_system"`

	EvaluationCount int64 `json:"evaluation_count" yaml:"-"`
	AllowCount      int64 `json:"allow_count" yaml:"-"`
	DenyCount       int64 `json:"deny_count" yaml:"-"`
	SuccessCount    int64 `json:"success_count" yaml:"-"`

	CreatedBy string    `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Clone returns a deep copy. Conditions are immutable after parsing, so the
// condition tree is shared.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// SuccessRate is the share of evaluations in which this policy's effect equalled
// the final decision.
func (p *Policy) SuccessRate() float64 {
	if p.EvaluationCount == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(p.EvaluationCount)
}

// Checksum returns a deterministic hash of the policy definition (counters and
// timestamps excluded).
func (p *Policy) Checksum() string {
	data, _ := json.Marshal(struct {
		PolicyID  string
		Scope     Scope
		TenantID  string
		Effect    Effect
		Priority  int
		Condition any
		IsActive  bool
	}{
		PolicyID:  p.PolicyID,
		Scope:     p.Scope,
		TenantID:  p.TenantID,
		Effect:    p.Effect,
		Priority:  p.Priority,
		Condition: EncodeCondition(p.Condition),
		IsActive:  p.IsActive,
	})
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

type policyJSON Policy

type policyWire struct {
	*policyJSON
	Condition any `json:"condition,omitempty"`
}

func (p Policy) MarshalJSON() ([]byte, error) {
	pj := policyJSON(p)
	return json.Marshal(policyWire{policyJSON: &pj, Condition: EncodeCondition(p.Condition)})
}

func (p *Policy) UnmarshalJSON(data []byte) error {
	w := policyWire{policyJSON: (*policyJSON)(p)}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	cond, err := ParseCondition(w.Condition)
	if err != nil {
		return fmt.Errorf("policy %s: %w", p.PolicyID, err)
	}
	p.Condition = cond
	return nil
}

// ============================================================================
// DECISIONS
// ============================================================================

// Decision is the final outcome of an evaluation.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionDeny  Decision = "DENY"
)

// AppliedPolicy cites a matched policy in a result.
type AppliedPolicy struct {
	PolicyID string `json:"policy_id"`
	Name     string `json:"name"`
	Effect   Effect `json:"effect"`
	Priority int    `json:"priority"`
	Reason   string `json:"reason"`
}

// EvaluationResult is returned to the caller and never mutated afterwards.
type EvaluationResult struct {
	Decision        Decision        `json:"decision"`
	AppliedPolicies []AppliedPolicy `json:"applied_policies"`
	Reason          string          `json:"reason"`
	EvaluatedAt     time.Time       `json:"evaluated_at"`
	DurationMicros  int64           `json:"duration_micros"`
	DryRun          bool            `json:"dry_run,omitempty"`
}

func (r *EvaluationResult) Allowed() bool {
	return r != nil && r.Decision == DecisionAllow
}
