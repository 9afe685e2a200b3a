package abac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// POLICY OPERATIONS
// ============================================================================

// ValidatePolicy checks the fields a stored policy must satisfy. Category
// defaults to CUSTOM.
func ValidatePolicy(p *Policy) error {
	if p == nil {
		return newValidationError("", "policy", "policy is required")
	}
	if strings.TrimSpace(p.PolicyID) == "" || strings.ContainsAny(p.PolicyID, " \t\n") {
		return newValidationError(p.PolicyID, "policy_id", "must be non-empty and contain no whitespace")
	}
	if strings.TrimSpace(p.Name) == "" {
		return newValidationError(p.PolicyID, "name", "is required")
	}
	if !p.Scope.Valid() {
		return newValidationError(p.PolicyID, "scope", "must be PLATFORM or TENANT, got %q", p.Scope)
	}
	if p.Scope == ScopeTenant && p.TenantID == "" {
		return newValidationError(p.PolicyID, "tenant_id", "is required for TENANT scope")
	}
	if p.Scope == ScopePlatform && p.TenantID != "" {
		return newValidationError(p.PolicyID, "tenant_id", "must be empty for PLATFORM scope")
	}
	if p.Category == "" {
		p.Category = CategoryCustom
	}
	if !knownCategories[p.Category] {
		return newValidationError(p.PolicyID, "category", "unknown category %q", p.Category)
	}
	if !p.Effect.Valid() {
		return newValidationError(p.PolicyID, "effect", "must be ALLOW or DENY, got %q", p.Effect)
	}
	if err := ValidateCondition(p.Condition); err != nil {
		return newValidationError(p.PolicyID, "condition", "%v", err)
	}
	return nil
}

// CreatePolicy stores a new non-system policy. A duplicate PolicyID is a
// validation error.
func (e *Engine) CreatePolicy(ctx context.Context, p *Policy) (*Policy, error) {
	if p == nil {
		return nil, newValidationError("", "policy", "policy is required")
	}
	p = p.Clone()
	if err := ValidatePolicy(p); err != nil {
		return nil, err
	}
	if _, err := e.store.LoadByID(ctx, p.PolicyID); err == nil {
		return nil, newValidationError(p.PolicyID, "policy_id", "already exists")
	} else if !errors.Is(err, ErrPolicyNotFound) {
		return nil, fmt.Errorf("check policy %s: %w", p.PolicyID, err)
	}
	now := e.clock()
	p.IsSystem = false
	p.EvaluationCount, p.AllowCount, p.DenyCount, p.SuccessCount = 0, 0, 0, 0
	p.CreatedAt = now
	p.UpdatedAt = now
	saved, err := e.store.Save(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("create policy %s: %w", p.PolicyID, err)
	}
	e.afterWrite(ctx, saved.Scope, saved.TenantID)
	e.logger.Info("policy created", "policy_id", saved.PolicyID, "scope", string(saved.Scope), "tenant", saved.TenantID)
	return saved, nil
}

// UpdatePolicy replaces the definition of an existing policy. Counters and
// creation metadata are kept. System policies can only be toggled.
func (e *Engine) UpdatePolicy(ctx context.Context, p *Policy) (*Policy, error) {
	if p == nil {
		return nil, newValidationError("", "policy", "policy is required")
	}
	p = p.Clone()
	if err := ValidatePolicy(p); err != nil {
		return nil, err
	}
	existing, err := e.store.LoadByID(ctx, p.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("update policy %s: %w", p.PolicyID, err)
	}
	if existing.IsSystem {
		return nil, fmt.Errorf("update policy %s: %w", p.PolicyID, ErrSystemPolicy)
	}
	p.IsSystem = false
	p.EvaluationCount = existing.EvaluationCount
	p.AllowCount = existing.AllowCount
	p.DenyCount = existing.DenyCount
	p.SuccessCount = existing.SuccessCount
	p.CreatedAt = existing.CreatedAt
	p.CreatedBy = existing.CreatedBy
	p.UpdatedAt = e.clock()
	saved, err := e.store.Save(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("update policy %s: %w", p.PolicyID, err)
	}
	e.warnings.forget(saved.PolicyID)
	// a scope or tenant move invalidates the old key as well
	if existing.Scope != saved.Scope || existing.TenantID != saved.TenantID {
		e.afterWrite(ctx, existing.Scope, existing.TenantID)
	}
	e.afterWrite(ctx, saved.Scope, saved.TenantID)
	e.logger.Info("policy updated", "policy_id", saved.PolicyID)
	return saved, nil
}

// SetPolicyActive toggles a policy, system policies included.
func (e *Engine) SetPolicyActive(ctx context.Context, policyID string, active bool) (*Policy, error) {
	p, err := e.store.LoadByID(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("toggle policy %s: %w", policyID, err)
	}
	if p.IsActive == active {
		return p, nil
	}
	p.IsActive = active
	p.UpdatedAt = e.clock()
	saved, err := e.store.Save(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("toggle policy %s: %w", policyID, err)
	}
	e.afterWrite(ctx, saved.Scope, saved.TenantID)
	e.logger.Info("policy toggled", "policy_id", policyID, "active", active)
	return saved, nil
}

// DeletePolicy removes a non-system policy.
func (e *Engine) DeletePolicy(ctx context.Context, policyID string) error {
	p, err := e.store.LoadByID(ctx, policyID)
	if err != nil {
		return fmt.Errorf("delete policy %s: %w", policyID, err)
	}
	if p.IsSystem {
		return fmt.Errorf("delete policy %s: %w", policyID, ErrSystemPolicy)
	}
	if err := e.store.Delete(ctx, policyID); err != nil {
		return fmt.Errorf("delete policy %s: %w", policyID, err)
	}
	e.warnings.forget(policyID)
	e.afterWrite(ctx, p.Scope, p.TenantID)
	e.logger.Info("policy deleted", "policy_id", policyID)
	return nil
}

// GetPolicy returns the stored policy with not yet flushed counters added.
func (e *Engine) GetPolicy(ctx context.Context, policyID string) (*Policy, error) {
	p, err := e.store.LoadByID(ctx, policyID)
	if err != nil {
		return nil, err
	}
	e.recorder.Pending(policyID).ApplyTo(p)
	return p, nil
}

// ListPolicies returns stored policies matching filter.
func (e *Engine) ListPolicies(ctx context.Context, filter PolicyFilter) ([]*Policy, error) {
	return e.store.ListPolicies(ctx, filter)
}

// afterWrite makes a committed change visible to the next evaluation. The
// generation is bumped before reloading, so a failed reload still forces a
// lazy reload later.
func (e *Engine) afterWrite(ctx context.Context, scope Scope, tenantID string) {
	if err := e.cache.Refresh(ctx, scope, tenantID); err != nil {
		e.logger.Warn("cache refresh after write failed", "scope", string(scope), "tenant", tenantID, "error", err)
	}
}

// ============================================================================
// STATISTICS
// ============================================================================

// GetStatistics builds the dashboard overview. Counters include events not yet
// flushed to the store.
func (e *Engine) GetStatistics(ctx context.Context, opts StatisticsOptions) (*Statistics, error) {
	if opts.TopN <= 0 {
		opts.TopN = 10
	}
	var policies []*Policy
	var listErr error
	e.recorder.stableCounters(func() {
		policies, listErr = e.statisticsPolicies(ctx, opts.TenantID)
		if listErr != nil {
			return
		}
		for _, p := range policies {
			e.recorder.Pending(p.PolicyID).ApplyTo(p)
		}
	})
	if listErr != nil {
		return nil, fmt.Errorf("statistics: %w", listErr)
	}

	st := &Statistics{
		ByEffect:      map[Effect]EffectStats{},
		ByCategory:    map[Category]int{},
		DroppedEvents: e.recorder.Dropped(),
		Warnings:      e.warnings.list(),
		GeneratedAt:   e.clock(),
	}
	rows := make([]PolicyStats, 0, len(policies))
	for _, p := range policies {
		st.TotalPolicies++
		if p.IsActive {
			st.ActivePolicies++
		}
		if p.IsSystem {
			st.SystemPolicies++
		}
		st.TotalEvaluations += p.EvaluationCount
		es := st.ByEffect[p.Effect]
		es.Policies++
		if p.IsActive {
			es.Active++
		}
		es.Evaluations += p.EvaluationCount
		st.ByEffect[p.Effect] = es
		st.ByCategory[p.Category]++
		rows = append(rows, newPolicyStats(p))
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].EvaluationCount != rows[j].EvaluationCount {
			return rows[i].EvaluationCount > rows[j].EvaluationCount
		}
		return rows[i].PolicyID < rows[j].PolicyID
	})
	if len(rows) > opts.TopN {
		rows = rows[:opts.TopN]
	}
	st.TopPolicies = rows

	for _, rec := range e.recorder.RecentDenials(0) {
		if opts.TenantID != "" && rec.TenantID != opts.TenantID {
			continue
		}
		st.RecentDenials = append(st.RecentDenials, rec)
		if opts.RecentDenials > 0 && len(st.RecentDenials) >= opts.RecentDenials {
			break
		}
	}
	return st, nil
}

func (e *Engine) statisticsPolicies(ctx context.Context, tenantID string) ([]*Policy, error) {
	if tenantID == "" {
		return e.store.ListPolicies(ctx, PolicyFilter{})
	}
	platform, err := e.store.ListPolicies(ctx, PolicyFilter{Scope: ScopePlatform})
	if err != nil {
		return nil, err
	}
	tenant, err := e.store.ListPolicies(ctx, PolicyFilter{Scope: ScopeTenant, TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	return append(platform, tenant...), nil
}

// DenialChain returns the denial ring oldest first.
func (e *Engine) DenialChain() []DenialAuditRecord {
	return e.recorder.DenialChain()
}

// ============================================================================
// POLICY TEST TOOL
// ============================================================================

// TestRequest is the flat request of the policy test tool.
type TestRequest struct {
	Tenant        string         `json:"tenant"`
	SubjectID     string         `json:"subject_id"`
	SubjectTenant string         `json:"subject_tenant,omitempty"`
	SubjectType   string         `json:"subject_type,omitempty"`
	Roles         []string       `json:"roles,omitempty"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource"` // format: type:id
	Time          time.Time      `json:"time,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

// Context converts the request into an EvaluationContext. SubjectTenant
// defaults to Tenant and Time to now.
func (r *TestRequest) Context(now time.Time) *EvaluationContext {
	sub := Subject{ID: r.SubjectID, TenantID: r.SubjectTenant, Type: r.SubjectType}
	if sub.TenantID == "" {
		sub.TenantID = r.Tenant
	}
	if len(r.Roles) > 0 {
		sub.Roles = append(sub.Roles, r.Roles...)
	}
	rType, rID, _ := strings.Cut(r.Resource, ":")
	ts := r.Time
	if ts.IsZero() {
		ts = now
	}
	return &EvaluationContext{
		Subject:     sub,
		Resource:    Resource{Type: rType, ID: rID, TenantID: r.Tenant},
		Action:      r.Action,
		Environment: Environment{Timestamp: ts, Attributes: r.Attributes},
	}
}

// TestRequest runs a dry-run evaluation of a flat request.
func (e *Engine) TestRequest(ctx context.Context, req *TestRequest) (*EvaluationResult, error) {
	if req == nil {
		return nil, newValidationError("", "request", "test request is required")
	}
	return e.TestEvaluate(ctx, req.Context(e.clock()))
}
