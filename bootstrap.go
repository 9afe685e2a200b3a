package abac

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// CORE POLICIES
// ============================================================================

// CoreTemplate is a built-in platform policy installed by InitializeCorePolicy.
type CoreTemplate struct {
	ID          string
	Name        string
	Description string
	Category    Category
	Effect      Effect
	Priority    int
	Condition   Condition
}

const (
	TemplateTenantIsolation           = "TENANT_ISOLATION"
	TemplateReadOnlyEnforcement       = "READ_ONLY_ENFORCEMENT"
	TemplateFinancialApprovalLimits   = "FINANCIAL_APPROVAL_LIMITS"
	TemplateBusinessHoursPayouts      = "BUSINESS_HOURS_PAYOUTS"
	TemplateAutomationScopeProtection = "AUTOMATION_SCOPE_PROTECTION"
	TemplateNotificationTenantSafety  = "NOTIFICATION_TENANT_SAFETY"
)

// SystemActor is recorded as createdBy for core policies.
const SystemActor = "system"

// FinancialApprovalThreshold is the payout amount above which approval is
// required.
const FinancialApprovalThreshold = 100000

var coreTemplates = []CoreTemplate{
	{
		ID:          TemplateTenantIsolation,
		Name:        "Tenant isolation",
		Description: "Deny access to resources of another tenant unless the subject is a platform admin",
		Category:    CategoryTenantIsolation,
		Effect:      EffectDeny,
		Priority:    100,
		Condition: AllOf(
			NotEqRef("subject.tenantId", "resource.tenantId"),
			Negate(Has("subject.roles", "platform_admin")),
		),
	},
	{
		ID:          TemplateReadOnlyEnforcement,
		Name:        "Read-only enforcement",
		Description: "Subjects with the read_only role may only perform read actions",
		Category:    CategoryReadOnlyEnforcement,
		Effect:      EffectDeny,
		Priority:    90,
		Condition: AllOf(
			Has("subject.roles", "read_only"),
			NotIn("action", "read", "list", "view", "get"),
		),
	},
	{
		ID:          TemplateFinancialApprovalLimits,
		Name:        "Financial approval limits",
		Description: "Payouts above the approval threshold require the approver role",
		Category:    CategoryFinancialLimits,
		Effect:      EffectDeny,
		Priority:    80,
		Condition: AllOf(
			Eq("action", "payout"),
			Gt("environment.amount", FinancialApprovalThreshold),
			Negate(Has("subject.roles", "approver")),
		),
	},
	{
		ID:          TemplateBusinessHoursPayouts,
		Name:        "Business hours payouts",
		Description: "Payouts are only allowed between 09:00 and 18:00",
		Category:    CategoryTimeBoundActions,
		Effect:      EffectDeny,
		Priority:    70,
		Condition: AllOf(
			Eq("action", "payout"),
			Negate(TimeWindow("environment.timestamp", "09:00", "18:00")),
		),
	},
	{
		ID:          TemplateAutomationScopeProtection,
		Name:        "Automation scope protection",
		Description: "Automations may not modify policies, users, roles, tenants or API keys",
		Category:    CategoryAutomationScope,
		Effect:      EffectDeny,
		Priority:    60,
		Condition: AllOf(
			Eq("subject.type", "automation"),
			In("resource.type", "policy", "user", "role", "tenant", "api_key"),
			NotIn("action", "read", "list"),
		),
	},
	{
		ID:          TemplateNotificationTenantSafety,
		Name:        "Notification tenant safety",
		Description: "Notifications may only be sent to recipients of the sender's tenant",
		Category:    CategoryNotificationSafety,
		Effect:      EffectDeny,
		Priority:    60,
		Condition: AllOf(
			Eq("resource.type", "notification"),
			In("action", "send", "broadcast"),
			NotEqRef("environment.recipientTenantId", "subject.tenantId"),
		),
	},
}

// CoreTemplates returns the built-in templates in installation order.
func CoreTemplates() []CoreTemplate {
	out := make([]CoreTemplate, len(coreTemplates))
	copy(out, coreTemplates)
	return out
}

// LookupCoreTemplate finds a template by ID.
func LookupCoreTemplate(id string) (CoreTemplate, bool) {
	for _, t := range coreTemplates {
		if t.ID == id {
			return t, true
		}
	}
	return CoreTemplate{}, false
}

// ReconcileCorePolicy computes the document a template should be stored as.
// Desired fields come from the template; counters and creation metadata are
// kept from existing, which may be nil. It has no side effects.
func ReconcileCorePolicy(t CoreTemplate, existing *Policy, now time.Time) *Policy {
	p := &Policy{
		PolicyID:    t.ID,
		Name:        t.Name,
		Description: t.Description,
		Scope:       ScopePlatform,
		Category:    t.Category,
		Effect:      t.Effect,
		Priority:    t.Priority,
		Condition:   t.Condition,
		IsActive:    true,
		IsSystem:    true,
		CreatedBy:   SystemActor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing != nil {
		p.EvaluationCount = existing.EvaluationCount
		p.AllowCount = existing.AllowCount
		p.DenyCount = existing.DenyCount
		p.SuccessCount = existing.SuccessCount
		if !existing.CreatedAt.IsZero() {
			p.CreatedAt = existing.CreatedAt
		}
		if existing.CreatedBy != "" {
			p.CreatedBy = existing.CreatedBy
		}
	}
	return p
}

// InitializeCorePolicy installs or repairs one core policy. Calling it again
// yields the same document apart from UpdatedAt.
func (e *Engine) InitializeCorePolicy(ctx context.Context, templateID string) (*Policy, error) {
	t, ok := LookupCoreTemplate(templateID)
	if !ok {
		return nil, newValidationError(templateID, "template", "unknown core policy template %q", templateID)
	}
	existing, err := e.store.LoadByID(ctx, t.ID)
	if err != nil && !errors.Is(err, ErrPolicyNotFound) {
		return nil, fmt.Errorf("load core policy %s: %w", t.ID, err)
	}
	desired := ReconcileCorePolicy(t, existing, e.clock())
	saved, err := e.store.Save(ctx, desired)
	if err != nil {
		return nil, fmt.Errorf("save core policy %s: %w", t.ID, err)
	}
	e.warnings.forget(t.ID)
	if err := e.cache.Refresh(ctx, ScopePlatform, ""); err != nil {
		return saved, err
	}
	e.logger.Info("core policy initialized", "policy_id", t.ID, "created", existing == nil)
	return saved, nil
}

// InitializeAllCorePolicies applies every template, stopping at the first
// failure.
func (e *Engine) InitializeAllCorePolicies(ctx context.Context) ([]*Policy, error) {
	out := make([]*Policy, 0, len(coreTemplates))
	for _, t := range coreTemplates {
		p, err := e.InitializeCorePolicy(ctx, t.ID)
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}
