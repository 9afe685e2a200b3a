package abac

// Builders provide a fluent API for creating Policies and Conditions

// PolicyBuilder builds a Policy
type PolicyBuilder struct {
	p *Policy
}

// NewPolicyBuilder starts an active, platform-scoped CUSTOM policy.
func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{p: &Policy{Scope: ScopePlatform, Category: CategoryCustom, IsActive: true}}
}

func (b *PolicyBuilder) ID(id string) *PolicyBuilder             { b.p.PolicyID = id; return b }
func (b *PolicyBuilder) Name(n string) *PolicyBuilder            { b.p.Name = n; return b }
func (b *PolicyBuilder) Description(d string) *PolicyBuilder     { b.p.Description = d; return b }
func (b *PolicyBuilder) Category(c Category) *PolicyBuilder      { b.p.Category = c; return b }
func (b *PolicyBuilder) Effect(e Effect) *PolicyBuilder          { b.p.Effect = e; return b }
func (b *PolicyBuilder) Allow() *PolicyBuilder                   { b.p.Effect = EffectAllow; return b }
func (b *PolicyBuilder) Deny() *PolicyBuilder                    { b.p.Effect = EffectDeny; return b }
func (b *PolicyBuilder) Priority(p int) *PolicyBuilder           { b.p.Priority = p; return b }
func (b *PolicyBuilder) Condition(c Condition) *PolicyBuilder    { b.p.Condition = c; return b }
func (b *PolicyBuilder) Active(active bool) *PolicyBuilder       { b.p.IsActive = active; return b }
func (b *PolicyBuilder) CreatedBy(user string) *PolicyBuilder    { b.p.CreatedBy = user; return b }
func (b *PolicyBuilder) Platform() *PolicyBuilder                { b.p.Scope = ScopePlatform; b.p.TenantID = ""; return b }
func (b *PolicyBuilder) Tenant(tenantID string) *PolicyBuilder   { b.p.Scope = ScopeTenant; b.p.TenantID = tenantID; return b }
func (b *PolicyBuilder) When(conds ...Condition) *PolicyBuilder  { b.p.Condition = AllOf(conds...); return b }
func (b *PolicyBuilder) Build() *Policy                          { return b.p }

// Eq matches when attr equals value.
func Eq(attr string, value any) *Predicate {
	return &Predicate{Attribute: attr, Operator: OpEquals, Value: value}
}

func NotEq(attr string, value any) *Predicate {
	return &Predicate{Attribute: attr, Operator: OpNotEquals, Value: value}
}

// EqRef compares two attributes of the same request.
func EqRef(attr, ref string) *Predicate {
	return &Predicate{Attribute: attr, Operator: OpEquals, ValueRef: ref}
}

func NotEqRef(attr, ref string) *Predicate {
	return &Predicate{Attribute: attr, Operator: OpNotEquals, ValueRef: ref}
}

func In(attr string, values ...any) *Predicate {
	return &Predicate{Attribute: attr, Operator: OpIn, Value: values}
}

func NotIn(attr string, values ...any) *Predicate {
	return &Predicate{Attribute: attr, Operator: OpNotIn, Value: values}
}

// Has matches when the list attribute attr contains value, e.g.
// Has("subject.roles", "approver").
func Has(attr string, value any) *Predicate {
	return &Predicate{Attribute: attr, Operator: OpIn, Value: value}
}

func Gt(attr string, value any) *Predicate {
	return &Predicate{Attribute: attr, Operator: OpGreaterThan, Value: value}
}

func Lt(attr string, value any) *Predicate {
	return &Predicate{Attribute: attr, Operator: OpLessThan, Value: value}
}

func Between(attr string, min, max float64) *Predicate {
	return &Predicate{Attribute: attr, Operator: OpBetween, Value: []any{min, max}}
}

// TimeWindow matches when the time attribute falls in [start, end) of the day.
// An optional IANA timezone may be passed.
func TimeWindow(attr, start, end string, timezone ...string) *Predicate {
	if len(timezone) > 0 && timezone[0] != "" {
		return &Predicate{Attribute: attr, Operator: OpTimeWindow, Value: map[string]any{
			"start": start, "end": end, "timezone": timezone[0],
		}}
	}
	return &Predicate{Attribute: attr, Operator: OpTimeWindow, Value: []any{start, end}}
}

func Regex(attr, pattern string) *Predicate {
	return &Predicate{Attribute: attr, Operator: OpRegexMatch, Value: pattern}
}

func AllOf(conds ...Condition) *And { return &And{Children: conds} }
func AnyOf(conds ...Condition) *Or  { return &Or{Children: conds} }
func Negate(c Condition) *Not       { return &Not{Child: c} }
