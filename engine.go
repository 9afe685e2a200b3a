package abac

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/abac/logger"
)

// ============================================================================
// ENGINE
// ============================================================================

// EngineOption configures an Engine.
type EngineOption func(*Engine) error

// Engine evaluates requests against cached policy snapshots and combines the
// matches with deny-overrides. It is safe for concurrent use.
type Engine struct {
	store     PolicyStore
	cache     *PolicyCache
	recorder  *Recorder
	evaluator *evaluator
	warnings  *warningReporter
	logger    logger.Logger
	metrics   *Metrics
	clock     func() time.Time
	sink      DenialSink

	recorderCfg RecorderConfig
	regexCfg    RegexCacheConfig
}

// RegexCacheConfig sizes the compiled pattern cache (ristretto).
type RegexCacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

var defaultRegexCacheConfig = RegexCacheConfig{NumCounters: 10000, MaxCost: 1000, BufferItems: 64}

// NewEngine creates an engine over store and starts its statistics recorder.
func NewEngine(store PolicyStore, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("abac: policy store is required")
	}
	e := &Engine{
		store:    store,
		logger:   logger.NewPhusluLogger(),
		clock:    time.Now,
		regexCfg: defaultRegexCacheConfig,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.cache == nil {
		e.cache = NewPolicyCache(store,
			WithCacheClock(e.clock),
			WithCacheLogger(logger.With(e.logger, "component", "cache")),
			WithCacheMetrics(e.metrics),
		)
	}
	regexes, err := newRegexCache(e.regexCfg.NumCounters, e.regexCfg.MaxCost, e.regexCfg.BufferItems)
	if err != nil {
		return nil, err
	}
	e.evaluator = &evaluator{regexes: regexes}
	e.warnings = newWarningReporter(e.logger, e.metrics, e.clock)
	e.recorder = NewRecorder(store, e.recorderCfg, e.sink, logger.With(e.logger, "component", "recorder"), e.metrics, e.clock)
	return e, nil
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) error {
		if clock == nil {
			return fmt.Errorf("abac: nil clock")
		}
		e.clock = clock
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithPolicyCache injects a cache, e.g. one shared with a Refresher.
func WithPolicyCache(c *PolicyCache) EngineOption {
	return func(e *Engine) error {
		e.cache = c
		return nil
	}
}

// WithDenialSink forwards every denial record to sink.
func WithDenialSink(sink DenialSink) EngineOption {
	return func(e *Engine) error {
		e.sink = sink
		return nil
	}
}

// WithRecorderConfig sizes the statistics queue and denial ring.
func WithRecorderConfig(cfg RecorderConfig) EngineOption {
	return func(e *Engine) error {
		e.recorderCfg = cfg
		return nil
	}
}

// WithRegexCache sizes the compiled REGEX_MATCH pattern cache.
func WithRegexCache(cfg RegexCacheConfig) EngineOption {
	return func(e *Engine) error {
		if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 {
			return fmt.Errorf("abac: regex cache needs positive NumCounters and MaxCost")
		}
		if cfg.BufferItems <= 0 {
			cfg.BufferItems = defaultRegexCacheConfig.BufferItems
		}
		e.regexCfg = cfg
		return nil
	}
}

// Cache returns the engine's policy cache.
func (e *Engine) Cache() *PolicyCache { return e.cache }

// Store returns the engine's policy store.
func (e *Engine) Store() PolicyStore { return e.store }

// Evaluate decides a request and records statistics asynchronously.
//
// The result is never nil. When ctx is cancelled before a decision is
// computed the result is DENY and ctx.Err() is returned. When a required
// snapshot has never loaded the result is DENY with a *StoreUnavailableError.
func (e *Engine) Evaluate(ctx context.Context, ec *EvaluationContext) (*EvaluationResult, error) {
	return e.evaluate(ctx, ec, false)
}

// TestEvaluate runs the same algorithm as Evaluate without touching counters
// or the denial ring.
func (e *Engine) TestEvaluate(ctx context.Context, ec *EvaluationContext) (*EvaluationResult, error) {
	return e.evaluate(ctx, ec, true)
}

func (e *Engine) evaluate(ctx context.Context, ec *EvaluationContext, dryRun bool) (*EvaluationResult, error) {
	start := time.Now()
	evaluatedAt := e.clock()
	deny := func(reason string) *EvaluationResult {
		return &EvaluationResult{
			Decision:        DecisionDeny,
			AppliedPolicies: []AppliedPolicy{},
			Reason:          reason,
			EvaluatedAt:     evaluatedAt,
			DurationMicros:  time.Since(start).Microseconds(),
			DryRun:          dryRun,
		}
	}
	if ec == nil {
		return deny("missing evaluation context"), newValidationError("", "context", "evaluation context is required")
	}
	if err := ctx.Err(); err != nil {
		return deny("evaluation cancelled"), err
	}

	candidates, err := e.candidates(ctx, ec)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return deny("evaluation cancelled"), ctxErr
	}
	if err != nil {
		res := deny("policy store unavailable")
		e.metrics.RecordEvaluation(res.Decision, dryRun, time.Since(start))
		e.logger.Warn("denying request without a loaded policy snapshot",
			"tenant", ec.Resource.TenantID, "action", ec.Action, "error", err)
		return res, err
	}

	var matched []*Policy
	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return deny("evaluation cancelled"), err
		}
		if e.matches(p, ec) {
			matched = append(matched, p)
		}
	}
	sortPolicies(matched)

	res := combine(matched)
	res.EvaluatedAt = evaluatedAt
	res.DryRun = dryRun
	elapsed := time.Since(start)
	res.DurationMicros = elapsed.Microseconds()

	e.metrics.RecordEvaluation(res.Decision, dryRun, elapsed)
	e.logger.Debug("audit decision",
		"tenant", ec.Resource.TenantID,
		"subject", ec.Subject.ID,
		"action", ec.Action,
		"resource", ec.Resource.Type+":"+ec.Resource.ID,
		"decision", string(res.Decision),
		"matched", len(matched),
		"dry_run", dryRun,
		"reason", res.Reason)

	if !dryRun {
		e.recorder.Record(&evalEvent{
			matched:      matchedRefs(matched),
			applied:      append([]AppliedPolicy(nil), res.AppliedPolicies...),
			decision:     res.Decision,
			reason:       res.Reason,
			subjectID:    ec.Subject.ID,
			tenantID:     ec.Resource.TenantID,
			resourceType: ec.Resource.Type,
			resourceID:   ec.Resource.ID,
			action:       ec.Action,
			at:           evaluatedAt,
		})
	}
	return res, nil
}

// candidates collects active policies from the platform snapshot and, when the
// resource names a tenant, that tenant's snapshot. Policies of other tenants
// are never candidates. A stale snapshot is served after a failed reload; a
// snapshot that never loaded fails the call.
func (e *Engine) candidates(ctx context.Context, ec *EvaluationContext) ([]*Policy, error) {
	platform, err := e.cache.Snapshot(ctx, ScopePlatform, "")
	if platform.Unavailable {
		return nil, err
	}
	if err != nil {
		e.logger.Warn("evaluating with previous platform snapshot", "error", err)
	}
	out := make([]*Policy, 0, platform.Len())
	out = appendCandidates(out, platform, ScopePlatform, "")

	if tenantID := ec.Resource.TenantID; tenantID != "" {
		tenant, err := e.cache.Snapshot(ctx, ScopeTenant, tenantID)
		if tenant.Unavailable {
			return nil, err
		}
		if err != nil {
			e.logger.Warn("evaluating with previous tenant snapshot", "tenant", tenantID, "error", err)
		}
		out = appendCandidates(out, tenant, ScopeTenant, tenantID)
	}
	return out, nil
}

func appendCandidates(out []*Policy, snap *PolicySnapshot, scope Scope, tenantID string) []*Policy {
	for _, p := range snap.Policies {
		if !p.IsActive || p.Scope != scope {
			continue
		}
		if scope == ScopeTenant && p.TenantID != tenantID {
			continue
		}
		out = append(out, p)
	}
	return out
}

// matches evaluates one policy. Malformed conditions and panics exclude the
// policy and are reported once.
func (e *Engine) matches(p *Policy, ec *EvaluationContext) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.warnings.report(p.PolicyID, fmt.Errorf("%w: panic during evaluation: %v", ErrMalformedCondition, r))
			ok = false
		}
	}()
	matched, err := e.evaluator.evaluate(p.Condition, ec)
	if err != nil {
		e.warnings.report(p.PolicyID, err)
		return false
	}
	return matched
}

func matchedRefs(matched []*Policy) []AppliedPolicy {
	out := make([]AppliedPolicy, len(matched))
	for i, p := range matched {
		out[i] = AppliedPolicy{PolicyID: p.PolicyID, Name: p.Name, Effect: p.Effect, Priority: p.Priority}
	}
	return out
}

// combine applies deny-overrides to matched policies (already sorted).
func combine(matched []*Policy) *EvaluationResult {
	var denies, allows []AppliedPolicy
	for _, p := range matched {
		ap := AppliedPolicy{
			PolicyID: p.PolicyID,
			Name:     p.Name,
			Effect:   p.Effect,
			Priority: p.Priority,
		}
		switch p.Effect {
		case EffectDeny:
			ap.Reason = fmt.Sprintf("DENY policy %s matched (priority %d)", p.PolicyID, p.Priority)
			denies = append(denies, ap)
		case EffectAllow:
			ap.Reason = fmt.Sprintf("ALLOW policy %s matched (priority %d)", p.PolicyID, p.Priority)
			allows = append(allows, ap)
		}
	}

	switch {
	case len(denies) > 0:
		applied := make([]AppliedPolicy, 0, len(denies)+len(allows))
		applied = append(applied, denies...)
		applied = append(applied, allows...)
		reason := "denied by " + denies[0].PolicyID
		if len(denies) > 1 {
			reason = fmt.Sprintf("%s and %d more deny policies", reason, len(denies)-1)
		}
		return &EvaluationResult{Decision: DecisionDeny, AppliedPolicies: applied, Reason: reason}
	case len(allows) > 0:
		return &EvaluationResult{
			Decision:        DecisionAllow,
			AppliedPolicies: []AppliedPolicy{allows[0]},
			Reason:          "allowed by " + allows[0].PolicyID,
		}
	}
	return &EvaluationResult{
		Decision:        DecisionDeny,
		AppliedPolicies: []AppliedPolicy{},
		Reason:          "no matching policy (default deny)",
	}
}

// RefreshOptions selects what RefreshCache reloads. A zero value reloads every
// cached key.
type RefreshOptions struct {
	Scope    Scope
	TenantID string
}

// RefreshCache invalidates the policy cache and reloads eagerly. Store
// failures are returned as *StoreUnavailableError.
func (e *Engine) RefreshCache(ctx context.Context, opts RefreshOptions) error {
	if opts.Scope != "" && !opts.Scope.Valid() {
		return newValidationError("", "scope", "unknown scope %q", opts.Scope)
	}
	return e.cache.Refresh(ctx, opts.Scope, opts.TenantID)
}

// FlushStatistics writes pending counters to the store.
func (e *Engine) FlushStatistics(ctx context.Context) error {
	return e.recorder.Flush(ctx)
}

// Warnings returns the configuration warnings seen so far.
func (e *Engine) Warnings() []ConfigurationWarning {
	return e.warnings.list()
}

// Close flushes statistics and releases the engine's resources.
func (e *Engine) Close(ctx context.Context) error {
	err := e.recorder.Close(ctx)
	e.evaluator.regexes.close()
	return err
}
