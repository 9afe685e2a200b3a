package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/squealx"
)

const policyColumns = `id, name, description, scope, tenant_id, category, effect, priority, condition_json, is_active, is_system, evaluation_count, allow_count, deny_count, success_count, created_by, created_at, updated_at`

// SQLPolicyStore persists policies in SQL (squealx). Conditions are stored as
// JSON; every save appends a snapshot to abac_policy_history.
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

// Save upserts p. Counters are written only on insert; an existing row keeps
// its counters, which change through IncrementCounters alone.
func (s *SQLPolicyStore) Save(ctx context.Context, p *abac.Policy) (*abac.Policy, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	cond, err := encodeConditionJSON(p.Condition)
	if err != nil {
		return nil, err
	}
	q := `INSERT INTO abac_policies(` + policyColumns + `) VALUES(:id, :name, :description, :scope, :tenant_id, :category, :effect, :priority, :condition_json, :is_active, :is_system, :evaluation_count, :allow_count, :deny_count, :success_count, :created_by, :created_at, :updated_at)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description, scope=excluded.scope, tenant_id=excluded.tenant_id, category=excluded.category, effect=excluded.effect, priority=excluded.priority, condition_json=excluded.condition_json, is_active=excluded.is_active, is_system=excluded.is_system, created_by=excluded.created_by, created_at=excluded.created_at, updated_at=excluded.updated_at`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":               p.PolicyID,
		"name":             p.Name,
		"description":      p.Description,
		"scope":            string(p.Scope),
		"tenant_id":        p.TenantID,
		"category":         string(p.Category),
		"effect":           string(p.Effect),
		"priority":         p.Priority,
		"condition_json":   cond,
		"is_active":        boolToInt(p.IsActive),
		"is_system":        boolToInt(p.IsSystem),
		"evaluation_count": p.EvaluationCount,
		"allow_count":      p.AllowCount,
		"deny_count":       p.DenyCount,
		"success_count":    p.SuccessCount,
		"created_by":       p.CreatedBy,
		"created_at":       formatTime(p.CreatedAt),
		"updated_at":       formatTime(p.UpdatedAt),
	})
	if err != nil {
		return nil, fmt.Errorf("save policy %s: %w", p.PolicyID, err)
	}
	if err := s.insertPolicyHistory(ctx, p, cond); err != nil {
		return nil, err
	}
	return s.LoadByID(ctx, p.PolicyID)
}

func (s *SQLPolicyStore) Delete(ctx context.Context, policyID string) error {
	p, err := s.LoadByID(ctx, policyID)
	if err != nil {
		return err
	}
	if p.IsSystem {
		return abac.ErrSystemPolicy
	}
	q := `DELETE FROM abac_policies WHERE id = :id AND is_system = 0`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{"id": policyID})
	return err
}

func (s *SQLPolicyStore) LoadByID(ctx context.Context, policyID string) (*abac.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM abac_policies WHERE id = :id`
	out, err := s.query(ctx, q, map[string]any{"id": policyID})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", abac.ErrPolicyNotFound, policyID)
	}
	return out[0], nil
}

func (s *SQLPolicyStore) LoadActivePolicies(ctx context.Context, scope abac.Scope, tenantID string) ([]*abac.Policy, error) {
	if scope == abac.ScopePlatform {
		tenantID = ""
	}
	q := `SELECT ` + policyColumns + ` FROM abac_policies WHERE scope = :scope AND tenant_id = :tenant_id AND is_active = 1 ORDER BY priority DESC, id ASC`
	return s.query(ctx, q, map[string]any{"scope": string(scope), "tenant_id": tenantID})
}

func (s *SQLPolicyStore) ListPolicies(ctx context.Context, f abac.PolicyFilter) ([]*abac.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM abac_policies WHERE 1=1`
	params := map[string]any{}
	if f.Scope != "" {
		q += " AND scope = :scope"
		params["scope"] = string(f.Scope)
	}
	if f.TenantID != "" {
		q += " AND tenant_id = :tenant_id"
		params["tenant_id"] = f.TenantID
	}
	if f.Category != "" {
		q += " AND category = :category"
		params["category"] = string(f.Category)
	}
	if f.ActiveOnly {
		q += " AND is_active = 1"
	}
	if f.SystemOnly {
		q += " AND is_system = 1"
	}
	q += " ORDER BY priority DESC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT :limit OFFSET :offset"
		params["limit"] = f.Limit
		params["offset"] = f.Offset
	}
	out, err := s.query(ctx, q, params)
	if err != nil {
		return nil, err
	}
	if f.Limit <= 0 && f.Offset > 0 {
		out = page(out, abac.PolicyFilter{Offset: f.Offset})
	}
	return out, nil
}

func (s *SQLPolicyStore) IncrementCounters(ctx context.Context, policyID string, d abac.CounterDelta) error {
	if d.IsZero() {
		return nil
	}
	q := `UPDATE abac_policies SET evaluation_count = evaluation_count + :evaluations, allow_count = allow_count + :allows, deny_count = deny_count + :denies, success_count = success_count + :successes WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":          policyID,
		"evaluations": d.Evaluations,
		"allows":      d.Allows,
		"denies":      d.Denies,
		"successes":   d.Successes,
	})
	return err
}

func (s *SQLPolicyStore) query(ctx context.Context, q string, params map[string]any) ([]*abac.Policy, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*abac.Policy, 0)
	err = eachRow(r, func() error {
		var id, name, description, scope, tenant, category, effect, condJSON, createdBy string
		var priority, activeInt, systemInt int
		var evals, allows, denies, successes int64
		var createdRaw, updatedRaw interface{}
		if err := r.Scan(&id, &name, &description, &scope, &tenant, &category, &effect, &priority, &condJSON,
			&activeInt, &systemInt, &evals, &allows, &denies, &successes, &createdBy, &createdRaw, &updatedRaw); err != nil {
			return err
		}
		cond, err := abac.ParseConditionJSON([]byte(condJSON))
		if err != nil {
			return fmt.Errorf("policy %s: %w", id, err)
		}
		out = append(out, &abac.Policy{
			PolicyID:        id,
			Name:            name,
			Description:     description,
			Scope:           abac.Scope(scope),
			TenantID:        tenant,
			Category:        abac.Category(category),
			Effect:          abac.Effect(effect),
			Priority:        priority,
			Condition:       cond,
			IsActive:        activeInt != 0,
			IsSystem:        systemInt != 0,
			EvaluationCount: evals,
			AllowCount:      allows,
			DenyCount:       denies,
			SuccessCount:    successes,
			CreatedBy:       createdBy,
			CreatedAt:       scanTime(createdRaw),
			UpdatedAt:       scanTime(updatedRaw),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// insertPolicyHistory appends a JSON snapshot of the policy definition.
func (s *SQLPolicyStore) insertPolicyHistory(ctx context.Context, p *abac.Policy, condJSON string) error {
	snap := map[string]any{
		"id":        p.PolicyID,
		"name":      p.Name,
		"scope":     string(p.Scope),
		"tenant_id": p.TenantID,
		"category":  string(p.Category),
		"effect":    string(p.Effect),
		"priority":  p.Priority,
		"is_active": p.IsActive,
		"condition": json.RawMessage(nullIfEmpty(condJSON)),
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	q := `INSERT INTO abac_policy_history(policy_id, checksum, snapshot_json, created_at) VALUES(:policy_id, :checksum, :snapshot_json, :created_at)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"policy_id":     p.PolicyID,
		"checksum":      p.Checksum(),
		"snapshot_json": string(b),
		"created_at":    formatTime(time.Now()),
	})
	return err
}

// PolicyRevision is one entry of a policy's history.
type PolicyRevision struct {
	PolicyID  string          `json:"policy_id"`
	Checksum  string          `json:"checksum"`
	Snapshot  json.RawMessage `json:"snapshot"`
	CreatedAt time.Time       `json:"created_at"`
}

// GetPolicyHistory returns every saved revision of a policy, oldest first.
func (s *SQLPolicyStore) GetPolicyHistory(ctx context.Context, policyID string) ([]PolicyRevision, error) {
	q := `SELECT checksum, snapshot_json, created_at FROM abac_policy_history WHERE policy_id = :policy_id ORDER BY id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"policy_id": policyID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]PolicyRevision, 0)
	err = eachRow(r, func() error {
		var checksum, snap string
		var createdRaw interface{}
		if err := r.Scan(&checksum, &snap, &createdRaw); err != nil {
			return err
		}
		out = append(out, PolicyRevision{
			PolicyID:  policyID,
			Checksum:  checksum,
			Snapshot:  json.RawMessage(snap),
			CreatedAt: scanTime(createdRaw),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no history for %s", abac.ErrPolicyNotFound, policyID)
	}
	return out, nil
}

func encodeConditionJSON(c abac.Condition) (string, error) {
	if c == nil {
		return "", nil
	}
	b, err := json.Marshal(abac.EncodeCondition(c))
	if err != nil {
		return "", fmt.Errorf("encode condition: %w", err)
	}
	return string(b), nil
}

func nullIfEmpty(s string) string {
	if s == "" {
		return "null"
	}
	return s
}
