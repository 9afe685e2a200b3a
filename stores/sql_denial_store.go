package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/squealx"
)

// SQLDenialStore persists denial records in SQL and implements abac.DenialSink.
type SQLDenialStore struct {
	db *squealx.DB
}

func NewSQLDenialStore(db *squealx.DB) *SQLDenialStore {
	return &SQLDenialStore{db: db}
}

func (s *SQLDenialStore) RecordDenial(ctx context.Context, rec *abac.DenialAuditRecord) error {
	appliedB, err := json.Marshal(rec.AppliedPolicies)
	if err != nil {
		return err
	}
	q := `INSERT INTO abac_denials(id, sequence, tenant_id, subject_id, action, resource_type, resource_id, reason, applied_json, prev_hash, hash, created_at) VALUES(:id, :sequence, :tenant_id, :subject_id, :action, :resource_type, :resource_id, :reason, :applied_json, :prev_hash, :hash, :created_at)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            rec.ID,
		"sequence":      rec.Sequence,
		"tenant_id":     rec.TenantID,
		"subject_id":    rec.SubjectID,
		"action":        rec.Action,
		"resource_type": rec.ResourceType,
		"resource_id":   rec.ResourceID,
		"reason":        rec.Reason,
		"applied_json":  string(appliedB),
		"prev_hash":     rec.PrevHash,
		"hash":          rec.Hash,
		"created_at":    formatTime(rec.CreatedAt),
	})
	return err
}

// DenialFilter narrows ListDenials.
type DenialFilter struct {
	TenantID  string
	SubjectID string
	Action    string
	Limit     int
}

// ListDenials returns matching records ordered by sequence.
func (s *SQLDenialStore) ListDenials(ctx context.Context, filter DenialFilter) ([]abac.DenialAuditRecord, error) {
	q := `SELECT id, sequence, tenant_id, subject_id, action, resource_type, resource_id, reason, applied_json, prev_hash, hash, created_at FROM abac_denials WHERE 1=1`
	params := map[string]any{}
	if filter.TenantID != "" {
		q += " AND tenant_id = :tenant_id"
		params["tenant_id"] = filter.TenantID
	}
	if filter.SubjectID != "" {
		q += " AND subject_id = :subject_id"
		params["subject_id"] = filter.SubjectID
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = filter.Action
	}
	q += " ORDER BY sequence ASC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]abac.DenialAuditRecord, 0)
	err = eachRow(r, func() error {
		var rec abac.DenialAuditRecord
		var appliedJSON string
		var seq int64
		var createdRaw interface{}
		if err := r.Scan(&rec.ID, &seq, &rec.TenantID, &rec.SubjectID, &rec.Action, &rec.ResourceType, &rec.ResourceID,
			&rec.Reason, &appliedJSON, &rec.PrevHash, &rec.Hash, &createdRaw); err != nil {
			return err
		}
		rec.Sequence = uint64(seq)
		rec.CreatedAt = scanTime(createdRaw)
		if err := decodeApplied(appliedJSON, &rec.AppliedPolicies); err != nil {
			return fmt.Errorf("denial %s: %w", rec.ID, err)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
