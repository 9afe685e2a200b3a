package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oarkflow/abac"
)

type brokenRows struct {
	left int
	err  error
}

func (b *brokenRows) Next() bool {
	if b.left == 0 {
		return false
	}
	b.left--
	return true
}

func (b *brokenRows) Err() error { return b.err }

func TestEachRowReportsIterationError(t *testing.T) {
	errConnReset := errors.New("connection reset")
	rows := &brokenRows{left: 2, err: errConnReset}
	seen := 0
	err := eachRow(rows, func() error { seen++; return nil })
	if !errors.Is(err, errConnReset) {
		t.Fatalf("expected the iteration error, got %v", err)
	}
	if seen != 2 {
		t.Fatalf("expected 2 rows before the error, got %d", seen)
	}

	errScan := errors.New("scan")
	rows = &brokenRows{left: 3}
	seen = 0
	err = eachRow(rows, func() error { seen++; return errScan })
	if !errors.Is(err, errScan) || seen != 1 {
		t.Fatalf("expected to stop at the first scan error, got %v after %d rows", err, seen)
	}

	if err := eachRow(&brokenRows{left: 1}, func() error { return nil }); err != nil {
		t.Fatalf("clean iteration: %v", err)
	}
}

func TestSQLDenialStoreRejectsCorruptAppliedPolicies(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewSQLDenialStore(db)
	if err := store.RecordDenial(ctx, &abac.DenialAuditRecord{ID: "d1", Sequence: 1, TenantID: "acme", Hash: "h1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE abac_denials SET applied_json = '{not json' WHERE id = 'd1'`); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}
	if _, err := store.ListDenials(ctx, DenialFilter{TenantID: "acme"}); err == nil {
		t.Fatalf("expected a decode error for a corrupt applied_json column")
	}
}
