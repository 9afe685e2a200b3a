package stores

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/date"
)

const timeLayout = time.RFC3339Nano

func parseFlexibleTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return date.Parse(s)
}

// scanTime converts a driver value (time, text or bytes) into a time.
func scanTime(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clonePolicies(in []*abac.Policy) []*abac.Policy {
	out := make([]*abac.Policy, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}

// page applies Limit/Offset of a filter to an already filtered slice.
func page(in []*abac.Policy, f abac.PolicyFilter) []*abac.Policy {
	if f.Offset > 0 {
		if f.Offset >= len(in) {
			return []*abac.Policy{}
		}
		in = in[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(in) {
		in = in[:f.Limit]
	}
	return in
}

// rowIterator is the part of *sql.Rows that eachRow drives.
type rowIterator interface {
	Next() bool
	Err() error
}

// eachRow calls fn for every row and then reports any iteration error, so a
// result set cut short by the driver is never mistaken for a complete one.
func eachRow(r rowIterator, fn func() error) error {
	for r.Next() {
		if err := fn(); err != nil {
			return err
		}
	}
	return r.Err()
}

func decodeApplied(raw string, out *[]abac.AppliedPolicy) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode applied policies: %w", err)
	}
	return nil
}
