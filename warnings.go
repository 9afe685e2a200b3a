package abac

import (
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/abac/logger"
)

// ConfigurationWarning describes a policy whose condition could not be
// evaluated. The policy is treated as a non-match.
type ConfigurationWarning struct {
	PolicyID  string    `json:"policy_id"`
	Problem   string    `json:"problem"`
	FirstSeen time.Time `json:"first_seen"`
	Count     int64     `json:"count"`
}

// warningReporter logs each distinct (policy, problem) once and counts repeats.
type warningReporter struct {
	mu       sync.Mutex
	seen     map[warningKey]*ConfigurationWarning
	logger   logger.Logger
	metrics  *Metrics
	clock    func() time.Time
	maxItems int
}

type warningKey struct {
	policyID string
	problem  string
}

func newWarningReporter(l logger.Logger, m *Metrics, clock func() time.Time) *warningReporter {
	return &warningReporter{
		seen:     make(map[warningKey]*ConfigurationWarning),
		logger:   l,
		metrics:  m,
		clock:    clock,
		maxItems: 1024,
	}
}

// report returns true the first time a (policy, problem) pair is seen.
func (w *warningReporter) report(policyID string, err error) bool {
	key := warningKey{policyID: policyID, problem: err.Error()}
	w.mu.Lock()
	if cw, ok := w.seen[key]; ok {
		cw.Count++
		w.mu.Unlock()
		return false
	}
	if len(w.seen) >= w.maxItems {
		w.mu.Unlock()
		return false
	}
	w.seen[key] = &ConfigurationWarning{PolicyID: policyID, Problem: key.problem, FirstSeen: w.clock(), Count: 1}
	w.mu.Unlock()

	w.metrics.recordConfigWarning()
	w.logger.Warn("policy condition is malformed, treating as non-match",
		"policy_id", policyID, "error", err)
	return true
}

// forget drops the warnings of a policy so that a fixed-then-broken-again
// condition is reported again.
func (w *warningReporter) forget(policyID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k := range w.seen {
		if k.policyID == policyID {
			delete(w.seen, k)
		}
	}
}

func (w *warningReporter) list() []ConfigurationWarning {
	w.mu.Lock()
	out := make([]ConfigurationWarning, 0, len(w.seen))
	for _, cw := range w.seen {
		out = append(out, *cw)
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].PolicyID != out[j].PolicyID {
			return out[i].PolicyID < out[j].PolicyID
		}
		return out[i].Problem < out[j].Problem
	})
	return out
}
