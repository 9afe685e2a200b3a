package abac

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/abac/logger"
)

// ============================================================================
// STATISTICS & AUDIT RECORDER
// ============================================================================

const (
	defaultQueueSize     = 1024
	defaultFlushInterval = 2 * time.Second
	defaultRingCapacity  = 100
	flushTimeout         = 5 * time.Second
)

// evalEvent is the value sent from the decision path to the aggregator.
type evalEvent struct {
	matched      []AppliedPolicy // every matched policy, counted
	applied      []AppliedPolicy // cited by the result, kept in denial records
	decision     Decision
	reason       string
	subjectID    string
	tenantID     string
	resourceType string
	resourceID   string
	action       string
	at           time.Time
}

type recorderMsg struct {
	event *evalEvent
	flush chan error
}

// Recorder aggregates per-policy counters and keeps a hash-chained ring of
// recent denials. A single goroutine owns all writes; the decision path only
// does a non-blocking send.
type Recorder struct {
	store         PolicyStore
	sink          DenialSink
	logger        logger.Logger
	metrics       *Metrics
	clock         func() time.Time
	flushInterval time.Duration

	queue   chan recorderMsg
	stop    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once
	dropped atomic.Uint64

	// flushMu is held while deltas move from pending to the store so that
	// readers combining both never see a delta twice or not at all.
	flushMu sync.Mutex

	mu       sync.RWMutex
	pending  map[string]CounterDelta
	ring     []DenialAuditRecord
	ringHead int
	ringLen  int
	seq      uint64
	lastHash string
}

// RecorderConfig sizes a Recorder. Zero values take defaults.
type RecorderConfig struct {
	QueueSize     int
	FlushInterval time.Duration
	RingCapacity  int
}

// NewRecorder starts the aggregator goroutine. Call Close to stop it.
func NewRecorder(store PolicyStore, cfg RecorderConfig, sink DenialSink, l logger.Logger, m *Metrics, clock func() time.Time) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = defaultRingCapacity
	}
	if l == nil {
		l = &logger.NullLogger{}
	}
	if clock == nil {
		clock = time.Now
	}
	r := &Recorder{
		store:         store,
		sink:          sink,
		logger:        l,
		metrics:       m,
		clock:         clock,
		flushInterval: cfg.FlushInterval,
		queue:         make(chan recorderMsg, cfg.QueueSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		pending:       make(map[string]CounterDelta),
		ring:          make([]DenialAuditRecord, cfg.RingCapacity),
	}
	go r.run()
	return r
}

// Record queues an evaluation outcome. It never blocks; when the queue is full
// the event is dropped and counted.
func (r *Recorder) Record(ev *evalEvent) {
	if r.closed.Load() {
		r.drop()
		return
	}
	select {
	case r.queue <- recorderMsg{event: ev}:
	default:
		r.drop()
	}
}

func (r *Recorder) drop() {
	r.dropped.Add(1)
	r.metrics.recordStatsDropped()
}

// Dropped returns the number of events lost because the queue was full or the
// recorder was closed.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Flush waits until every event queued before the call has been applied and
// pending counters were written to the store.
func (r *Recorder) Flush(ctx context.Context) error {
	if r.closed.Load() {
		return nil
	}
	reply := make(chan error, 1)
	select {
	case r.queue <- recorderMsg{flush: reply}:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue, flushes pending counters and stops the aggregator.
func (r *Recorder) Close(ctx context.Context) error {
	r.once.Do(func() {
		r.closed.Store(true)
		close(r.stop)
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-r.queue:
			r.handle(msg)
		case <-ticker.C:
			_ = r.flushPending()
		case <-r.stop:
			for {
				select {
				case msg := <-r.queue:
					r.handle(msg)
				default:
					_ = r.flushPending()
					return
				}
			}
		}
	}
}

func (r *Recorder) handle(msg recorderMsg) {
	if msg.flush != nil {
		msg.flush <- r.flushPending()
		return
	}
	ev := msg.event
	if ev == nil {
		return
	}
	r.mu.Lock()
	for _, ap := range ev.matched {
		d := CounterDelta{Evaluations: 1}
		if ap.Effect == EffectAllow {
			d.Allows = 1
		} else {
			d.Denies = 1
		}
		if string(ap.Effect) == string(ev.decision) {
			d.Successes = 1
		}
		r.pending[ap.PolicyID] = r.pending[ap.PolicyID].Add(d)
	}
	var rec *DenialAuditRecord
	if ev.decision == DecisionDeny {
		rec = r.appendDenial(ev)
	}
	r.mu.Unlock()

	if rec != nil && r.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := r.sink.RecordDenial(ctx, rec); err != nil {
			r.logger.Warn("denial sink failed", "record_id", rec.ID, "error", err)
		}
		cancel()
	}
}

// appendDenial must be called with r.mu held.
func (r *Recorder) appendDenial(ev *evalEvent) *DenialAuditRecord {
	r.seq++
	rec := DenialAuditRecord{
		ID:              uuid.NewString(),
		Sequence:        r.seq,
		ResourceType:    ev.resourceType,
		ResourceID:      ev.resourceID,
		Action:          ev.action,
		AppliedPolicies: ev.applied,
		SubjectID:       ev.subjectID,
		TenantID:        ev.tenantID,
		Reason:          ev.reason,
		CreatedAt:       ev.at.UTC(),
		PrevHash:        r.lastHash,
	}
	rec.Hash = hashDenial(&rec)
	r.lastHash = rec.Hash

	capacity := len(r.ring)
	idx := (r.ringHead + r.ringLen) % capacity
	r.ring[idx] = rec
	if r.ringLen < capacity {
		r.ringLen++
	} else {
		r.ringHead = (r.ringHead + 1) % capacity
	}
	out := rec
	return &out
}

// flushPending writes pending deltas to the store. Failed deltas stay pending
// and are retried on the next flush.
func (r *Recorder) flushPending() error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	r.mu.Lock()
	batch := r.pending
	r.pending = make(map[string]CounterDelta, len(batch))
	r.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	var firstErr error
	failed := make(map[string]CounterDelta)
	for id, d := range batch {
		if err := r.store.IncrementCounters(ctx, id, d); err != nil {
			failed[id] = d
			if firstErr == nil {
				firstErr = fmt.Errorf("increment counters for %s: %w", id, err)
			}
		}
	}
	if len(failed) > 0 {
		r.mu.Lock()
		for id, d := range failed {
			r.pending[id] = r.pending[id].Add(d)
		}
		r.mu.Unlock()
		r.logger.Warn("statistics flush incomplete", "failed", len(failed), "error", firstErr)
	}
	return firstErr
}

// Pending returns the not yet flushed delta of a policy.
func (r *Recorder) Pending(policyID string) CounterDelta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pending[policyID]
}

// stableCounters runs fn while no flush is in progress.
func (r *Recorder) stableCounters(fn func()) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	fn()
}

// RecentDenials returns up to limit denial records, newest first. limit <= 0
// returns the whole ring.
func (r *Recorder) RecentDenials(limit int) []DenialAuditRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := r.ringLen
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DenialAuditRecord, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.ringHead + r.ringLen - 1 - i) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}

// DenialChain returns the ring oldest first, as expected by VerifyDenialChain.
func (r *Recorder) DenialChain() []DenialAuditRecord {
	recent := r.RecentDenials(0)
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent
}

// hashDenial hashes the canonical JSON of rec (Hash cleared) prefixed by the
// previous record's hash.
func hashDenial(rec *DenialAuditRecord) string {
	cp := *rec
	cp.Hash = ""
	data, _ := json.Marshal(cp)
	h := sha256.New()
	h.Write([]byte(rec.PrevHash))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyDenialChain checks that records (oldest first) are intact and
// contiguous. The first record's PrevHash is trusted since its predecessor may
// have been evicted.
func VerifyDenialChain(records []DenialAuditRecord) error {
	for i := range records {
		rec := &records[i]
		if got := hashDenial(rec); got != rec.Hash {
			return fmt.Errorf("denial record %s (seq %d): hash mismatch", rec.ID, rec.Sequence)
		}
		if i == 0 {
			continue
		}
		prev := &records[i-1]
		if rec.PrevHash != prev.Hash {
			return fmt.Errorf("denial record %s (seq %d): chain broken", rec.ID, rec.Sequence)
		}
		if rec.Sequence != prev.Sequence+1 {
			return fmt.Errorf("denial record %s: sequence %d follows %d", rec.ID, rec.Sequence, prev.Sequence)
		}
	}
	return nil
}

// ============================================================================
// STATISTICS VIEW
// ============================================================================

// StatisticsOptions selects what GetStatistics returns.
type StatisticsOptions struct {
	// TenantID restricts policies to the platform plus this tenant and
	// denials to this tenant. Empty means everything.
	TenantID      string
	TopN          int
	RecentDenials int
}

// PolicyStats is the dashboard row of one policy.
type PolicyStats struct {
	PolicyID        string   `json:"policy_id"`
	Name            string   `json:"name"`
	Scope           Scope    `json:"scope"`
	TenantID        string   `json:"tenant_id,omitempty"`
	Category        Category `json:"category"`
	Effect          Effect   `json:"effect"`
	IsActive        bool     `json:"is_active"`
	EvaluationCount int64    `json:"evaluation_count"`
	AllowCount      int64    `json:"allow_count"`
	DenyCount       int64    `json:"deny_count"`
	SuccessCount    int64    `json:"success_count"`
	SuccessRate     float64  `json:"success_rate"`
}

// EffectStats aggregates policies sharing an effect.
type EffectStats struct {
	Policies    int   `json:"policies"`
	Active      int   `json:"active"`
	Evaluations int64 `json:"evaluations"`
}

// Statistics is the overview returned by Engine.GetStatistics.
type Statistics struct {
	TotalPolicies    int                    `json:"total_policies"`
	ActivePolicies   int                    `json:"active_policies"`
	SystemPolicies   int                    `json:"system_policies"`
	TotalEvaluations int64                  `json:"total_evaluations"`
	ByEffect         map[Effect]EffectStats `json:"by_effect"`
	ByCategory       map[Category]int       `json:"by_category"`
	TopPolicies      []PolicyStats          `json:"top_policies"`
	RecentDenials    []DenialAuditRecord    `json:"recent_denials"`
	Warnings         []ConfigurationWarning `json:"warnings,omitempty"`
	DroppedEvents    uint64                 `json:"dropped_events"`
	GeneratedAt      time.Time              `json:"generated_at"`
}

func newPolicyStats(p *Policy) PolicyStats {
	return PolicyStats{
		PolicyID:        p.PolicyID,
		Name:            p.Name,
		Scope:           p.Scope,
		TenantID:        p.TenantID,
		Category:        p.Category,
		Effect:          p.Effect,
		IsActive:        p.IsActive,
		EvaluationCount: p.EvaluationCount,
		AllowCount:      p.AllowCount,
		DenyCount:       p.DenyCount,
		SuccessCount:    p.SuccessCount,
		SuccessRate:     p.SuccessRate(),
	}
}
