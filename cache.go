package abac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oarkflow/abac/logger"
)

// PolicySnapshot is an immutable view of the active policies of one cache key.
// Policies are sorted by priority descending, then policy ID ascending.
type PolicySnapshot struct {
	Generation uint64
	Scope      Scope
	TenantID   string
	Policies   []*Policy
	LoadedAt   time.Time
	// Unavailable marks the empty placeholder served when the key has never
	// loaded successfully. Decisions must not be made from it.
	Unavailable bool
}

// Len returns the number of policies in the snapshot.
func (s *PolicySnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Policies)
}

type cacheKey struct {
	scope    Scope
	tenantID string
}

func (k cacheKey) String() string {
	if k.scope == ScopePlatform {
		return string(ScopePlatform)
	}
	return string(k.scope) + "/" + k.tenantID
}

// DefaultMaxTenantEntries bounds the tenant snapshots a PolicyCache keeps.
const DefaultMaxTenantEntries = 10000

type cacheEntry struct {
	atomic.Pointer[PolicySnapshot]
	lastUsed atomic.Uint64
}

// PolicyCache holds one published snapshot per (scope, tenant). Readers never
// block on a current snapshot; a snapshot older than the cache generation is
// reloaded on next access, with concurrent loads of one key collapsed. Tenant
// entries are bounded; the least recently used one is evicted first.
type PolicyCache struct {
	store      PolicyStore
	generation atomic.Uint64
	group      singleflight.Group
	mu         sync.RWMutex
	entries    map[cacheKey]*cacheEntry
	tenants    int
	maxTenants int
	tick       atomic.Uint64
	clock      func() time.Time
	logger     logger.Logger
	metrics    *Metrics
}

// CacheOption configures a PolicyCache.
type CacheOption func(*PolicyCache)

func WithCacheClock(clock func() time.Time) CacheOption {
	return func(c *PolicyCache) { c.clock = clock }
}

func WithCacheLogger(l logger.Logger) CacheOption {
	return func(c *PolicyCache) { c.logger = l }
}

func WithCacheMetrics(m *Metrics) CacheOption {
	return func(c *PolicyCache) { c.metrics = m }
}

// WithMaxTenantEntries bounds the number of tenant snapshots kept in memory.
func WithMaxTenantEntries(n int) CacheOption {
	return func(c *PolicyCache) {
		if n > 0 {
			c.maxTenants = n
		}
	}
}

// NewPolicyCache creates an empty cache over store.
func NewPolicyCache(store PolicyStore, opts ...CacheOption) *PolicyCache {
	c := &PolicyCache{
		store:      store,
		entries:    make(map[cacheKey]*cacheEntry),
		maxTenants: DefaultMaxTenantEntries,
		clock:      time.Now,
		logger:     &logger.NullLogger{},
	}
	// generation 0 is reserved for "never loaded"
	c.generation.Store(1)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generation returns the current cache generation.
func (c *PolicyCache) Generation() uint64 {
	return c.generation.Load()
}

// ForceRefresh marks every published snapshot stale. Readers reload lazily.
func (c *PolicyCache) ForceRefresh() uint64 {
	return c.generation.Add(1)
}

// Snapshot returns the current snapshot for (scope, tenantID), loading it from
// the store when missing or stale. On a load failure the last good snapshot is
// returned, or an empty one marked Unavailable when none exists, together with
// a *StoreUnavailableError. The returned snapshot is never nil.
func (c *PolicyCache) Snapshot(ctx context.Context, scope Scope, tenantID string) (*PolicySnapshot, error) {
	key := normalizeKey(scope, tenantID)
	entry := c.entry(key)
	entry.lastUsed.Store(c.tick.Add(1))
	gen := c.generation.Load()
	cur := entry.Load()
	if cur != nil && cur.Generation >= gen {
		c.metrics.recordCacheLookup(key.scope, "hit")
		return cur, nil
	}
	if cur == nil {
		c.metrics.recordCacheLookup(key.scope, "miss")
	} else {
		c.metrics.recordCacheLookup(key.scope, "stale")
	}

	snap, err := c.load(ctx, key, gen)
	if err != nil {
		c.logger.Warn("policy snapshot reload failed, serving previous snapshot",
			"scope", string(key.scope), "tenant", key.tenantID, "error", err)
		if cur != nil {
			return cur, err
		}
		return &PolicySnapshot{Scope: key.scope, TenantID: key.tenantID, LoadedAt: c.clock(), Unavailable: true}, err
	}
	return snap, nil
}

// Refresh invalidates the cache and eagerly reloads. With an empty scope every
// known key is reloaded; with ScopePlatform only the platform snapshot; with
// ScopeTenant the snapshot of tenantID.
func (c *PolicyCache) Refresh(ctx context.Context, scope Scope, tenantID string) error {
	gen := c.ForceRefresh()
	var keys []cacheKey
	if scope == "" {
		c.mu.RLock()
		for k := range c.entries {
			keys = append(keys, k)
		}
		c.mu.RUnlock()
		if len(keys) == 0 {
			keys = append(keys, cacheKey{scope: ScopePlatform})
		}
	} else {
		if scope == ScopeTenant && tenantID == "" {
			return newValidationError("", "tenant_id", "required for TENANT scope refresh")
		}
		keys = append(keys, normalizeKey(scope, tenantID))
	}
	for _, k := range keys {
		c.entry(k)
		if _, err := c.load(ctx, k, gen); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the cache keys currently known, for diagnostics.
func (c *PolicyCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out
}

func (c *PolicyCache) entry(key cacheKey) *cacheEntry {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return e
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[key]; ok {
		return e
	}
	if key.scope == ScopeTenant {
		if c.tenants >= c.maxTenants {
			c.evictLocked()
		}
		c.tenants++
	}
	e = &cacheEntry{}
	e.lastUsed.Store(c.tick.Add(1))
	c.entries[key] = e
	return e
}

// evictLocked drops the least recently used tenant entry. Holders of its
// snapshot are unaffected; the next access loads it again.
func (c *PolicyCache) evictLocked() {
	var victim cacheKey
	var oldest uint64
	found := false
	for k, e := range c.entries {
		if k.scope != ScopeTenant {
			continue
		}
		if used := e.lastUsed.Load(); !found || used < oldest {
			victim, oldest, found = k, used, true
		}
	}
	if found {
		delete(c.entries, victim)
		c.tenants--
		c.logger.Debug("evicted idle tenant snapshot", "tenant", victim.tenantID)
	}
}

// load fetches the key from the store and publishes the result stamped with
// gen. Loads for the same key and generation share one store call.
func (c *PolicyCache) load(ctx context.Context, key cacheKey, gen uint64) (*PolicySnapshot, error) {
	flightKey := fmt.Sprintf("%s@%d", key, gen)
	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		// detached so one cancelled caller does not fail the shared load
		loadCtx := context.WithoutCancel(ctx)
		policies, err := c.store.LoadActivePolicies(loadCtx, key.scope, key.tenantID)
		c.metrics.recordCacheRefresh(key.scope, err, len(policies))
		if err != nil {
			return nil, &StoreUnavailableError{Scope: key.scope, TenantID: key.tenantID, Err: err}
		}
		snap := newSnapshot(key, gen, policies, c.clock())
		c.publish(key, snap)
		c.logger.Debug("policy snapshot loaded",
			"scope", string(key.scope), "tenant", key.tenantID,
			"generation", gen, "policies", len(snap.Policies))
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PolicySnapshot), nil
}

// publish stores snap unless a newer generation is already published.
func (c *PolicyCache) publish(key cacheKey, snap *PolicySnapshot) {
	entry := c.entry(key)
	for {
		cur := entry.Load()
		if cur != nil && cur.Generation > snap.Generation {
			return
		}
		if entry.CompareAndSwap(cur, snap) {
			return
		}
	}
}

func newSnapshot(key cacheKey, gen uint64, loaded []*Policy, now time.Time) *PolicySnapshot {
	policies := make([]*Policy, 0, len(loaded))
	for _, p := range loaded {
		if p == nil || !p.IsActive || p.Scope != key.scope {
			continue
		}
		if key.scope == ScopeTenant && p.TenantID != key.tenantID {
			continue
		}
		policies = append(policies, p.Clone())
	}
	sortPolicies(policies)
	return &PolicySnapshot{
		Generation: gen,
		Scope:      key.scope,
		TenantID:   key.tenantID,
		Policies:   policies,
		LoadedAt:   now,
	}
}

func normalizeKey(scope Scope, tenantID string) cacheKey {
	if scope == ScopePlatform {
		return cacheKey{scope: ScopePlatform}
	}
	return cacheKey{scope: ScopeTenant, tenantID: tenantID}
}

// sortPolicies orders by priority descending, then policy ID ascending.
func sortPolicies(ps []*Policy) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority > ps[j].Priority
		}
		return ps[i].PolicyID < ps[j].PolicyID
	})
}
