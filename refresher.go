package abac

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/abac/logger"
)

// Refresher keeps a PolicyCache in step with a store shared by several nodes.
// It reloads every known key on an interval and reloads single keys on demand
// via NotifyPolicyChange.
type Refresher struct {
	cache    *PolicyCache
	interval time.Duration
	logger   logger.Logger
	notifyCh chan cacheKey
	stopCh   chan struct{}
	mu       sync.Mutex
	started  bool
	wg       sync.WaitGroup
}

type RefresherOption func(*Refresher)

func WithRefreshInterval(interval time.Duration) RefresherOption {
	return func(r *Refresher) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

func WithRefresherLogger(l logger.Logger) RefresherOption {
	return func(r *Refresher) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRefresher(cache *PolicyCache, opts ...RefresherOption) (*Refresher, error) {
	if cache == nil {
		return nil, fmt.Errorf("policy cache is required")
	}
	r := &Refresher{
		cache:    cache,
		interval: 30 * time.Second,
		logger:   &logger.NullLogger{},
		notifyCh: make(chan cacheKey, 1024),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start launches the refresh loop. It is a no-op while running; a stopped
// Refresher may be started again.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	stopCh := make(chan struct{})
	r.stopCh = stopCh
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case key := <-r.notifyCh:
				if err := r.cache.Refresh(ctx, key.scope, key.tenantID); err != nil {
					r.logger.Warn("policy cache refresh failed", "key", key.String(), "error", err)
				}
			case <-ticker.C:
				if err := r.cache.Refresh(ctx, "", ""); err != nil {
					r.logger.Warn("periodic policy cache refresh failed", "error", err)
				}
			}
		}
	}()
}

func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	stopCh := r.stopCh
	r.mu.Unlock()

	close(stopCh)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NotifyPolicyChange queues a reload of one key. It never blocks; if the queue
// is full the periodic refresh picks the change up.
func (r *Refresher) NotifyPolicyChange(scope Scope, tenantID string) {
	if !scope.Valid() || (scope == ScopeTenant && tenantID == "") {
		return
	}
	select {
	case r.notifyCh <- normalizeKey(scope, tenantID):
	default:
	}
}
