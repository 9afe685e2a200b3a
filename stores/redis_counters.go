package stores

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/abac"
)

// RedisCounterStore wraps a PolicyStore and keeps statistics counters in Redis
// hashes (key: abac:counters:{policyID}) so that several nodes can count into
// one place without write contention on the policy table. Reads return the
// base counters plus the Redis counters.
type RedisCounterStore struct {
	abac.PolicyStore
	client redis.UniversalClient
	keyFmt string
}

func NewRedisCounterStore(base abac.PolicyStore, client redis.UniversalClient) *RedisCounterStore {
	return &RedisCounterStore{PolicyStore: base, client: client, keyFmt: "abac:counters:%s"}
}

func (r *RedisCounterStore) key(policyID string) string {
	return fmt.Sprintf(r.keyFmt, policyID)
}

func (r *RedisCounterStore) IncrementCounters(ctx context.Context, policyID string, d abac.CounterDelta) error {
	if d.IsZero() {
		return nil
	}
	key := r.key(policyID)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if d.Evaluations != 0 {
			pipe.HIncrBy(ctx, key, "evaluations", d.Evaluations)
		}
		if d.Allows != 0 {
			pipe.HIncrBy(ctx, key, "allows", d.Allows)
		}
		if d.Denies != 0 {
			pipe.HIncrBy(ctx, key, "denies", d.Denies)
		}
		if d.Successes != 0 {
			pipe.HIncrBy(ctx, key, "successes", d.Successes)
		}
		return nil
	})
	return err
}

// Counters returns the Redis part of a policy's counters.
func (r *RedisCounterStore) Counters(ctx context.Context, policyID string) (abac.CounterDelta, error) {
	m, err := r.client.HGetAll(ctx, r.key(policyID)).Result()
	if err != nil {
		return abac.CounterDelta{}, err
	}
	return deltaFromHash(m), nil
}

func (r *RedisCounterStore) LoadByID(ctx context.Context, policyID string) (*abac.Policy, error) {
	p, err := r.PolicyStore.LoadByID(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if err := r.overlay(ctx, []*abac.Policy{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *RedisCounterStore) Save(ctx context.Context, p *abac.Policy) (*abac.Policy, error) {
	saved, err := r.PolicyStore.Save(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := r.overlay(ctx, []*abac.Policy{saved}); err != nil {
		return nil, err
	}
	return saved, nil
}

func (r *RedisCounterStore) ListPolicies(ctx context.Context, f abac.PolicyFilter) ([]*abac.Policy, error) {
	ps, err := r.PolicyStore.ListPolicies(ctx, f)
	if err != nil {
		return nil, err
	}
	if err := r.overlay(ctx, ps); err != nil {
		return nil, err
	}
	return ps, nil
}

// Delete removes the policy and its Redis counters.
func (r *RedisCounterStore) Delete(ctx context.Context, policyID string) error {
	if err := r.PolicyStore.Delete(ctx, policyID); err != nil {
		return err
	}
	return r.client.Del(ctx, r.key(policyID)).Err()
}

func (r *RedisCounterStore) overlay(ctx context.Context, ps []*abac.Policy) error {
	if len(ps) == 0 {
		return nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ps))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, p := range ps {
			cmds[i] = pipe.HGetAll(ctx, r.key(p.PolicyID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load redis counters: %w", err)
	}
	for i, p := range ps {
		deltaFromHash(cmds[i].Val()).ApplyTo(p)
	}
	return nil
}

func deltaFromHash(m map[string]string) abac.CounterDelta {
	get := func(k string) int64 {
		n, _ := strconv.ParseInt(m[k], 10, 64)
		return n
	}
	return abac.CounterDelta{
		Evaluations: get("evaluations"),
		Allows:      get("allows"),
		Denies:      get("denies"),
		Successes:   get("successes"),
	}
}
