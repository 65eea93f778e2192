package batch

import (
	"context"
	"fmt"
	"hash/fnv"
)

// AdvisoryLocker is the narrow Postgres capability AdvisoryLockRunPolicy
// needs: pg_try_advisory_lock / pg_advisory_unlock over a single bigint
// key, exposed by pkg/database via the pgx connection pool.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (bool, error)
	AdvisoryUnlock(ctx context.Context, key int64) error
}

// AdvisoryLockRunPolicy enforces at most one concurrent pipeline run per
// tenant by holding a Postgres advisory lock for the run's duration.
// This is the "stricter policy" spec.md §4.6 gestures at but leaves
// unspecified; it is wired here against the teacher's pgx driver.
type AdvisoryLockRunPolicy struct {
	locker AdvisoryLocker
	tenant string
}

// NewAdvisoryLockRunPolicy builds a policy scoped to one tenant key.
func NewAdvisoryLockRunPolicy(locker AdvisoryLocker, tenant string) *AdvisoryLockRunPolicy {
	return &AdvisoryLockRunPolicy{locker: locker, tenant: tenant}
}

func (p *AdvisoryLockRunPolicy) key() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("tapestry-pipeline:" + p.tenant))
	return int64(h.Sum64())
}

// Acquire implements RunPolicy.
func (p *AdvisoryLockRunPolicy) Acquire(ctx context.Context) (string, bool, error) {
	ok, err := p.locker.TryAdvisoryLock(ctx, p.key())
	if err != nil {
		return "", false, fmt.Errorf("acquire advisory lock for tenant %s: %w", p.tenant, err)
	}
	if !ok {
		return "", false, nil
	}
	return p.tenant, true, nil
}

// Release implements RunPolicy.
func (p *AdvisoryLockRunPolicy) Release(ctx context.Context, runID string, _ bool) error {
	if runID == "" {
		return nil
	}
	return p.locker.AdvisoryUnlock(ctx, p.key())
}
