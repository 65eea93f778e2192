package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"sync"
)

// AdvisoryLock implements batch.AdvisoryLocker over a *sql.DB connection
// pool. Postgres advisory locks are session-scoped: the lock must be
// released on the same physical connection that acquired it, so a held
// lock reserves one *sql.Conn out of the pool for the run's duration
// rather than running through the pool's normal borrow-and-return cycle.
type AdvisoryLock struct {
	db *stdsql.DB

	mu    sync.Mutex
	conns map[int64]*stdsql.Conn
}

// NewAdvisoryLock wraps db for use as a batch.AdvisoryLocker.
func NewAdvisoryLock(db *stdsql.DB) *AdvisoryLock {
	return &AdvisoryLock{db: db, conns: make(map[int64]*stdsql.Conn)}
}

// TryAdvisoryLock implements batch.AdvisoryLocker.
func (a *AdvisoryLock) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("reserve connection for advisory lock %d: %w", key, err)
	}

	var locked bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&locked); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("pg_try_advisory_lock %d: %w", key, err)
	}
	if !locked {
		_ = conn.Close()
		return false, nil
	}

	a.mu.Lock()
	a.conns[key] = conn
	a.mu.Unlock()
	return true, nil
}

// AdvisoryUnlock implements batch.AdvisoryLocker.
func (a *AdvisoryLock) AdvisoryUnlock(ctx context.Context, key int64) error {
	a.mu.Lock()
	conn, ok := a.conns[key]
	delete(a.conns, key)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", key); err != nil {
		return fmt.Errorf("pg_advisory_unlock %d: %w", key, err)
	}
	return nil
}
