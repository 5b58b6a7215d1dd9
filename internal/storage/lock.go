package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// scanLockKey identifies the fleet-wide scanner role. Advisory locks are
// keyed per database, so any stable constant works as long as every
// instance agrees on it.
const scanLockKey int64 = 0x5343414e31 // "SCAN1"

// AdvisoryLock is a session-scoped PostgreSQL advisory lock. It pins a
// dedicated connection because the lock lives and dies with the session
// that took it.
type AdvisoryLock struct {
	db     *sql.DB
	conn   *sql.Conn
	logger zerolog.Logger
}

// NewAdvisoryLock wraps the storage connection pool.
func NewAdvisoryLock(db *DB) *AdvisoryLock {
	return &AdvisoryLock{
		db:     db.DB,
		logger: log.With().Str("component", "scan_lock").Logger(),
	}
}

// TryLock attempts to take the scanner lock without blocking. A false
// return means another instance holds it.
func (l *AdvisoryLock) TryLock(ctx context.Context) (bool, error) {
	if l.conn != nil {
		return false, fmt.Errorf("lock already attempted on this instance")
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("pinning lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, scanLockKey).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("acquiring advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	l.logger.Debug().Int64("key", scanLockKey).Msg("advisory lock acquired")
	return true, nil
}

// Unlock releases the lock and the pinned connection. Closing the
// session would release the lock anyway; the explicit unlock keeps
// shutdown deterministic.
func (l *AdvisoryLock) Unlock(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	var released bool
	err := l.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, scanLockKey).Scan(&released)
	if cerr := l.conn.Close(); err == nil {
		err = cerr
	}
	l.conn = nil
	if err != nil {
		return fmt.Errorf("releasing advisory lock: %w", err)
	}
	if !released {
		l.logger.Warn().Int64("key", scanLockKey).Msg("advisory lock was not held at release")
	}
	return nil
}
