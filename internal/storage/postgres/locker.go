package postgres

import (
	"context"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/market-etl/internal/ingestion"
	"github.com/selivandex/market-etl/pkg/logger"
)

const unlockTimeout = 5 * time.Second

// AdvisoryLocker implements ingestion.Locker with session-level advisory locks.
// Each held lock pins one pooled connection until it is released.
type AdvisoryLocker struct {
	db *sqlx.DB
}

// NewAdvisoryLocker creates postgres run locker
func NewAdvisoryLocker(db *sqlx.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

func advisoryKey(sourceID string) string {
	return "etl:lock:" + sourceID
}

// Acquire takes the source's advisory lock or returns ingestion.ErrRunInProgress
func (l *AdvisoryLocker) Acquire(ctx context.Context, sourceID string) (func(), error) {
	conn, err := l.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection for run lock: %w", err)
	}

	var locked bool
	if err := conn.GetContext(ctx, &locked, `SELECT pg_try_advisory_lock(hashtext($1))`, advisoryKey(sourceID)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to take run lock: %w", err)
	}
	if !locked {
		_ = conn.Close()
		return nil, ingestion.ErrRunInProgress
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.release(conn, sourceID)
		})
	}, nil
}

// release unlocks on the owning session. If that fails the connection is
// discarded so the session, and the lock with it, ends.
func (l *AdvisoryLocker) release(conn *sqlx.Conn, sourceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()

	var unlocked bool
	err := conn.GetContext(ctx, &unlocked, `SELECT pg_advisory_unlock(hashtext($1))`, advisoryKey(sourceID))
	if err != nil || !unlocked {
		logger.Warn("failed to release run lock, dropping connection",
			zap.String("source", sourceID),
			zap.Error(err),
		)
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	_ = conn.Close()
}

var _ ingestion.Locker = (*AdvisoryLocker)(nil)
