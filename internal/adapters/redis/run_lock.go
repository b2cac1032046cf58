package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	"go.uber.org/zap"

	"github.com/selivandex/market-etl/internal/ingestion"
	"github.com/selivandex/market-etl/pkg/logger"
)

// lockManager is the subset of redlock used for run locks
type lockManager interface {
	Lock(ctx context.Context, resource string, ttl time.Duration) (time.Duration, error)
	UnLock(ctx context.Context, resource string) error
}

var _ lockManager = (*redlock.RedLock)(nil)

// RunLock is a redlock-backed exclusive lock on one source, renewed while held
type RunLock struct {
	manager  lockManager
	sourceID string
	lockName string
	ttl      time.Duration
	ping     func(ctx context.Context) error

	mu     sync.Mutex
	locked bool
	stop   chan struct{}
	done   chan struct{}
}

func newRunLock(manager lockManager, sourceID string, ttl time.Duration) *RunLock {
	return &RunLock{
		manager:  manager,
		sourceID: sourceID,
		lockName: fmt.Sprintf("etl:lock:%s", sourceID),
		ttl:      ttl,
	}
}

// TryAcquire returns false when another process holds the lock.
// redlock reports a busy lock and an unreachable server the same way, so a
// failed lock is told apart by pinging redis.
func (l *RunLock) TryAcquire(ctx context.Context) (bool, error) {
	expiry, err := l.manager.Lock(ctx, l.lockName, l.ttl)
	if err != nil {
		if l.ping != nil {
			if perr := l.ping(ctx); perr != nil {
				return false, fmt.Errorf("redis unavailable for run lock %s: %w", l.lockName, perr)
			}
		}
		logger.Debug("run lock held elsewhere",
			zap.String("source", l.sourceID),
			zap.String("lock_name", l.lockName),
		)
		return false, nil
	}
	if expiry <= 0 {
		return false, fmt.Errorf("failed to acquire lock: invalid expiry %v", expiry)
	}

	l.mu.Lock()
	l.locked = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.mu.Unlock()

	logger.Debug("run lock acquired",
		zap.String("source", l.sourceID),
		zap.Duration("ttl", l.ttl),
	)

	go l.renew(l.stop, l.done)

	return true, nil
}

// Release stops renewal and unlocks. Errors are logged since the lock may have expired.
func (l *RunLock) Release(ctx context.Context) {
	l.mu.Lock()
	if !l.locked {
		l.mu.Unlock()
		return
	}
	l.locked = false
	stop, done := l.stop, l.done
	l.mu.Unlock()

	close(stop)
	<-done

	if err := l.manager.UnLock(ctx, l.lockName); err != nil {
		logger.Warn("failed to release run lock (may have already expired)",
			zap.String("source", l.sourceID),
			zap.Error(err),
		)
	}
}

// Held reports whether the lock is still owned
func (l *RunLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// renew re-locks at 2/3 of the TTL. redlock has no extend operation,
// so renewal is unlock followed by lock.
func (l *RunLock) renew(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker((l.ttl * 2) / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			err := l.manager.UnLock(ctx, l.lockName)
			if err == nil {
				var expiry time.Duration
				expiry, err = l.manager.Lock(ctx, l.lockName, l.ttl)
				if err == nil && expiry <= 0 {
					err = fmt.Errorf("invalid expiry %v", expiry)
				}
			}
			cancel()

			if err != nil {
				logger.Error("run lock lost during renewal",
					zap.String("source", l.sourceID),
					zap.Error(err),
				)
				l.mu.Lock()
				l.locked = false
				l.mu.Unlock()
				return
			}
		}
	}
}

// RunLockFactory hands out per-source run locks and implements ingestion.Locker
type RunLockFactory struct {
	manager lockManager
	ttl     time.Duration
	ping    func(ctx context.Context) error
}

// NewRunLockFactory creates redis run lock factory
func NewRunLockFactory(manager lockManager, ttl time.Duration) *RunLockFactory {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RunLockFactory{manager: manager, ttl: ttl}
}

// WithPing sets the connectivity check used when a lock attempt fails
func (f *RunLockFactory) WithPing(ping func(ctx context.Context) error) *RunLockFactory {
	f.ping = ping
	return f
}

// CreateRunLock creates the lock for one source
func (f *RunLockFactory) CreateRunLock(sourceID string) *RunLock {
	lock := newRunLock(f.manager, sourceID, f.ttl)
	lock.ping = f.ping
	return lock
}

// Acquire takes the source's lock or returns ingestion.ErrRunInProgress.
// Any other error means redis could not be asked.
func (f *RunLockFactory) Acquire(ctx context.Context, sourceID string) (func(), error) {
	lock := f.CreateRunLock(sourceID)

	ok, err := lock.TryAcquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ingestion.ErrRunInProgress
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		lock.Release(ctx)
	}, nil
}

var _ ingestion.Locker = (*RunLockFactory)(nil)
