package ingestion

import (
	"context"
	"sync"
)

// Locker provides run-level mutual exclusion per source.
// Acquire must not block; it returns ErrRunInProgress when the source is busy.
type Locker interface {
	Acquire(ctx context.Context, sourceID string) (release func(), err error)
}

// LocalLocker serializes runs within one process
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates in-process run locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(ctx context.Context, sourceID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[sourceID]; busy {
		return nil, ErrRunInProgress
	}
	l.held[sourceID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, sourceID)
			l.mu.Unlock()
		})
	}, nil
}
