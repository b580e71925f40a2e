// Package jobs runs the long-lived linkage maintenance work: the bulk flag-duplicates job and
// the reconcile scheduler. Both run under a named lock so only one instance does the work.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/redis"
)

// ErrLocked is returned when the named lock is held elsewhere.
var ErrLocked = redis.ErrLockNotAcquired

// Locker runs fn while holding the named lock. *redis.Locker implements it.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// LocalLocker is an in-process Locker for deployments without Redis.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]struct{}{}}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, _ time.Duration, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if _, ok := l.held[key]; ok {
		l.mu.Unlock()
		return ErrLocked
	}
	l.held[key] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}

// IsLocked reports whether err means the lock was held by someone else.
func IsLocked(err error) bool {
	return errors.Is(err, ErrLocked)
}
