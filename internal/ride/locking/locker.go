// Package locking provides short-lived exclusive locks used to serialise
// concurrent actions on the same booking across service instances.
package locking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker grants a lock on key for at most ttl. The returned token must be
// presented to Unlock so a caller never releases a lock it no longer owns.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

type memoryLock struct {
	token   string
	expires time.Time
}

// MemoryLocker is a process-local Locker for tests and single-instance runs.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
}

// NewMemoryLocker constructs MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryLock), now: time.Now}
}

// TryLock acquires key unless a live lock already holds it.
func (m *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if held, exists := m.locks[key]; exists && now.Before(held.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	m.locks[key] = memoryLock{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

// Unlock removes the lock if token still owns it.
func (m *MemoryLocker) Unlock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, exists := m.locks[key]; exists && held.token == token {
		delete(m.locks, key)
	}
	return nil
}
