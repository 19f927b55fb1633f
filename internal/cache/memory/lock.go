package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
)

type heldLock struct {
	token   uint64
	expires time.Time
}

// Locks is an in-process domain.LockManager with TTL expiry.
type Locks struct {
	mu   sync.Mutex
	held map[string]heldLock
	seq  uint64
	now  func() time.Time
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]heldLock), now: time.Now}
}

// Acquire takes key without waiting.
func (l *Locks) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, fmt.Errorf("memory: lock %s: %w", key, domain.ErrLockHeld)
	}
	l.seq++
	token := l.seq
	l.held[key] = heldLock{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if h, ok := l.held[key]; ok && h.token == token {
				delete(l.held, key)
			}
		})
	}, nil
}

var _ domain.LockManager = (*Locks)(nil)
