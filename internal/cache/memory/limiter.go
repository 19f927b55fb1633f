package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// Limiter is an in-process sliding-window domain.RateLimiter.
type Limiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewLimiter creates an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{hits: make(map[string][]time.Time), now: time.Now}
}

// Allow counts the request when fewer than limit requests fell inside the
// trailing window.
func (l *Limiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-window)
	hits := l.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) >= limit {
		l.hits[key] = hits
		return false, nil
	}
	l.hits[key] = append(hits, now)
	return true, nil
}

var _ domain.RateLimiter = (*Limiter)(nil)
