package services

import (
	"context"
	"time"
)

// RateLimiter counts actions per subject in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, subject, action string, limit int, window time.Duration) (bool, error)
}

type rateWindow struct {
	count int
	start time.Time
}

// MemoryRateLimiter is the single-instance RateLimiter. Idle counters are
// evicted after retention.
type MemoryRateLimiter struct {
	windows *ExpiringStore[string, rateWindow]
}

func NewMemoryRateLimiter(retention time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{windows: NewExpiringStore[string, rateWindow](retention)}
}

func (l *MemoryRateLimiter) Allow(ctx context.Context, subject, action string, limit int, window time.Duration) (bool, error) {
	now := l.windows.now()
	w := l.windows.Update(subject+":"+action, func(current rateWindow, found bool) rateWindow {
		if !found || now.Sub(current.start) >= window {
			return rateWindow{count: 1, start: now}
		}
		current.count++
		return current
	})
	return w.count <= limit, nil
}

// Run evicts idle counters every interval until ctx is done.
func (l *MemoryRateLimiter) Run(ctx context.Context, interval time.Duration) {
	l.windows.Run(ctx, interval)
}
