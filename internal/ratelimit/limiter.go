// Package ratelimit paces transaction submission at a fixed rate.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter issues permits no faster than a fixed rate. Permits are spaced by a
// strict interval so a burst of callers is spread out instead of admitted at
// once. A zero rate admits every caller immediately.
type Limiter struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration
	issued   uint64
}

// New returns a limiter admitting perSecond permits per second. A rate of
// zero or less disables pacing.
func New(perSecond float64) *Limiter {
	l := &Limiter{next: time.Now()}
	if perSecond > 0 {
		l.interval = time.Duration(float64(time.Second) / perSecond)
	}
	return l
}

// Wait blocks until the caller's permit time or until ctx is done. A
// cancelled caller does not hand its slot back.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	l.issued++
	if l.interval == 0 {
		l.mu.Unlock()
		return nil
	}
	now := time.Now()
	if l.next.Before(now) {
		l.next = now
	}
	at := l.next
	l.next = at.Add(l.interval)
	l.mu.Unlock()

	wait := time.Until(at)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Interval is the spacing between permits, zero when unthrottled.
func (l *Limiter) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// Issued counts the permits requested so far.
func (l *Limiter) Issued() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.issued
}
