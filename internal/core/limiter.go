package core

// limiter.go bounds the number of commits running at once.
//
// Commits hold a store transaction (and, for the same entity type, a lock)
// for their whole duration. The limiter caps how many may be in flight; a
// commit that cannot get a slot within maxWait fails with ErrTooManyImports.
// Dry runs and validation do not take a slot.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTooManyImports is returned when every import slot stays busy for the
// whole wait period. Clients should retry after a short delay.
var ErrTooManyImports = errors.New("too many imports in progress, please try again later")

const (
	DefaultMaxConcurrentImports = 5
	DefaultMaxWaitTime          = 30 * time.Second
)

// ImportLimiter is a counting semaphore for commits.
type ImportLimiter struct {
	slots   chan struct{}
	maxWait time.Duration

	mu     sync.Mutex
	active int
	idle   chan struct{} // closed while active == 0
}

// NewImportLimiter allows maxConcurrent simultaneous commits. Non-positive
// arguments fall back to the defaults.
func NewImportLimiter(maxConcurrent int, maxWait time.Duration) *ImportLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentImports
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}

	idle := make(chan struct{})
	close(idle)

	return &ImportLimiter{
		slots:   make(chan struct{}, maxConcurrent),
		maxWait: maxWait,
		idle:    idle,
	}
}

// Acquire waits for a slot. The caller must Release it.
func (l *ImportLimiter) Acquire(ctx context.Context) error {
	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()

	select {
	case l.slots <- struct{}{}:
		l.started()
		return nil
	case <-timer.C:
		return ErrTooManyImports
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot only if one is free right now.
func (l *ImportLimiter) TryAcquire() bool {
	select {
	case l.slots <- struct{}{}:
		l.started()
		return true
	default:
		return false
	}
}

// Release frees a slot taken by Acquire or TryAcquire.
func (l *ImportLimiter) Release() {
	l.mu.Lock()
	l.active--
	if l.active == 0 {
		close(l.idle)
	}
	l.mu.Unlock()

	<-l.slots
}

func (l *ImportLimiter) started() {
	l.mu.Lock()
	if l.active == 0 {
		l.idle = make(chan struct{})
	}
	l.active++
	l.mu.Unlock()
}

// ActiveCount returns the number of commits holding a slot.
func (l *ImportLimiter) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Available returns the number of free slots.
func (l *ImportLimiter) Available() int {
	return cap(l.slots) - len(l.slots)
}

// WaitForDrain blocks until no commit holds a slot. It is used during
// shutdown so in-flight transactions can finish.
func (l *ImportLimiter) WaitForDrain(ctx context.Context) error {
	l.mu.Lock()
	idle := l.idle
	l.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LimiterStatus is a snapshot of the limiter.
type LimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"maxConcurrent"`
}

// Status returns the current limiter state.
func (l *ImportLimiter) Status() LimiterStatus {
	return LimiterStatus{
		Active:        l.ActiveCount(),
		Available:     l.Available(),
		MaxConcurrent: cap(l.slots),
	}
}
