// Package clock provides a mockable time source. Production code calls the
// package-level functions; tests swap the source with Set.
package clock

import (
	"sync"
	"time"
)

// Clock is the interface for time operations.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// RealClock provides the actual system time.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// MockClock is a test clock with controllable time.
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewMockClock creates a mock clock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance advances the mock time by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

var (
	mu      sync.RWMutex
	current Clock = RealClock{}
)

// Set replaces the package clock and returns a func restoring the previous one.
func Set(c Clock) (restore func()) {
	mu.Lock()
	prev := current
	current = c
	mu.Unlock()
	return func() {
		mu.Lock()
		current = prev
		mu.Unlock()
	}
}

func get() Clock {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Now returns the current time from the package clock.
func Now() time.Time {
	return get().Now()
}

// Since returns the time elapsed since t.
func Since(t time.Time) time.Duration {
	return get().Since(t)
}
