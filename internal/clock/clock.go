// Package clock is the single time source shared by every lifecycle component.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current instant.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// New returns a Clock backed by the system wall clock, in UTC.
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed always returns the same instant.
type Fixed time.Time

func (f Fixed) Now() time.Time {
	return time.Time(f)
}

// Settable is a Clock for tests that can be moved forward or set explicitly.
type Settable struct {
	mu  sync.RWMutex
	now time.Time
}

// NewSettable returns a Settable clock starting at t.
func NewSettable(t time.Time) *Settable {
	return &Settable{now: t}
}

func (s *Settable) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now
}

// Set moves the clock to t.
func (s *Settable) Set(t time.Time) {
	s.mu.Lock()
	s.now = t
	s.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new instant.
func (s *Settable) Advance(d time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
	return s.now
}
