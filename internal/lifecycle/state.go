// Package lifecycle derives a premiere's visibility state from the clock and its stored
// schedule. Nothing here holds state; every read classifies afresh.
package lifecycle

import (
	"fmt"
	"time"
)

// State is the derived visibility state of a premiere.
type State string

const (
	StatePending State = "pending"
	StateSoon    State = "soon"
	StateLive    State = "live"
	StateEnded   State = "ended"
)

// Defaults applied when a Policy field is zero.
const (
	DefaultSoonWindow  = 30 * time.Minute
	DefaultGraceWindow = 2 * time.Hour
)

var order = map[State]int{
	StatePending: 0,
	StateSoon:    1,
	StateLive:    2,
	StateEnded:   3,
}

// Rank orders states along the lifecycle. Unknown states rank -1.
func (s State) Rank() int {
	if r, ok := order[s]; ok {
		return r
	}
	return -1
}

// Visible reports whether viewers may watch the premiere in this state.
func (s State) Visible() bool {
	return s == StateLive
}

// Policy carries the two windows every component must agree on.
type Policy struct {
	// SoonWindow is how long before scheduled_at a premiere is shown as upcoming.
	SoonWindow time.Duration
	// GraceWindow extends Live past the nominal end of airing.
	GraceWindow time.Duration
}

// DefaultPolicy returns the canonical 30m / 2h windows.
func DefaultPolicy() Policy {
	return Policy{SoonWindow: DefaultSoonWindow, GraceWindow: DefaultGraceWindow}
}

// Normalize fills zero windows with defaults and rejects negative ones.
func (p Policy) Normalize() (Policy, error) {
	if p.SoonWindow < 0 || p.GraceWindow < 0 {
		return p, fmt.Errorf("lifecycle windows must not be negative (soon=%s, grace=%s)", p.SoonWindow, p.GraceWindow)
	}
	if p.SoonWindow == 0 {
		p.SoonWindow = DefaultSoonWindow
	}
	if p.GraceWindow == 0 {
		p.GraceWindow = DefaultGraceWindow
	}
	return p, nil
}

// Classify returns the state at now for a premiere scheduled at scheduledAt whose
// transcoded duration is durationSeconds. A nil duration means transcoding has not
// finished and the premiere stays Pending regardless of the clock.
func Classify(now, scheduledAt time.Time, durationSeconds *int, p Policy) State {
	if durationSeconds == nil {
		return StatePending
	}

	switch {
	case now.Before(scheduledAt.Add(-p.SoonWindow)):
		return StatePending
	case now.Before(scheduledAt):
		return StateSoon
	case now.Before(EndOfWindow(scheduledAt, *durationSeconds, p)):
		return StateLive
	default:
		return StateEnded
	}
}

// EndOfWindow is the first instant at which a premiere is Ended.
func EndOfWindow(scheduledAt time.Time, durationSeconds int, p Policy) time.Time {
	return scheduledAt.Add(time.Duration(durationSeconds)*time.Second + p.GraceWindow)
}

// HasStarted reports whether now is at or past scheduledAt. Schedule and display
// fields are frozen from this point on.
func HasStarted(now, scheduledAt time.Time) bool {
	return !now.Before(scheduledAt)
}
