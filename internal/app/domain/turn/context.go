// Package turn defines the in-memory Turn Context owned exclusively by
// the Turn State Machine. It is rebuilt on restart from persistence and
// recovery; it is never itself persisted.
package turn

import "time"

// Deadline is an absolute point on a monotonic clock. A timer fires
// when now >= At. A zero Deadline is unarmed.
type Deadline struct {
	At  time.Time
	Set bool
}

// Armed reports whether the deadline has been set.
func (d Deadline) Armed() bool { return d.Set }

// Elapsed reports whether the deadline has been set and passed as of now.
func (d Deadline) Elapsed(now time.Time) bool {
	return d.Set && !now.Before(d.At)
}

// Context is the TSM's private state for the turn currently in
// progress. A zero Context (ActiveEntryID == "") means no turn is
// active.
type Context struct {
	ActiveEntryID string
	CurrentTry    int
	State         string

	PhaseDeadline    Deadline
	HardTurnDeadline Deadline

	HeldDirections map[string]bool
}

// New returns an empty Turn Context.
func New() *Context {
	return &Context{HeldDirections: make(map[string]bool)}
}

// Reset zeroes the context in place, as happens on entry to turn_end.
func (c *Context) Reset() {
	c.ActiveEntryID = ""
	c.CurrentTry = 0
	c.State = ""
	c.PhaseDeadline = Deadline{}
	c.HardTurnDeadline = Deadline{}
	c.HeldDirections = make(map[string]bool)
}

// SecondsLeft returns the whole seconds remaining until d plus one
// (4.2s left reports 5), so any positive remainder reports at least 1.
// It returns 0 when d is unset or has passed.
func SecondsLeft(d Deadline, now time.Time) int {
	if !d.Set {
		return 0
	}
	remaining := d.At.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds()) + 1
}
