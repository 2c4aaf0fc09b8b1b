// Package system adapts the wall clock to the harvest.Clock interface.
// Everything else in the engine takes a Clock so tests can substitute a
// fixed or advancing fake; this is the one place that touches time.Now.
package system

import "time"

// Clock reads the wall clock. Timestamps are normalized to UTC so run
// records and snapshot names compare consistently across hosts.
type Clock struct{}

// New returns a wall-clock Clock.
func New() *Clock {
	return &Clock{}
}

// Now reports the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
