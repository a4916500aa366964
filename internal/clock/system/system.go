// Package system is the wall-clock block.Clock used outside tests.
package system

import "time"

// Clock reads time.Now, normalized to UTC so stored timestamps and
// freshness math never depend on the host timezone.
type Clock struct{}

// New constructs a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
