// Package system provides the wall clock used to stamp outgoing events.
package system

import "time"

// Clock reports UTC wall time.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// NowMillis returns the current Unix time in milliseconds, the unit used on the wire.
func (c Clock) NowMillis() int64 {
	return c.Now().UnixMilli()
}
