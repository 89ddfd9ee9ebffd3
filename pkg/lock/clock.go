package lock

import "time"

// Clock is the single source of "now" for the engine and the storage adapters.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time {
	return f()
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return Truncate(time.Now())
}

// SystemClock reads the wall clock in UTC with millisecond precision.
var SystemClock Clock = systemClock{}

// Truncate normalizes an instant to UTC milliseconds, the precision every storage keeps.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func clockOrDefault(c Clock) Clock {
	if c == nil {
		return SystemClock
	}
	return c
}
