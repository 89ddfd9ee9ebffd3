package lock

import (
	"fmt"
	"strings"
	"time"
)

// Configuration describes one lock request. It is immutable once built.
type Configuration struct {
	name           string
	createdAt      time.Time
	lockAtMostFor  time.Duration
	lockAtLeastFor time.Duration
}

// NewConfiguration validates and builds a Configuration anchored at createdAt.
//
// lockAtMostFor bounds how long a crashed holder can keep the lock; lockAtLeastFor is the
// minimum time the lock stays held after it was taken, even if the task finishes earlier.
func NewConfiguration(createdAt time.Time, name string, lockAtMostFor, lockAtLeastFor time.Duration) (Configuration, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return Configuration{}, lockError(ErrValidation, "lock name is required")
	case lockAtMostFor <= 0:
		return Configuration{}, lockError(ErrValidation, fmt.Sprintf("lockAtMostFor must be > 0 for lock %q", name))
	case lockAtLeastFor < 0:
		return Configuration{}, lockError(ErrValidation, fmt.Sprintf("lockAtLeastFor must be >= 0 for lock %q", name))
	case lockAtLeastFor > lockAtMostFor:
		return Configuration{}, lockError(ErrValidation, fmt.Sprintf("lockAtLeastFor (%s) is longer than lockAtMostFor (%s) for lock %q", lockAtLeastFor, lockAtMostFor, name))
	}
	return Configuration{
		name:           name,
		createdAt:      Truncate(createdAt),
		lockAtMostFor:  lockAtMostFor,
		lockAtLeastFor: lockAtLeastFor,
	}, nil
}

// Name returns the lock name.
func (c Configuration) Name() string { return c.name }

// CreatedAt returns the anchor instant of the configuration.
func (c Configuration) CreatedAt() time.Time { return c.createdAt }

// LockAtMostFor returns the maximum lease duration.
func (c Configuration) LockAtMostFor() time.Duration { return c.lockAtMostFor }

// LockAtLeastFor returns the minimum hold duration.
func (c Configuration) LockAtLeastFor() time.Duration { return c.lockAtLeastFor }

// LockAtMostUntil is the instant after which the lease is considered abandoned.
func (c Configuration) LockAtMostUntil() time.Time {
	return Truncate(c.createdAt.Add(c.lockAtMostFor))
}

// LockAtLeastUntil is the earliest instant at which the lock may become free again.
func (c Configuration) LockAtLeastUntil() time.Time {
	return Truncate(c.createdAt.Add(c.lockAtLeastFor))
}

// UnlockTime is the lock_until value written on release: max(now, LockAtLeastUntil).
func (c Configuration) UnlockTime(now time.Time) time.Time {
	least := c.LockAtLeastUntil()
	now = Truncate(now)
	if now.After(least) {
		return now
	}
	return least
}

// IsZero reports whether the configuration was never built.
func (c Configuration) IsZero() bool {
	return c.name == ""
}

func (c Configuration) String() string {
	return fmt.Sprintf("Configuration{name=%s, lockAtMostUntil=%s, lockAtLeastUntil=%s}",
		c.name, c.LockAtMostUntil().Format(time.RFC3339Nano), c.LockAtLeastUntil().Format(time.RFC3339Nano))
}
