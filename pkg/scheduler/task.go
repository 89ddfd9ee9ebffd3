package scheduler

import (
	"errors"
	"strings"
	"time"

	"github.com/nimburion/nimlock/pkg/lock"
)

// Task describes one scheduled entry. Name doubles as the lock name, so every replica
// registering the same task competes for the same lock.
type Task struct {
	Name     string
	Schedule string
	Timezone string

	// Zero durations fall back to the runtime defaults.
	LockAtMostFor  time.Duration
	LockAtLeastFor time.Duration
	// Timeout bounds a single run. Zero means no limit beyond the lock.
	Timeout time.Duration

	Run lock.Task
}

// Validate verifies required fields and schedule syntax.
func (t *Task) Validate() error {
	if t == nil {
		return schedulerError(ErrValidation, "task is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return schedulerError(ErrValidation, "task name is required")
	}
	if t.Run == nil {
		return schedulerError(ErrValidation, "task run function is required")
	}
	if t.LockAtMostFor < 0 || t.LockAtLeastFor < 0 || t.Timeout < 0 {
		return schedulerError(ErrValidation, "task durations must not be negative")
	}
	if t.LockAtMostFor > 0 && t.LockAtLeastFor > t.LockAtMostFor {
		return schedulerError(ErrValidation, "task lock_at_least_for must not exceed lock_at_most_for")
	}
	_, err := t.schedule()
	return err
}

func (t *Task) location() (*time.Location, error) {
	name := strings.TrimSpace(t.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "invalid task timezone"), err)
	}
	return loc, nil
}

func (t *Task) schedule() (Schedule, error) {
	loc, err := t.location()
	if err != nil {
		return nil, err
	}
	return ParseSchedule(t.Schedule, loc)
}
