package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies task and schedule validation failures.
	ErrValidation = errors.New("scheduler validation error")
	// ErrConflict classifies state conflicts (for example duplicate task, already running).
	ErrConflict = errors.New("scheduler conflict")
	// ErrNotInitialized classifies a nil runtime or missing executor.
	ErrNotInitialized = errors.New("scheduler not initialized")
)

func schedulerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
