package lock

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid lock configurations.
	ErrValidation = errors.New("lock validation error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("lock invalid argument")
	// ErrNotInitialized classifies missing provider or storage wiring.
	ErrNotInitialized = errors.New("lock not initialized")
	// ErrStorage classifies failures of the backing store. Contention is never reported with it.
	ErrStorage = errors.New("lock storage error")
	// ErrNotLocked is returned by holder assertions outside a locked section.
	ErrNotLocked = errors.New("lock not held")
	// ErrReleased classifies operations on a handle that was already unlocked.
	ErrReleased = errors.New("lock already released")
	// ErrUnsupported classifies operations a storage or handle cannot perform.
	ErrUnsupported = errors.New("lock operation not supported")
)

func lockError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// NewStorageError wraps a backend failure for the given operation and lock name.
// Errors that are already classified as ErrStorage are returned unchanged.
func NewStorageError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return errors.Join(lockError(ErrStorage, fmt.Sprintf("%s %q failed", op, name)), err)
}

func isUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}
