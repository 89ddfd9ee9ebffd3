package lock

import (
	"context"
	"sync"
	"time"
)

type heldLockKey struct{}

type assertsPassingKey struct{}

// heldLock records one lock acquired by the executor for the lifetime of a task context.
// Nested executions chain to their parent.
type heldLock struct {
	parent *heldLock
	name   string

	mu     sync.Mutex
	handle Handle
}

func (h *heldLock) current() Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handle
}

func withHeldLock(ctx context.Context, name string, handle Handle) (context.Context, *heldLock) {
	held := &heldLock{parent: innermostHeldLock(ctx), name: name, handle: handle}
	return context.WithValue(ctx, heldLockKey{}, held), held
}

func innermostHeldLock(ctx context.Context) *heldLock {
	if ctx == nil {
		return nil
	}
	held, _ := ctx.Value(heldLockKey{}).(*heldLock)
	return held
}

// IsHeld reports whether ctx runs inside an executor section holding the named lock.
func IsHeld(ctx context.Context, name string) bool {
	for held := innermostHeldLock(ctx); held != nil; held = held.parent {
		if held.name == name {
			return true
		}
	}
	return false
}

// AssertLocked returns ErrNotLocked unless ctx runs inside a locked executor section.
func AssertLocked(ctx context.Context) error {
	if innermostHeldLock(ctx) != nil {
		return nil
	}
	if ctx != nil {
		if passing, _ := ctx.Value(assertsPassingKey{}).(bool); passing {
			return nil
		}
	}
	return lockError(ErrNotLocked, "the task is not running under a lock")
}

// MustAssertLocked panics when AssertLocked fails. Calling locked-only code without a
// lock is a programming error.
func MustAssertLocked(ctx context.Context) {
	if err := AssertLocked(ctx); err != nil {
		panic(err)
	}
}

// WithAssertsPassing makes AssertLocked succeed for ctx. Meant for unit tests of code that
// asserts it is locked.
func WithAssertsPassing(ctx context.Context) context.Context {
	return context.WithValue(ctx, assertsPassingKey{}, true)
}

// ExtendActiveLock extends the innermost lock held by ctx. On success the executor releases
// the extended lease when the task returns.
func ExtendActiveLock(ctx context.Context, lockAtMostFor, lockAtLeastFor time.Duration) (bool, error) {
	held := innermostHeldLock(ctx)
	if held == nil {
		return false, lockError(ErrNotLocked, "no active lock to extend")
	}
	held.mu.Lock()
	defer held.mu.Unlock()
	next, ok, err := held.handle.Extend(ctx, lockAtMostFor, lockAtLeastFor)
	if err != nil || !ok {
		return false, err
	}
	held.handle = next
	return true, nil
}
