package lock

import (
	"context"
	"time"

	"github.com/nimburion/nimlock/pkg/observability/logger"
)

// Task is a unit of work run under a lock.
type Task func(ctx context.Context) error

// TaskResult reports whether the task ran and what it returned.
type TaskResult[T any] struct {
	Executed bool
	Value    T
}

// TaskExecutor runs tasks at most once across all processes sharing a storage.
// A task whose lock is held elsewhere is skipped, not queued.
type TaskExecutor struct {
	provider Provider
	clock    Clock
	log      logger.Logger
}

// NewTaskExecutor creates an executor over provider. The executor stamps configurations
// with the provider clock when the provider exposes one.
func NewTaskExecutor(provider Provider, log logger.Logger) (*TaskExecutor, error) {
	if provider == nil {
		return nil, lockError(ErrInvalidArgument, "lock provider is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	var clock Clock = SystemClock
	if clocked, ok := provider.(interface{ Clock() Clock }); ok {
		clock = clockOrDefault(clocked.Clock())
	}
	return &TaskExecutor{provider: provider, clock: clock, log: log}, nil
}

// Configuration builds a configuration for name anchored at the executor clock.
func (e *TaskExecutor) Configuration(name string, lockAtMostFor, lockAtLeastFor time.Duration) (Configuration, error) {
	return NewConfiguration(e.clock.Now(), name, lockAtMostFor, lockAtLeastFor)
}

// ExecuteWithLock runs task when the lock described by cfg is acquired and skips it otherwise.
// The task error is returned unchanged; a release failure is returned only when the task succeeded.
func (e *TaskExecutor) ExecuteWithLock(ctx context.Context, task Task, cfg Configuration) error {
	if task == nil {
		return lockError(ErrInvalidArgument, "task is required")
	}
	_, err := ExecuteWithLockResult(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, task(ctx)
	}, cfg)
	return err
}

// ExecuteWithLockResult is ExecuteWithLock for tasks producing a value.
func ExecuteWithLockResult[T any](ctx context.Context, e *TaskExecutor, task func(ctx context.Context) (T, error), cfg Configuration) (result TaskResult[T], err error) {
	if e == nil || e.provider == nil {
		return result, lockError(ErrNotInitialized, "task executor is not initialized")
	}
	if task == nil {
		return result, lockError(ErrInvalidArgument, "task is required")
	}
	if IsHeld(ctx, cfg.Name()) {
		// Re-entrant call from a task already holding this lock.
		result.Value, err = task(ctx)
		result.Executed = true
		return result, err
	}

	handle, ok, err := e.provider.Acquire(ctx, cfg)
	if err != nil {
		recordTaskExecution(cfg.Name(), "error")
		return result, err
	}
	if !ok {
		recordTaskExecution(cfg.Name(), "skipped")
		e.log.Info("task skipped, lock held elsewhere", "lock", cfg.Name())
		return result, nil
	}

	lockedCtx, held := withHeldLock(ctx, cfg.Name(), handle)
	defer func() {
		unlockErr := held.current().Unlock(context.WithoutCancel(ctx))
		if unlockErr == nil {
			return
		}
		e.log.Error("failed to release lock", "lock", cfg.Name(), "error", unlockErr)
		if err == nil {
			err = unlockErr
		}
	}()

	result.Executed = true
	result.Value, err = task(lockedCtx)
	if err != nil {
		recordTaskExecution(cfg.Name(), "failed")
	} else {
		recordTaskExecution(cfg.Name(), "executed")
	}
	return result, err
}

// Wrap returns a Task that runs task under a lock named name, building a fresh configuration
// on every call.
func Wrap(e *TaskExecutor, name string, lockAtMostFor, lockAtLeastFor time.Duration, task Task) Task {
	return func(ctx context.Context) error {
		if e == nil {
			return lockError(ErrNotInitialized, "task executor is not initialized")
		}
		cfg, err := e.Configuration(name, lockAtMostFor, lockAtLeastFor)
		if err != nil {
			return err
		}
		return e.ExecuteWithLock(ctx, task, cfg)
	}
}

// IsSkipped reports whether err is nil and the result was not executed.
func IsSkipped[T any](result TaskResult[T], err error) bool {
	return err == nil && !result.Executed
}
