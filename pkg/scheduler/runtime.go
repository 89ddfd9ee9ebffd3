package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/nimlock/pkg/lock"
	"github.com/nimburion/nimlock/pkg/observability/logger"
)

const (
	DefaultLockAtMostFor  = time.Minute
	DefaultLockAtLeastFor = time.Duration(0)
)

// Config controls scheduler runtime behavior.
type Config struct {
	DefaultLockAtMostFor  time.Duration
	DefaultLockAtLeastFor time.Duration
	// Clock drives schedule computation. Nil means the system clock.
	Clock lock.Clock
}

func (c *Config) normalize() {
	if c.DefaultLockAtMostFor <= 0 {
		c.DefaultLockAtMostFor = DefaultLockAtMostFor
	}
	if c.DefaultLockAtLeastFor < 0 || c.DefaultLockAtLeastFor > c.DefaultLockAtMostFor {
		c.DefaultLockAtLeastFor = DefaultLockAtLeastFor
	}
	if c.Clock == nil {
		c.Clock = lock.SystemClock
	}
}

type entry struct {
	task     Task
	schedule Schedule
}

// Runtime runs registered tasks on their schedules, each tick guarded by the task lock.
// Several replicas may run the same task set; only the replica winning the lock executes a tick.
type Runtime struct {
	executor *lock.TaskExecutor
	log      logger.Logger

	config Config

	mu      sync.Mutex
	tasks   map[string]entry
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRuntime creates a scheduler runtime over executor.
func NewRuntime(executor *lock.TaskExecutor, log logger.Logger, cfg Config) (*Runtime, error) {
	if executor == nil {
		return nil, schedulerError(ErrNotInitialized, "task executor is required")
	}
	if log == nil {
		return nil, schedulerError(ErrNotInitialized, "logger is required")
	}

	cfg.normalize()
	return &Runtime{
		executor: executor,
		log:      log,
		config:   cfg,
		tasks:    map[string]entry{},
	}, nil
}

// Register adds a new scheduled task.
func (r *Runtime) Register(task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	schedule, err := task.schedule()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.Name]; exists {
		return schedulerError(ErrConflict, fmt.Sprintf("task %q is already registered", task.Name))
	}
	r.tasks[task.Name] = entry{task: task, schedule: schedule}
	return nil
}

// Tasks returns the registered task names in order.
func (r *Runtime) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs all registered tasks until ctx is cancelled or Stop is called.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return schedulerError(ErrNotInitialized, "scheduler runtime is not initialized")
	}
	if ctx == nil {
		return schedulerError(ErrValidation, "context is required")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return schedulerError(ErrConflict, "scheduler already running")
	}
	if len(r.tasks) == 0 {
		r.mu.Unlock()
		return schedulerError(ErrValidation, "no scheduler tasks registered")
	}
	runningCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	entries := make([]entry, 0, len(r.tasks))
	for _, e := range r.tasks {
		entries = append(entries, e)
	}
	for _, e := range entries {
		r.wg.Add(1)
		go r.runTaskLoop(runningCtx, e)
	}
	r.mu.Unlock()

	r.log.Info("scheduler started", "tasks", len(entries))
	<-runningCtx.Done()
	return r.Stop(context.Background())
}

// Stop requests scheduler shutdown and waits for in-flight runs, bounded by ctx.
func (r *Runtime) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		r.log.Info("scheduler stopped")
		return nil
	}
}

// RunOnce runs the named task immediately under its lock. It reports whether the task executed.
func (r *Runtime) RunOnce(ctx context.Context, name string) (bool, error) {
	if r == nil {
		return false, schedulerError(ErrNotInitialized, "scheduler runtime is not initialized")
	}
	r.mu.Lock()
	e, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return false, schedulerError(ErrValidation, fmt.Sprintf("task %q is not registered", name))
	}
	status, err := r.runTask(ctx, e.task)
	return status != runStatusSkipped, err
}

func (r *Runtime) runTaskLoop(ctx context.Context, e entry) {
	defer r.wg.Done()

	now := r.config.Clock.Now()
	for {
		nextRun := e.schedule.Next(now)
		if nextRun.IsZero() {
			r.log.Error("scheduler task has no upcoming run", "task", e.task.Name, "schedule", e.task.Schedule)
			return
		}

		wait := nextRun.Sub(r.config.Clock.Now())
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := r.runTask(ctx, e.task); err != nil && ctx.Err() == nil {
			r.log.Error("scheduled task failed", "task", e.task.Name, "error", err)
		}

		// Slots that elapsed while the task ran are skipped, not replayed.
		now = r.config.Clock.Now()
		if now.Before(nextRun) {
			now = nextRun
		}
	}
}

func (r *Runtime) runTask(ctx context.Context, task Task) (status string, err error) {
	incrementSchedulerInFlight(task.Name)
	defer decrementSchedulerInFlight(task.Name)

	started := time.Now()
	runCtx := logger.ContextWithRunID(ctx, uuid.NewString())
	log := r.log.WithContext(runCtx).With("task", task.Name)
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, task.Timeout)
		defer cancel()
	}

	defer func() {
		recordSchedulerRun(task.Name, status, time.Since(started))
	}()

	lockAtMostFor, lockAtLeastFor := r.lockDurations(task)
	cfg, err := r.executor.Configuration(task.Name, lockAtMostFor, lockAtLeastFor)
	if err != nil {
		return runStatusFailed, err
	}

	result, err := lock.ExecuteWithLockResult(runCtx, r.executor, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, safeRun(ctx, task.Run)
	}, cfg)
	switch {
	case lock.IsSkipped(result, err):
		log.Debug("scheduled task skipped, lock held elsewhere")
		return runStatusSkipped, nil
	case err != nil:
		return runStatusFailed, err
	default:
		log.Debug("scheduled task executed", "duration", time.Since(started).String())
		return runStatusExecuted, nil
	}
}

func (r *Runtime) lockDurations(task Task) (time.Duration, time.Duration) {
	lockAtMostFor := task.LockAtMostFor
	if lockAtMostFor <= 0 {
		lockAtMostFor = r.config.DefaultLockAtMostFor
	}
	lockAtLeastFor := task.LockAtLeastFor
	if lockAtLeastFor <= 0 {
		lockAtLeastFor = r.config.DefaultLockAtLeastFor
	}
	if lockAtLeastFor > lockAtMostFor {
		lockAtLeastFor = lockAtMostFor
	}
	return lockAtMostFor, lockAtLeastFor
}

func safeRun(ctx context.Context, run lock.Task) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("task panicked: %v", recovered)
		}
	}()
	return run(ctx)
}
