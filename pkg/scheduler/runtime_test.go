package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nimburion/nimlock/pkg/lock"
	"github.com/nimburion/nimlock/pkg/lock/locktest"
	"github.com/nimburion/nimlock/pkg/observability/logger"
	"github.com/nimburion/nimlock/pkg/store/memory"
)

var testEpoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestRuntime(t *testing.T, store *memory.Store, holder string, clock lock.Clock) *Runtime {
	t.Helper()
	provider, err := lock.NewStorageBasedProvider(memory.New(store, holder, clock), lock.WithClock(clock))
	if err != nil {
		t.Fatalf("NewStorageBasedProvider error: %v", err)
	}
	executor, err := lock.NewTaskExecutor(provider, logger.NewNop())
	if err != nil {
		t.Fatalf("NewTaskExecutor error: %v", err)
	}
	runtime, err := NewRuntime(executor, logger.NewNop(), Config{Clock: clock})
	if err != nil {
		t.Fatalf("NewRuntime error: %v", err)
	}
	return runtime
}

func TestNewRuntime_RequiresDependencies(t *testing.T) {
	if _, err := NewRuntime(nil, logger.NewNop(), Config{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized without executor, got %v", err)
	}
	provider, _ := lock.NewStorageBasedProvider(memory.New(nil, "a", nil))
	executor, _ := lock.NewTaskExecutor(provider, nil)
	if _, err := NewRuntime(executor, nil, Config{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized without logger, got %v", err)
	}
}

func TestRuntime_Register(t *testing.T) {
	runtime := newTestRuntime(t, nil, "a", lock.SystemClock)

	if err := runtime.Register(Task{Name: "report", Schedule: "@hourly", Run: noop}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := runtime.Register(Task{Name: "report", Schedule: "@daily", Run: noop}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate, got %v", err)
	}
	if err := runtime.Register(Task{Name: "broken", Schedule: "61 * * * *", Run: noop}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if got := runtime.Tasks(); len(got) != 1 || got[0] != "report" {
		t.Fatalf("unexpected tasks %v", got)
	}
}

func TestRuntime_RunOnceSharesLockAcrossReplicas(t *testing.T) {
	clock := locktest.NewManualClock(testEpoch)
	store := memory.NewStore()
	first := newTestRuntime(t, store, "replica-a", clock)
	second := newTestRuntime(t, store, "replica-b", clock)

	var runs atomic.Int32
	task := Task{
		Name:           "nightly-export",
		Schedule:       "@daily",
		LockAtMostFor:  time.Hour,
		LockAtLeastFor: 10 * time.Minute,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}
	if err := first.Register(task); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := second.Register(task); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	ctx := context.Background()
	if executed, err := first.RunOnce(ctx, task.Name); err != nil || !executed {
		t.Fatalf("expected first replica to execute, got executed=%v err=%v", executed, err)
	}
	if executed, err := second.RunOnce(ctx, task.Name); err != nil || executed {
		t.Fatalf("expected second replica to be skipped inside lockAtLeastFor, got executed=%v err=%v", executed, err)
	}

	clock.Advance(10 * time.Minute)
	if executed, err := second.RunOnce(ctx, task.Name); err != nil || !executed {
		t.Fatalf("expected second replica to execute after lockAtLeastFor, got executed=%v err=%v", executed, err)
	}
	if runs.Load() != 2 {
		t.Fatalf("expected 2 runs, got %d", runs.Load())
	}

	rec, ok := store.Record(task.Name)
	if !ok || rec.LockedBy != "replica-b" {
		t.Fatalf("expected record held last by replica-b, got %+v (found=%v)", rec, ok)
	}
}

func TestRuntime_RunOnceFailures(t *testing.T) {
	clock := locktest.NewManualClock(testEpoch)
	runtime := newTestRuntime(t, nil, "a", clock)
	boom := errors.New("boom")

	var sawRunID atomic.Bool
	tasks := []Task{
		{Name: "fails", Schedule: "@hourly", Run: func(context.Context) error { return boom }},
		{Name: "panics", Schedule: "@hourly", Run: func(context.Context) error { panic("kaboom") }},
		{
			Name:     "slow",
			Schedule: "@hourly",
			Timeout:  20 * time.Millisecond,
			Run: func(ctx context.Context) error {
				sawRunID.Store(logger.RunIDFromContext(ctx) != "")
				<-ctx.Done()
				return ctx.Err()
			},
		},
	}
	for _, task := range tasks {
		if err := runtime.Register(task); err != nil {
			t.Fatalf("Register(%s) error: %v", task.Name, err)
		}
	}

	ctx := context.Background()
	before := testutil.ToFloat64(schedulerRunsTotal.WithLabelValues("fails", runStatusFailed))
	if executed, err := runtime.RunOnce(ctx, "fails"); !executed || !errors.Is(err, boom) {
		t.Fatalf("expected task error, got executed=%v err=%v", executed, err)
	}
	if got := testutil.ToFloat64(schedulerRunsTotal.WithLabelValues("fails", runStatusFailed)); got != before+1 {
		t.Fatalf("expected failed counter to grow by one, got %v -> %v", before, got)
	}

	for i := 0; i < 2; i++ {
		// A panic must not leave the lock held.
		if _, err := runtime.RunOnce(ctx, "panics"); err == nil || !strings.Contains(err.Error(), "kaboom") {
			t.Fatalf("expected recovered panic, got %v", err)
		}
	}

	if _, err := runtime.RunOnce(ctx, "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !sawRunID.Load() {
		t.Fatal("expected run id in task context")
	}

	if _, err := runtime.RunOnce(ctx, "missing"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown task, got %v", err)
	}
}

func TestRuntime_StartRunsTasksUntilCancelled(t *testing.T) {
	runtime := newTestRuntime(t, nil, "a", lock.SystemClock)

	var runs atomic.Int32
	done := make(chan struct{})
	var once sync.Once
	if err := runtime.Register(Task{
		Name:     "tick",
		Schedule: "@every 10ms",
		Run: func(context.Context) error {
			if runs.Add(1) >= 3 {
				once.Do(func() { close(done) })
			}
			return nil
		},
	}); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runtime.Start(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected at least 3 runs, got %d", runs.Load())
	}

	if err := runtime.Start(ctx); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on second Start, got %v", err)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if err := runtime.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after shutdown error: %v", err)
	}
}

func TestRuntime_StartWithoutTasks(t *testing.T) {
	runtime := newTestRuntime(t, nil, "a", lock.SystemClock)
	if err := runtime.Start(context.Background()); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRuntime_ReplicasExecuteEachSlotOnce(t *testing.T) {
	store := memory.NewStore()
	replicas := []*Runtime{
		newTestRuntime(t, store, "replica-a", lock.SystemClock),
		newTestRuntime(t, store, "replica-b", lock.SystemClock),
		newTestRuntime(t, store, "replica-c", lock.SystemClock),
	}

	var runs atomic.Int32
	for _, replica := range replicas {
		if err := replica.Register(Task{
			Name:           "singleton",
			Schedule:       "@every 5ms",
			LockAtMostFor:  time.Hour,
			LockAtLeastFor: time.Hour,
			Run: func(context.Context) error {
				runs.Add(1)
				return nil
			},
		}); err != nil {
			t.Fatalf("Register error: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, replica := range replicas {
		wg.Add(1)
		go func(r *Runtime) {
			defer wg.Done()
			_ = r.Start(ctx)
		}(replica)
	}

	time.Sleep(150 * time.Millisecond)
	cancel()
	wg.Wait()

	if got := runs.Load(); got != 1 {
		t.Fatalf("expected exactly one execution while lockAtLeastFor holds, got %d", got)
	}
}
