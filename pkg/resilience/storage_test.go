package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/nimlock/pkg/lock"
	"github.com/nimburion/nimlock/pkg/lock/locktest"
	"github.com/nimburion/nimlock/pkg/observability/logger"
	"github.com/nimburion/nimlock/pkg/store/memory"
)

// flakyStorage fails every call while err is set.
type flakyStorage struct {
	*memory.Accessor
	err   error
	calls int
}

func (f *flakyStorage) InsertRecord(ctx context.Context, cfg lock.Configuration) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.Accessor.InsertRecord(ctx, cfg)
}

func (f *flakyStorage) UpdateRecord(ctx context.Context, cfg lock.Configuration) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.Accessor.UpdateRecord(ctx, cfg)
}

func (f *flakyStorage) Unlock(ctx context.Context, cfg lock.Configuration) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return f.Accessor.Unlock(ctx, cfg)
}

func TestGuardedStorage_Contract(t *testing.T) {
	clock := locktest.NewManualClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	shared := memory.NewStore()

	locktest.RunStorageAccessorSuite(t, locktest.Harness{
		Clock: clock,
		New: func(t *testing.T, holder string) lock.StorageAccessor {
			g, err := NewGuardedStorage(memory.New(shared, holder, clock), StorageConfig{OperationTimeout: time.Second}, logger.NewNop())
			if err != nil {
				t.Fatalf("new guarded storage: %v", err)
			}
			return g
		},
	})
}

func TestGuardedStorage_FailsFastWhileOpen(t *testing.T) {
	clock := locktest.NewManualClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	inner := &flakyStorage{Accessor: memory.New(nil, "node-a", clock), err: errBackend}
	g, err := NewGuardedStorage(inner, StorageConfig{MaxFailures: 2, OpenFor: time.Minute}, logger.NewNop(), WithNow(clock.Now))
	if err != nil {
		t.Fatalf("new guarded storage: %v", err)
	}
	ctx := context.Background()
	cfg, err := lock.NewConfiguration(clock.Now(), "report", time.Minute, 0)
	if err != nil {
		t.Fatalf("configuration: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := g.InsertRecord(ctx, cfg); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: expected backend error, got %v", i, err)
		}
	}
	if _, err := g.UpdateRecord(ctx, cfg); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("open breaker must not reach the storage, got %d calls", inner.calls)
	}
	if err := g.HealthCheck(ctx); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected unhealthy while open, got %v", err)
	}

	// unlock is attempted regardless
	_ = g.Unlock(ctx, cfg)
	if inner.calls != 3 {
		t.Fatalf("unlock must reach the storage while open, got %d calls", inner.calls)
	}

	inner.err = nil
	clock.Advance(time.Minute)
	ok, err := g.InsertRecord(ctx, cfg)
	if err != nil || !ok {
		t.Fatalf("probe insert: ok=%v err=%v", ok, err)
	}
	if g.Breaker().State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", g.Breaker().State())
	}
	if err := g.HealthCheck(ctx); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
}

func TestGuardedStorage_ContentionAndUnsupportedAreNotFailures(t *testing.T) {
	clock := locktest.NewManualClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	shared := memory.NewStore()
	newGuarded := func(holder string) *GuardedStorage {
		g, err := NewGuardedStorage(memory.New(shared, holder, clock), StorageConfig{MaxFailures: 1}, logger.NewNop())
		if err != nil {
			t.Fatalf("new guarded storage: %v", err)
		}
		return g
	}
	a, b := newGuarded("a"), newGuarded("b")
	ctx := context.Background()
	cfg, err := lock.NewConfiguration(clock.Now(), "sync", time.Minute, 0)
	if err != nil {
		t.Fatalf("configuration: %v", err)
	}

	if ok, err := a.InsertRecord(ctx, cfg); err != nil || !ok {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}
	if ok, err := b.InsertRecord(ctx, cfg); err != nil || ok {
		t.Fatalf("contended insert: ok=%v err=%v", ok, err)
	}
	if b.Breaker().State() != StateClosed {
		t.Fatal("contention must not trip the breaker")
	}

	b.record(ctx, lock.ErrUnsupported)
	if b.Breaker().State() != StateClosed {
		t.Fatal("unsupported operations must not trip the breaker")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	b.record(cancelled, context.Canceled)
	if b.Breaker().State() != StateClosed {
		t.Fatal("caller cancellation must not trip the breaker")
	}
}

func TestNewGuardedStorage_Validation(t *testing.T) {
	if _, err := NewGuardedStorage(nil, StorageConfig{}, nil); err == nil {
		t.Fatal("expected error for nil storage")
	}
	g, err := NewGuardedStorage(memory.New(nil, "a", nil), StorageConfig{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.config.MaxFailures != defaultMaxFailures || g.config.OpenFor != defaultOpenFor {
		t.Fatalf("unexpected defaults %+v", g.config)
	}
}
