package lock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/nimlock/pkg/lock"
)

func TestAssertLocked(t *testing.T) {
	if err := lock.AssertLocked(context.Background()); !errors.Is(err, lock.ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked outside a locked section, got %v", err)
	}
	if err := lock.AssertLocked(lock.WithAssertsPassing(context.Background())); err != nil {
		t.Fatalf("expected assertion to pass in test mode, got %v", err)
	}
}

func TestMustAssertLockedPanics(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, lock.ErrNotLocked) {
			t.Fatalf("expected ErrNotLocked panic, got %v", r)
		}
	}()
	lock.MustAssertLocked(context.Background())
}

func TestAssertLockedAfterSectionEnds(t *testing.T) {
	f := newFixture(t)
	executor := newExecutor(t, f.provider)
	var leaked context.Context

	err := executor.ExecuteWithLock(context.Background(), func(ctx context.Context) error {
		leaked = ctx
		return nil
	}, f.config(t, "job", time.Minute, 0))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := lock.AssertLocked(context.Background()); err == nil {
		t.Fatal("parent context must not be marked as locked")
	}
	if lock.IsHeld(leaked, "other") {
		t.Fatal("only the executed lock name is held")
	}
}

func TestExtendActiveLock(t *testing.T) {
	f := newFixture(t)
	executor := newExecutor(t, f.provider)
	other := f.otherProvider(t, "node-b")

	err := executor.ExecuteWithLock(context.Background(), func(ctx context.Context) error {
		f.clock.Advance(4 * time.Second)
		ok, err := lock.ExtendActiveLock(ctx, 20*time.Second, 0)
		if err != nil || !ok {
			t.Fatalf("extend active lock: ok=%v err=%v", ok, err)
		}
		f.clock.Advance(10 * time.Second)
		if _, ok, err := other.Acquire(ctx, f.config(t, "job", 5*time.Second, 0)); err != nil || ok {
			t.Fatalf("extended lock must still be held, got ok=%v err=%v", ok, err)
		}
		return nil
	}, f.config(t, "job", 5*time.Second, 0))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, ok, err := other.Acquire(context.Background(), f.config(t, "job", 5*time.Second, 0)); err != nil || !ok {
		t.Fatalf("expected lock free after task, got ok=%v err=%v", ok, err)
	}
}

func TestExtendActiveLockWithoutLock(t *testing.T) {
	if _, err := lock.ExtendActiveLock(context.Background(), time.Minute, 0); !errors.Is(err, lock.ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}
}
