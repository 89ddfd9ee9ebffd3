package locktest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimburion/nimlock/pkg/lock"
)

// Harness wires a storage implementation into RunStorageAccessorSuite.
type Harness struct {
	// Clock drives every accessor returned by New.
	Clock *ManualClock
	// New returns an accessor writing holder as locked_by. Accessors created by one
	// harness must share the same backing store.
	New func(t *testing.T, holder string) lock.StorageAccessor
	// Advance, when set, is called alongside Clock.Advance so backends with their own
	// notion of time (for example key expiry) can follow.
	Advance func(d time.Duration)
	// SkipExtend disables the extension cases for storages returning lock.ErrUnsupported.
	SkipExtend bool
}

var suiteSeq atomic.Int64

func (h Harness) advance(d time.Duration) {
	h.Clock.Advance(d)
	if h.Advance != nil {
		h.Advance(d)
	}
}

func (h Harness) config(t *testing.T, name string, most, least time.Duration) lock.Configuration {
	t.Helper()
	cfg, err := lock.NewConfiguration(h.Clock.Now(), name, most, least)
	if err != nil {
		t.Fatalf("configuration: %v", err)
	}
	return cfg
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), suiteSeq.Add(1))
}

// RunStorageAccessorSuite verifies the storage contract and the engine properties on top of it.
func RunStorageAccessorSuite(t *testing.T, h Harness) {
	t.Helper()
	if h.Clock == nil || h.New == nil {
		t.Fatal("harness requires Clock and New")
	}

	t.Run("insert is exclusive", func(t *testing.T) {
		storage := h.New(t, "node-a")
		name := uniqueName("insert")
		ctx := context.Background()

		inserted, err := storage.InsertRecord(ctx, h.config(t, name, time.Minute, 0))
		if err != nil || !inserted {
			t.Fatalf("expected first insert to succeed, got inserted=%v err=%v", inserted, err)
		}
		inserted, err = storage.InsertRecord(ctx, h.config(t, name, time.Minute, 0))
		if err != nil {
			t.Fatalf("duplicate insert must not error, got %v", err)
		}
		if inserted {
			t.Fatal("expected duplicate insert to report false")
		}
	})

	t.Run("update only takes over expired leases", func(t *testing.T) {
		a := h.New(t, "node-a")
		b := h.New(t, "node-b")
		name := uniqueName("update")
		ctx := context.Background()

		if ok, err := a.InsertRecord(ctx, h.config(t, name, 10*time.Second, 0)); err != nil || !ok {
			t.Fatalf("insert failed: ok=%v err=%v", ok, err)
		}
		if ok, err := b.UpdateRecord(ctx, h.config(t, name, 10*time.Second, 0)); err != nil || ok {
			t.Fatalf("expected update of live lease to fail, got ok=%v err=%v", ok, err)
		}
		h.advance(11 * time.Second)
		if ok, err := b.UpdateRecord(ctx, h.config(t, name, 10*time.Second, 0)); err != nil || !ok {
			t.Fatalf("expected update of expired lease to succeed, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("mutual exclusion and lease recovery", func(t *testing.T) {
		pa := newProvider(t, h, "node-a")
		pb := newProvider(t, h, "node-b")
		name := uniqueName("exclusive")
		ctx := context.Background()

		ha, ok, err := pa.Acquire(ctx, h.config(t, name, 5*time.Second, 0))
		if err != nil || !ok {
			t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
		}
		if _, ok, err := pb.Acquire(ctx, h.config(t, name, 5*time.Second, 0)); err != nil || ok {
			t.Fatalf("expected second acquire to fail, got ok=%v err=%v", ok, err)
		}
		// Holder crashed: the handle is never unlocked.
		_ = ha
		h.advance(6 * time.Second)
		hb, ok, err := pb.Acquire(ctx, h.config(t, name, 5*time.Second, 0))
		if err != nil || !ok {
			t.Fatalf("expected recovery after lockAtMostFor, got ok=%v err=%v", ok, err)
		}
		if err := hb.Unlock(ctx); err != nil {
			t.Fatalf("unlock: %v", err)
		}
	})

	t.Run("minimum hold survives early unlock", func(t *testing.T) {
		pa := newProvider(t, h, "node-a")
		pb := newProvider(t, h, "node-b")
		name := uniqueName("least")
		ctx := context.Background()

		ha, ok, err := pa.Acquire(ctx, h.config(t, name, 10*time.Second, 2*time.Second))
		if err != nil || !ok {
			t.Fatalf("acquire: ok=%v err=%v", ok, err)
		}
		h.advance(500 * time.Millisecond)
		if err := ha.Unlock(ctx); err != nil {
			t.Fatalf("unlock: %v", err)
		}
		h.advance(time.Second)
		if _, ok, err := pb.Acquire(ctx, h.config(t, name, 10*time.Second, 0)); err != nil || ok {
			t.Fatalf("expected lock to be held until lockAtLeastUntil, got ok=%v err=%v", ok, err)
		}
		h.advance(time.Second)
		if _, ok, err := pb.Acquire(ctx, h.config(t, name, 10*time.Second, 0)); err != nil || !ok {
			t.Fatalf("expected acquire after lockAtLeastUntil, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("unlock frees the lock and is idempotent", func(t *testing.T) {
		p := newProvider(t, h, "node-a")
		name := uniqueName("release")
		ctx := context.Background()

		handle, ok, err := p.Acquire(ctx, h.config(t, name, time.Minute, 0))
		if err != nil || !ok {
			t.Fatalf("acquire: ok=%v err=%v", ok, err)
		}
		h.advance(time.Second)
		if err := handle.Unlock(ctx); err != nil {
			t.Fatalf("first unlock: %v", err)
		}
		h.advance(time.Millisecond)
		second, ok, err := p.Acquire(ctx, h.config(t, name, time.Minute, 0))
		if err != nil || !ok {
			t.Fatalf("expected reacquire after unlock, got ok=%v err=%v", ok, err)
		}
		if err := handle.Unlock(ctx); err != nil {
			t.Fatalf("second unlock of stale handle must be a no-op, got %v", err)
		}
		other := newProvider(t, h, "node-b")
		if _, ok, err := other.Acquire(ctx, h.config(t, name, time.Minute, 0)); err != nil || ok {
			t.Fatalf("stale unlock must not release the new lease, got ok=%v err=%v", ok, err)
		}
		if err := second.Unlock(ctx); err != nil {
			t.Fatalf("unlock: %v", err)
		}
	})

	if h.SkipExtend {
		return
	}

	t.Run("extend by holder", func(t *testing.T) {
		pa := newProvider(t, h, "node-a")
		pb := newProvider(t, h, "node-b")
		name := uniqueName("extend")
		ctx := context.Background()

		handle, ok, err := pa.Acquire(ctx, h.config(t, name, 5*time.Second, 0))
		if err != nil || !ok {
			t.Fatalf("acquire: ok=%v err=%v", ok, err)
		}
		h.advance(4 * time.Second)
		extended, ok, err := handle.Extend(ctx, 10*time.Second, 0)
		if err != nil || !ok {
			t.Fatalf("expected extend to succeed, got ok=%v err=%v", ok, err)
		}
		h.advance(5 * time.Second)
		if _, ok, err := pb.Acquire(ctx, h.config(t, name, 5*time.Second, 0)); err != nil || ok {
			t.Fatalf("expected extended lease to hold, got ok=%v err=%v", ok, err)
		}
		if err := extended.Unlock(ctx); err != nil {
			t.Fatalf("unlock: %v", err)
		}
	})

	t.Run("extend fails for foreign or expired lease", func(t *testing.T) {
		a := h.New(t, "node-a")
		b := h.New(t, "node-b")
		name := uniqueName("extend-foreign")
		ctx := context.Background()

		if ok, err := a.InsertRecord(ctx, h.config(t, name, 5*time.Second, 0)); err != nil || !ok {
			t.Fatalf("insert: ok=%v err=%v", ok, err)
		}
		if ok, err := b.Extend(ctx, h.config(t, name, 5*time.Second, 0)); err != nil || ok {
			t.Fatalf("expected foreign extend to fail, got ok=%v err=%v", ok, err)
		}
		h.advance(6 * time.Second)
		if ok, err := a.Extend(ctx, h.config(t, name, 5*time.Second, 0)); err != nil || ok {
			t.Fatalf("expected extend of expired lease to fail, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		p := newProvider(t, h, "node-a")
		name := uniqueName("roundtrip")
		ctx := context.Background()

		handle, ok, err := p.Acquire(ctx, h.config(t, name, 10*time.Second, 0))
		if err != nil || !ok {
			t.Fatalf("acquire: ok=%v err=%v", ok, err)
		}
		h.advance(2 * time.Second)
		extended, ok, err := handle.Extend(ctx, 10*time.Second, 0)
		if err != nil || !ok {
			t.Fatalf("extend: ok=%v err=%v", ok, err)
		}
		if want := h.Clock.Now().Add(10 * time.Second); !extended.Configuration().LockAtMostUntil().Equal(want) {
			t.Fatalf("expected extended lockAtMostUntil %s, got %s", want, extended.Configuration().LockAtMostUntil())
		}
		if err := extended.Unlock(ctx); err != nil {
			t.Fatalf("unlock: %v", err)
		}
		h.advance(time.Millisecond)
		again, ok, err := p.Acquire(ctx, h.config(t, name, 10*time.Second, 0))
		if err != nil || !ok {
			t.Fatalf("expected reacquire, got ok=%v err=%v", ok, err)
		}
		if err := again.Unlock(ctx); err != nil {
			t.Fatalf("unlock: %v", err)
		}
	})
}

func newProvider(t *testing.T, h Harness, holder string) *lock.StorageBasedProvider {
	t.Helper()
	p, err := lock.NewStorageBasedProvider(h.New(t, holder), lock.WithClock(h.Clock))
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	return p
}

