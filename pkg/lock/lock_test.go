package lock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/nimlock/pkg/lock"
	"github.com/nimburion/nimlock/pkg/lock/locktest"
	"github.com/nimburion/nimlock/pkg/store/memory"
)

var testEpoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// scriptedStorage wraps a memory accessor with call counters and injectable failures.
type scriptedStorage struct {
	inner *memory.Accessor

	mu          sync.Mutex
	insertCalls int
	updateCalls int
	extendCalls int
	unlockCalls int
	insertErr   error
	updateErr   error
	extendErr   error
	unlockErr   error
}

func newScriptedStorage(store *memory.Store, holder string, clock lock.Clock) *scriptedStorage {
	return &scriptedStorage{inner: memory.New(store, holder, clock)}
}

func (s *scriptedStorage) InsertRecord(ctx context.Context, cfg lock.Configuration) (bool, error) {
	s.mu.Lock()
	s.insertCalls++
	err := s.insertErr
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.inner.InsertRecord(ctx, cfg)
}

func (s *scriptedStorage) UpdateRecord(ctx context.Context, cfg lock.Configuration) (bool, error) {
	s.mu.Lock()
	s.updateCalls++
	err := s.updateErr
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.inner.UpdateRecord(ctx, cfg)
}

func (s *scriptedStorage) Extend(ctx context.Context, cfg lock.Configuration) (bool, error) {
	s.mu.Lock()
	s.extendCalls++
	err := s.extendErr
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.inner.Extend(ctx, cfg)
}

func (s *scriptedStorage) Unlock(ctx context.Context, cfg lock.Configuration) error {
	s.mu.Lock()
	s.unlockCalls++
	err := s.unlockErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.inner.Unlock(ctx, cfg)
}

func (s *scriptedStorage) calls() (insert, update, extend, unlock int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertCalls, s.updateCalls, s.extendCalls, s.unlockCalls
}

type fixture struct {
	clock    *locktest.ManualClock
	store    *memory.Store
	storage  *scriptedStorage
	provider *lock.StorageBasedProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := locktest.NewManualClock(testEpoch)
	store := memory.NewStore()
	storage := newScriptedStorage(store, "node-a", clock)
	provider, err := lock.NewStorageBasedProvider(storage, lock.WithClock(clock))
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	return &fixture{clock: clock, store: store, storage: storage, provider: provider}
}

func (f *fixture) otherProvider(t *testing.T, holder string) *lock.StorageBasedProvider {
	t.Helper()
	provider, err := lock.NewStorageBasedProvider(memory.New(f.store, holder, f.clock), lock.WithClock(f.clock))
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	return provider
}

func (f *fixture) config(t *testing.T, name string, most, least time.Duration) lock.Configuration {
	t.Helper()
	cfg, err := lock.NewConfiguration(f.clock.Now(), name, most, least)
	if err != nil {
		t.Fatalf("configuration: %v", err)
	}
	return cfg
}

func TestNewConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		lock    string
		most    time.Duration
		least   time.Duration
		wantErr bool
	}{
		{name: "valid", lock: "report", most: time.Minute, least: 10 * time.Second},
		{name: "least equal to most", lock: "report", most: time.Minute, least: time.Minute},
		{name: "name is trimmed", lock: "  report  ", most: time.Minute},
		{name: "empty name", lock: "", most: time.Minute, wantErr: true},
		{name: "blank name", lock: "   ", most: time.Minute, wantErr: true},
		{name: "zero most", lock: "report", most: 0, wantErr: true},
		{name: "negative least", lock: "report", most: time.Minute, least: -time.Second, wantErr: true},
		{name: "least longer than most", lock: "report", most: time.Second, least: time.Minute, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := lock.NewConfiguration(testEpoch, tt.lock, tt.most, tt.least)
			if tt.wantErr {
				if !errors.Is(err, lock.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Name() != "report" {
				t.Fatalf("expected trimmed name, got %q", cfg.Name())
			}
			if cfg.LockAtLeastUntil().After(cfg.LockAtMostUntil()) {
				t.Fatal("lockAtLeastUntil must not exceed lockAtMostUntil")
			}
		})
	}
}

func TestConfigurationInstants(t *testing.T) {
	cfg, err := lock.NewConfiguration(testEpoch.Add(123456*time.Nanosecond), "report", time.Minute, 10*time.Second)
	if err != nil {
		t.Fatalf("configuration: %v", err)
	}
	if !cfg.CreatedAt().Equal(testEpoch) {
		t.Fatalf("expected createdAt truncated to milliseconds, got %s", cfg.CreatedAt())
	}
	if want := testEpoch.Add(time.Minute); !cfg.LockAtMostUntil().Equal(want) {
		t.Fatalf("expected lockAtMostUntil %s, got %s", want, cfg.LockAtMostUntil())
	}
	if want := testEpoch.Add(10 * time.Second); !cfg.LockAtLeastUntil().Equal(want) {
		t.Fatalf("expected lockAtLeastUntil %s, got %s", want, cfg.LockAtLeastUntil())
	}
	if got := cfg.UnlockTime(testEpoch.Add(time.Second)); !got.Equal(cfg.LockAtLeastUntil()) {
		t.Fatalf("early unlock must keep lockAtLeastUntil, got %s", got)
	}
	late := testEpoch.Add(30 * time.Second)
	if got := cfg.UnlockTime(late); !got.Equal(late) {
		t.Fatalf("late unlock must use now, got %s", got)
	}
}

func TestAcquireInsertsThenUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handle, ok, err := f.provider.Acquire(ctx, f.config(t, "job", 10*time.Second, 0))
	if err != nil || !ok || handle == nil {
		t.Fatalf("expected insert path to acquire, got ok=%v err=%v", ok, err)
	}
	if insert, update, _, _ := f.storage.calls(); insert != 1 || update != 0 {
		t.Fatalf("expected only insert to be called, got insert=%d update=%d", insert, update)
	}
	if err := handle.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	f.clock.Advance(time.Millisecond)
	if _, ok, err := f.provider.Acquire(ctx, f.config(t, "job", 10*time.Second, 0)); err != nil || !ok {
		t.Fatalf("expected update path to acquire, got ok=%v err=%v", ok, err)
	}
	if insert, update, _, _ := f.storage.calls(); insert != 2 || update != 1 {
		t.Fatalf("expected insert then update, got insert=%d update=%d", insert, update)
	}
}

func TestAcquireContended(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := f.otherProvider(t, "node-b")

	if _, ok, err := other.Acquire(ctx, f.config(t, "job", 10*time.Second, 0)); err != nil || !ok {
		t.Fatalf("expected other node to acquire, got ok=%v err=%v", ok, err)
	}
	handle, ok, err := f.provider.Acquire(ctx, f.config(t, "job", 10*time.Second, 0))
	if err != nil {
		t.Fatalf("contention must not be an error, got %v", err)
	}
	if ok || handle != nil {
		t.Fatal("expected empty result under contention")
	}
}

func TestAcquireWrapsStorageErrors(t *testing.T) {
	backendErr := errors.New("connection reset")
	tests := []struct {
		name  string
		setup func(s *scriptedStorage)
	}{
		{name: "insert failure", setup: func(s *scriptedStorage) { s.insertErr = backendErr }},
		{name: "update failure", setup: func(s *scriptedStorage) { s.updateErr = backendErr }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			if tt.name == "update failure" {
				if _, ok, err := f.otherProvider(t, "node-b").Acquire(ctx, f.config(t, "job", time.Minute, 0)); err != nil || !ok {
					t.Fatalf("seed acquire: ok=%v err=%v", ok, err)
				}
			}
			tt.setup(f.storage)

			_, ok, err := f.provider.Acquire(ctx, f.config(t, "job", time.Minute, 0))
			if ok {
				t.Fatal("expected acquisition to fail")
			}
			if !errors.Is(err, lock.ErrStorage) || !errors.Is(err, backendErr) {
				t.Fatalf("expected storage error wrapping backend error, got %v", err)
			}
			insert, update, _, _ := f.storage.calls()
			if insert+update > 2 {
				t.Fatalf("storage errors must not be retried, got insert=%d update=%d", insert, update)
			}
		})
	}
}

func TestNewStorageBasedProviderRequiresStorage(t *testing.T) {
	if _, err := lock.NewStorageBasedProvider(nil); !errors.Is(err, lock.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	f := newFixture(t)
	if _, _, err := f.provider.Acquire(context.Background(), lock.Configuration{}); !errors.Is(err, lock.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for zero configuration, got %v", err)
	}
}

func TestUnlockIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handle, ok, err := f.provider.Acquire(ctx, f.config(t, "job", time.Minute, 0))
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := handle.Unlock(ctx); err != nil {
				t.Errorf("unlock: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, _, _, unlock := f.storage.calls(); unlock != 1 {
		t.Fatalf("expected exactly one storage unlock, got %d", unlock)
	}
}

func TestUnlockReportsStorageFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handle, ok, err := f.provider.Acquire(ctx, f.config(t, "job", time.Minute, 0))
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	f.storage.unlockErr = errors.New("timeout")
	if err := handle.Unlock(ctx); !errors.Is(err, lock.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if err := handle.Unlock(ctx); err != nil {
		t.Fatalf("second unlock must be a no-op, got %v", err)
	}
}

func TestExtend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handle, ok, err := f.provider.Acquire(ctx, f.config(t, "job", 5*time.Second, 0))
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	f.clock.Advance(3 * time.Second)
	extended, ok, err := handle.Extend(ctx, 10*time.Second, 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("extend: ok=%v err=%v", ok, err)
	}
	if want := f.clock.Now().Add(10 * time.Second); !extended.Configuration().LockAtMostUntil().Equal(want) {
		t.Fatalf("expected new lockAtMostUntil %s, got %s", want, extended.Configuration().LockAtMostUntil())
	}
	if handle.Configuration().Name() != extended.Configuration().Name() {
		t.Fatal("extended handle must keep the lock name")
	}

	// The original handle stays usable.
	if err := handle.Unlock(ctx); err != nil {
		t.Fatalf("unlock original handle: %v", err)
	}
	if _, _, err := handle.Extend(ctx, time.Second, 0); !errors.Is(err, lock.ErrReleased) {
		t.Fatalf("expected ErrReleased when extending a released handle, got %v", err)
	}
}

func TestExtendAfterLeaseLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handle, ok, err := f.provider.Acquire(ctx, f.config(t, "job", 5*time.Second, 0))
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	f.clock.Advance(6 * time.Second)
	if _, ok, err := f.otherProvider(t, "node-b").Acquire(ctx, f.config(t, "job", 5*time.Second, 0)); err != nil || !ok {
		t.Fatalf("expected takeover, got ok=%v err=%v", ok, err)
	}

	extended, ok, err := handle.Extend(ctx, 5*time.Second, 0)
	if err != nil {
		t.Fatalf("lost lease must not be an error, got %v", err)
	}
	if ok || extended != nil {
		t.Fatal("expected empty result for lost lease")
	}
}

func TestExtendRejectsInvalidDurations(t *testing.T) {
	f := newFixture(t)
	handle, ok, err := f.provider.Acquire(context.Background(), f.config(t, "job", 5*time.Second, 0))
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if _, _, err := handle.Extend(context.Background(), time.Second, time.Minute); !errors.Is(err, lock.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, _, extend, _ := f.storage.calls(); extend != 0 {
		t.Fatal("validation failure must not reach storage")
	}
}

func TestConcurrentAcquireHasSingleWinner(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, "job", time.Minute, 0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 12; i++ {
		provider := f.otherProvider(t, nodeName(i%3))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := provider.Acquire(context.Background(), cfg)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}
