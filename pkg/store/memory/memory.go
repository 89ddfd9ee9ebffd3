// Package memory implements an in-process lock storage. Several accessors sharing one Store
// behave like separate processes sharing a database, which makes it the reference backend
// for tests and single-binary deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nimburion/nimlock/pkg/lock"
)

// Store holds lock records keyed by name.
type Store struct {
	mu      sync.Mutex
	records map[string]lock.Record
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]lock.Record)}
}

// Record returns a copy of the record for name.
func (s *Store) Record(name string) (lock.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	return rec, ok
}

// Records returns a snapshot of all records ordered by name.
func (s *Store) Records() []lock.Record {
	s.mu.Lock()
	out := make([]lock.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Accessor is a lock.StorageAccessor bound to one holder identity.
type Accessor struct {
	store  *Store
	holder string
	clock  lock.Clock
}

// New returns an accessor over store. A nil store gets a private one, a nil clock the system clock.
func New(store *Store, holder string, clock lock.Clock) *Accessor {
	if store == nil {
		store = NewStore()
	}
	if clock == nil {
		clock = lock.SystemClock
	}
	return &Accessor{store: store, holder: lock.HolderOrDefault(holder), clock: clock}
}

// Store returns the backing store.
func (a *Accessor) Store() *Store {
	return a.store
}

// InsertRecord implements lock.StorageAccessor.
func (a *Accessor) InsertRecord(ctx context.Context, cfg lock.Configuration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	if _, exists := a.store.records[cfg.Name()]; exists {
		return false, nil
	}
	a.store.records[cfg.Name()] = a.newRecord(cfg)
	return true, nil
}

// UpdateRecord implements lock.StorageAccessor.
func (a *Accessor) UpdateRecord(ctx context.Context, cfg lock.Configuration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	rec, exists := a.store.records[cfg.Name()]
	if !exists || rec.LockUntil.After(a.clock.Now()) {
		return false, nil
	}
	a.store.records[cfg.Name()] = a.newRecord(cfg)
	return true, nil
}

// Extend implements lock.StorageAccessor.
func (a *Accessor) Extend(ctx context.Context, cfg lock.Configuration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	rec, exists := a.store.records[cfg.Name()]
	if !exists || rec.LockedBy != a.holder || !rec.LockUntil.After(a.clock.Now()) {
		return false, nil
	}
	rec.LockUntil = cfg.LockAtMostUntil()
	a.store.records[cfg.Name()] = rec
	return true, nil
}

// Unlock implements lock.StorageAccessor.
func (a *Accessor) Unlock(ctx context.Context, cfg lock.Configuration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	rec, exists := a.store.records[cfg.Name()]
	if !exists {
		return nil
	}
	rec.LockUntil = cfg.UnlockTime(a.clock.Now())
	a.store.records[cfg.Name()] = rec
	return nil
}

// HealthCheck always succeeds.
func (a *Accessor) HealthCheck(context.Context) error {
	return nil
}

// Close is a no-op.
func (a *Accessor) Close() error {
	return nil
}

func (a *Accessor) newRecord(cfg lock.Configuration) lock.Record {
	return lock.Record{
		Name:      cfg.Name(),
		LockUntil: cfg.LockAtMostUntil(),
		LockedAt:  a.clock.Now(),
		LockedBy:  a.holder,
	}
}
