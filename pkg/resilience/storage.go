package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/nimlock/pkg/lock"
	"github.com/nimburion/nimlock/pkg/observability/logger"
)

// Storage is the lock storage shape guarded by GuardedStorage.
type Storage interface {
	lock.StorageAccessor
	HealthCheck(ctx context.Context) error
	Close() error
}

// StorageConfig configures GuardedStorage.
type StorageConfig struct {
	MaxFailures      int
	OpenFor          time.Duration
	OperationTimeout time.Duration
}

const (
	defaultMaxFailures = 5
	defaultOpenFor     = 30 * time.Second
)

func (c *StorageConfig) normalize() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = defaultMaxFailures
	}
	if c.OpenFor <= 0 {
		c.OpenFor = defaultOpenFor
	}
}

// GuardedStorage fails acquisitions fast while its storage keeps erroring and bounds every
// call with OperationTimeout. Contention is a success for the breaker.
type GuardedStorage struct {
	inner   Storage
	config  StorageConfig
	breaker *CircuitBreaker
	log     logger.Logger
}

// NewGuardedStorage wraps inner. The breaker options are mostly useful for tests.
func NewGuardedStorage(inner Storage, cfg StorageConfig, log logger.Logger, opts ...BreakerOption) (*GuardedStorage, error) {
	if inner == nil {
		return nil, errors.New("guarded storage requires a storage")
	}
	if log == nil {
		log = logger.NewNop()
	}
	cfg.normalize()
	g := &GuardedStorage{inner: inner, config: cfg, log: log}
	hook := WithTransitionHook(func(from, to State) {
		g.log.Warn("lock storage circuit breaker changed state", "from", from.String(), "to", to.String())
	})
	g.breaker = NewCircuitBreaker(cfg.MaxFailures, cfg.OpenFor, append([]BreakerOption{hook}, opts...)...)
	return g, nil
}

// Breaker exposes the breaker for diagnostics.
func (g *GuardedStorage) Breaker() *CircuitBreaker {
	return g.breaker
}

// InsertRecord implements lock.StorageAccessor.
func (g *GuardedStorage) InsertRecord(ctx context.Context, cfg lock.Configuration) (bool, error) {
	return g.guarded(ctx, "insert", func(ctx context.Context) (bool, error) {
		return g.inner.InsertRecord(ctx, cfg)
	})
}

// UpdateRecord implements lock.StorageAccessor.
func (g *GuardedStorage) UpdateRecord(ctx context.Context, cfg lock.Configuration) (bool, error) {
	return g.guarded(ctx, "update", func(ctx context.Context) (bool, error) {
		return g.inner.UpdateRecord(ctx, cfg)
	})
}

// Extend implements lock.StorageAccessor.
func (g *GuardedStorage) Extend(ctx context.Context, cfg lock.Configuration) (bool, error) {
	return g.guarded(ctx, "extend", func(ctx context.Context) (bool, error) {
		return g.inner.Extend(ctx, cfg)
	})
}

// Unlock is attempted even while the breaker is open; a rejected unlock would only keep the
// lock held until lockAtMostUntil.
func (g *GuardedStorage) Unlock(ctx context.Context, cfg lock.Configuration) error {
	err := WithTimeout(ctx, g.config.OperationTimeout, func(ctx context.Context) error {
		return g.inner.Unlock(ctx, cfg)
	})
	g.record(ctx, err)
	return err
}

// HealthCheck reports the storage as unhealthy while the breaker is open.
func (g *GuardedStorage) HealthCheck(ctx context.Context) error {
	if err := g.inner.HealthCheck(ctx); err != nil {
		return err
	}
	if g.breaker.State() == StateOpen {
		return ErrCircuitBreakerOpen
	}
	return nil
}

// Close closes the wrapped storage.
func (g *GuardedStorage) Close() error {
	return g.inner.Close()
}

func (g *GuardedStorage) guarded(ctx context.Context, op string, fn func(context.Context) (bool, error)) (bool, error) {
	if !g.breaker.Allow() {
		return false, fmt.Errorf("%s: %w", op, ErrCircuitBreakerOpen)
	}
	var ok bool
	err := WithTimeout(ctx, g.config.OperationTimeout, func(ctx context.Context) error {
		var err error
		ok, err = fn(ctx)
		return err
	})
	g.record(ctx, err)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// record ignores errors that say nothing about the storage's health.
func (g *GuardedStorage) record(ctx context.Context, err error) {
	switch {
	case err == nil:
		g.breaker.Record(nil)
	case errors.Is(err, lock.ErrUnsupported):
	case ctx.Err() != nil:
	default:
		g.breaker.Record(err)
	}
}
