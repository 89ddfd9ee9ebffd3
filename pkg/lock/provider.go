package lock

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/nimlock/pkg/observability/logger"
)

// Provider hands out lock handles. Acquire returns ok=false, with a nil handle and nil error,
// when another holder owns an unexpired lease.
type Provider interface {
	Acquire(ctx context.Context, cfg Configuration) (Handle, bool, error)
}

// Option customizes a StorageBasedProvider.
type Option func(*StorageBasedProvider)

// WithClock sets the clock used to stamp extensions and releases.
func WithClock(clock Clock) Option {
	return func(p *StorageBasedProvider) {
		p.clock = clock
	}
}

// WithLogger sets the provider logger.
func WithLogger(log logger.Logger) Option {
	return func(p *StorageBasedProvider) {
		p.log = log
	}
}

// WithTracer overrides the OpenTelemetry tracer used for lock spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *StorageBasedProvider) {
		p.tracer = tracer
	}
}

// StorageBasedProvider runs the insert-then-update acquisition protocol over a StorageAccessor.
type StorageBasedProvider struct {
	storage StorageAccessor
	clock   Clock
	log     logger.Logger
	tracer  trace.Tracer
}

// NewStorageBasedProvider builds a provider for storage.
func NewStorageBasedProvider(storage StorageAccessor, opts ...Option) (*StorageBasedProvider, error) {
	if storage == nil {
		return nil, lockError(ErrInvalidArgument, "storage accessor is required")
	}
	p := &StorageBasedProvider{storage: storage}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.clock = clockOrDefault(p.clock)
	if p.log == nil {
		p.log = logger.NewNop()
	}
	return p, nil
}

// Acquire tries to insert a fresh record and, when one exists, to take over an expired one.
// Storage failures are returned as ErrStorage and never retried here.
func (p *StorageBasedProvider) Acquire(ctx context.Context, cfg Configuration) (Handle, bool, error) {
	if cfg.IsZero() {
		return nil, false, lockError(ErrInvalidArgument, "lock configuration is required")
	}
	ctx, span := startSpan(ctx, p.tracer, "acquire", cfg)
	result, err := p.acquire(ctx, cfg)
	span.SetAttributes(attribute.String("lock.result", result))
	endSpan(span, err)
	recordAcquire(cfg.Name(), result)

	switch result {
	case acquireResultInserted, acquireResultUpdated:
		p.log.Debug("lock acquired", "lock", cfg.Name(), "result", result, "lock_until", cfg.LockAtMostUntil())
		return newStorageHandle(p, cfg), true, nil
	case acquireResultContended:
		p.log.Debug("lock held elsewhere", "lock", cfg.Name())
		return nil, false, nil
	default:
		p.log.Error("lock acquisition failed", "lock", cfg.Name(), "error", err)
		return nil, false, err
	}
}

func (p *StorageBasedProvider) acquire(ctx context.Context, cfg Configuration) (string, error) {
	inserted, err := p.storage.InsertRecord(ctx, cfg)
	if err != nil {
		return acquireResultError, NewStorageError("insert", cfg.Name(), err)
	}
	if inserted {
		return acquireResultInserted, nil
	}
	updated, err := p.storage.UpdateRecord(ctx, cfg)
	if err != nil {
		return acquireResultError, NewStorageError("update", cfg.Name(), err)
	}
	if updated {
		return acquireResultUpdated, nil
	}
	return acquireResultContended, nil
}

// Clock returns the clock the provider stamps configurations with.
func (p *StorageBasedProvider) Clock() Clock {
	return p.clock
}

// Storage returns the underlying accessor.
func (p *StorageBasedProvider) Storage() StorageAccessor {
	return p.storage
}

// HealthCheck delegates to the storage when it exposes a health probe.
func (p *StorageBasedProvider) HealthCheck(ctx context.Context) error {
	checkable, ok := p.storage.(interface {
		HealthCheck(ctx context.Context) error
	})
	if !ok {
		return nil
	}
	return checkable.HealthCheck(ctx)
}
