package lock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimburion/nimlock/pkg/observability/logger"
)

const defaultMinimumLockAtMostFor = 30 * time.Second

// KeepAliveOption customizes a KeepAliveProvider.
type KeepAliveOption func(*KeepAliveProvider)

// WithMinimumLockAtMostFor sets the shortest lease the provider accepts.
func WithMinimumLockAtMostFor(d time.Duration) KeepAliveOption {
	return func(p *KeepAliveProvider) {
		p.minimumLockAtMostFor = d
	}
}

// KeepAliveProvider extends every acquired lease at half of its lockAtMostFor until the
// handle is unlocked, so long tasks keep their lock while a crashed process still loses it.
type KeepAliveProvider struct {
	provider             Provider
	clock                Clock
	log                  logger.Logger
	minimumLockAtMostFor time.Duration
}

// NewKeepAliveProvider wraps provider. The wrapped provider must hand out extendable handles.
func NewKeepAliveProvider(provider Provider, log logger.Logger, opts ...KeepAliveOption) (*KeepAliveProvider, error) {
	if provider == nil {
		return nil, lockError(ErrInvalidArgument, "lock provider is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	p := &KeepAliveProvider{
		provider:             provider,
		clock:                SystemClock,
		log:                  log,
		minimumLockAtMostFor: defaultMinimumLockAtMostFor,
	}
	if clocked, ok := provider.(interface{ Clock() Clock }); ok {
		p.clock = clockOrDefault(clocked.Clock())
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Clock returns the clock of the wrapped provider.
func (p *KeepAliveProvider) Clock() Clock {
	return p.clock
}

// Acquire acquires through the wrapped provider and starts the renewal loop.
func (p *KeepAliveProvider) Acquire(ctx context.Context, cfg Configuration) (Handle, bool, error) {
	if cfg.LockAtMostFor() < p.minimumLockAtMostFor {
		return nil, false, lockError(ErrValidation, fmt.Sprintf("lockAtMostFor (%s) is shorter than the keep-alive minimum (%s) for lock %q", cfg.LockAtMostFor(), p.minimumLockAtMostFor, cfg.Name()))
	}
	handle, ok, err := p.provider.Acquire(ctx, cfg)
	if err != nil || !ok {
		return nil, ok, err
	}
	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &keepAliveHandle{
		provider: p,
		cfg:      cfg,
		current:  handle,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go h.run(renewCtx)
	return h, true, nil
}

type keepAliveHandle struct {
	provider *KeepAliveProvider
	cfg      Configuration

	mu      sync.Mutex
	current Handle

	cancel context.CancelFunc
	done   chan struct{}
	used   atomic.Bool
}

func (h *keepAliveHandle) Configuration() Configuration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current.Configuration()
}

func (h *keepAliveHandle) Unlock(ctx context.Context) error {
	if !h.used.CompareAndSwap(false, true) {
		return nil
	}
	h.cancel()
	<-h.done
	h.mu.Lock()
	current := h.current
	h.mu.Unlock()
	return current.Unlock(ctx)
}

func (h *keepAliveHandle) Extend(context.Context, time.Duration, time.Duration) (Handle, bool, error) {
	return nil, false, lockError(ErrUnsupported, "keep-alive locks are extended automatically")
}

func (h *keepAliveHandle) run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.cfg.LockAtMostFor() / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.renew(ctx) {
				return
			}
		}
	}
}

// renew reports whether the loop should keep going.
func (h *keepAliveHandle) renew(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	remaining := h.cfg.LockAtLeastUntil().Sub(h.provider.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	next, ok, err := h.current.Extend(ctx, h.cfg.LockAtMostFor(), remaining)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return false
		}
		recordRenew(h.cfg.Name(), "error")
		h.provider.log.Warn("failed to renew lock", "lock", h.cfg.Name(), "error", err)
		return true
	case !ok:
		recordRenew(h.cfg.Name(), "lost")
		h.provider.log.Warn("lock lost, stopping renewal", "lock", h.cfg.Name())
		return false
	default:
		recordRenew(h.cfg.Name(), "success")
		h.current = next
		h.provider.log.Debug("lock renewed", "lock", h.cfg.Name(), "lock_until", next.Configuration().LockAtMostUntil())
		return true
	}
}
