package lock

import (
	"context"
	"sync/atomic"
	"time"
)

// Handle is the capability returned by a successful acquisition.
//
// Unlock is single-use: only the first call touches storage. Extend returns a fresh handle
// for the extended lease; the receiver remains valid for releasing the original window.
type Handle interface {
	Configuration() Configuration
	Unlock(ctx context.Context) error
	Extend(ctx context.Context, lockAtMostFor, lockAtLeastFor time.Duration) (Handle, bool, error)
}

type storageHandle struct {
	provider *StorageBasedProvider
	cfg      Configuration
	used     atomic.Bool
}

func newStorageHandle(p *StorageBasedProvider, cfg Configuration) *storageHandle {
	return &storageHandle{provider: p, cfg: cfg}
}

func (h *storageHandle) Configuration() Configuration {
	return h.cfg
}

func (h *storageHandle) Unlock(ctx context.Context) error {
	if !h.used.CompareAndSwap(false, true) {
		return nil
	}
	ctx, span := startSpan(ctx, h.provider.tracer, "unlock", h.cfg)
	err := h.provider.storage.Unlock(ctx, h.cfg)
	if err != nil {
		err = NewStorageError("unlock", h.cfg.Name(), err)
	}
	endSpan(span, err)
	recordRelease(h.cfg.Name(), statusLabel(true, err))
	if err != nil {
		h.provider.log.Warn("lock release failed", "lock", h.cfg.Name(), "error", err)
		return err
	}
	h.provider.log.Debug("lock released", "lock", h.cfg.Name())
	return nil
}

func (h *storageHandle) Extend(ctx context.Context, lockAtMostFor, lockAtLeastFor time.Duration) (Handle, bool, error) {
	if h.used.Load() {
		return nil, false, lockError(ErrReleased, h.cfg.Name())
	}
	next, err := NewConfiguration(h.provider.clock.Now(), h.cfg.Name(), lockAtMostFor, lockAtLeastFor)
	if err != nil {
		return nil, false, err
	}
	ctx, span := startSpan(ctx, h.provider.tracer, "extend", next)
	ok, err := h.provider.storage.Extend(ctx, next)
	if err != nil {
		if !isUnsupported(err) {
			err = NewStorageError("extend", next.Name(), err)
		}
	}
	endSpan(span, err)
	recordExtend(next.Name(), statusLabel(ok, err))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		h.provider.log.Warn("lock extension rejected", "lock", next.Name())
		return nil, false, nil
	}
	return newStorageHandle(h.provider, next), true, nil
}
