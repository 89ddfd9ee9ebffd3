package lock

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is the logical layout every storage persists for a lock name.
// LockedAt and LockedBy are diagnostic except for the holder check of Extend.
type Record struct {
	Name      string    `json:"name" bson:"_id"`
	LockUntil time.Time `json:"lockUntil" bson:"lockUntil"`
	LockedAt  time.Time `json:"lockedAt" bson:"lockedAt"`
	LockedBy  string    `json:"lockedBy" bson:"lockedBy"`
}

// StorageAccessor is the contract a backend implements to be driven by StorageBasedProvider.
//
// Contention and duplicate keys are reported as false with a nil error. A non-nil error always
// means the backend itself failed.
type StorageAccessor interface {
	// InsertRecord creates the record for cfg.Name() with lock_until = cfg.LockAtMostUntil().
	// It returns false when a record with that name already exists.
	InsertRecord(ctx context.Context, cfg Configuration) (bool, error)
	// UpdateRecord takes over an existing record only if its lock_until <= now.
	UpdateRecord(ctx context.Context, cfg Configuration) (bool, error)
	// Extend moves lock_until to cfg.LockAtMostUntil() only if the record is held by this
	// accessor's holder and lock_until > now. Storages that cannot extend return ErrUnsupported.
	Extend(ctx context.Context, cfg Configuration) (bool, error)
	// Unlock sets lock_until = cfg.UnlockTime(now). Missing or foreign records are not an error.
	Unlock(ctx context.Context, cfg Configuration) error
}

// DefaultHolder returns the identity written to locked_by when none is configured.
func DefaultHolder() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "unknown"
	}
	return host
}

// UniqueHolder returns the host name suffixed with a random id, for processes sharing a host.
func UniqueHolder() string {
	return DefaultHolder() + "-" + uuid.NewString()
}

// HolderOrDefault trims holder and falls back to DefaultHolder.
func HolderOrDefault(holder string) string {
	holder = strings.TrimSpace(holder)
	if holder == "" {
		return DefaultHolder()
	}
	return holder
}
