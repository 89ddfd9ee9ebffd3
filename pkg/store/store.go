package store

import (
	"context"

	"github.com/nimburion/nimlock/pkg/lock"
)

// Adapter is the minimal lifecycle and health contract for storage adapters.
type Adapter interface {
	HealthCheck(ctx context.Context) error
	Close() error
}

// LockStorage is a lock backend that can also be health checked and closed.
type LockStorage interface {
	lock.StorageAccessor
	Adapter
}
