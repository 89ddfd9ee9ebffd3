package lock

import (
	"context"
	"strings"
	"time"

	"github.com/nimburion/nimlock/pkg/health"
)

const defaultHealthCheckName = "lock-storage"

// NewHealthChecker creates a health checker for the storage behind a provider or accessor.
// Targets without a HealthCheck method always report healthy.
func NewHealthChecker(name string, target any, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultHealthCheckName
	}
	checkable, ok := target.(health.Checkable)
	if !ok {
		checkable = noopCheckable{}
	}
	return health.NewAdapterChecker(checkName, checkable, timeout)
}

type noopCheckable struct{}

func (noopCheckable) HealthCheck(context.Context) error { return nil }
