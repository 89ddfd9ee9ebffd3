// Package testutil gates integration tests that need real backends.
package testutil

import (
	"os"
	"strings"
	"testing"
)

// RequireIntegration skips the test in -short mode or when NIMLOCK_SKIP_INTEGRATION is set.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("NIMLOCK_SKIP_INTEGRATION") != "" {
		t.Skip("skipping integration test (NIMLOCK_SKIP_INTEGRATION is set)")
	}
}

// ExternalEndpoint returns NIMLOCK_TEST_<BACKEND>_ENDPOINT, letting a test use an already
// running backend instead of starting a container.
func ExternalEndpoint(backend string) (string, bool) {
	key := "NIMLOCK_TEST_" + strings.ToUpper(strings.TrimSpace(backend)) + "_ENDPOINT"
	endpoint := strings.TrimSpace(os.Getenv(key))
	return endpoint, endpoint != ""
}
