package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nimburion/nimlock/pkg/lock"
	"github.com/nimburion/nimlock/pkg/lock/locktest"
	"github.com/nimburion/nimlock/pkg/observability/logger"
	"github.com/nimburion/nimlock/pkg/testutil"
)

func TestAccessor_PostgresIntegration(t *testing.T) {
	testutil.RequireIntegration(t)

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("nimlock"),
		postgres.WithUsername("nimlock"),
		postgres.WithPassword("nimlock"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	for _, driver := range []string{"postgres", "pgx"} {
		t.Run(driver, func(t *testing.T) {
			clock := locktest.NewManualClock(time.Now())
			table := "nimlock_" + driver
			var opened []*Accessor
			t.Cleanup(func() {
				for _, a := range opened {
					_ = a.Close()
				}
			})

			locktest.RunStorageAccessorSuite(t, locktest.Harness{
				Clock: clock,
				New: func(t *testing.T, holder string) lock.StorageAccessor {
					accessor, err := Open(Config{
						Driver:      driver,
						URL:         connStr,
						Table:       table,
						Holder:      holder,
						CreateTable: true,
						Clock:       clock,
					}, logger.NewNop())
					if err != nil {
						t.Fatalf("open: %v", err)
					}
					opened = append(opened, accessor)
					return accessor
				},
			})
		})
	}
}
