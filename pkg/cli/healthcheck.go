package cli

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/nimlock/pkg/health"
	"github.com/nimburion/nimlock/pkg/lock"
)

func newHealthcheckCommand(env *commandEnv) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the lock storage and print a JSON result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := env.loadConfigAndLogger(cmd)
			if err != nil {
				return err
			}
			checkName := "lock-storage:" + cfg.Storage.Type

			var result health.AggregatedResult
			rt, err := env.openLockRuntime(cmd.Context(), cfg, log)
			if err != nil {
				// Opening already probes the backend; report it like a failed check.
				now := time.Now()
				result = health.AggregatedResult{
					Status: health.StatusUnhealthy,
					Checks: []health.CheckResult{{
						Name:      checkName,
						Status:    health.StatusUnhealthy,
						Error:     err.Error(),
						Timestamp: now,
					}},
					Timestamp: now,
				}
			} else {
				defer rt.close()
				registry := health.NewRegistry()
				registry.Register(lock.NewHealthChecker(checkName, rt.storage, timeout))
				result = registry.Check(cmd.Context())
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(result); err != nil {
				return err
			}
			if !result.IsHealthy() {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", storageCheckTimeout, "health check timeout")
	return cmd
}
