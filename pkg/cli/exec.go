package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/nimlock/pkg/lock"
)

func newExecCommand(env *commandEnv) *cobra.Command {
	var (
		name           string
		lockAtMostFor  time.Duration
		lockAtLeastFor time.Duration
	)

	cmd := &cobra.Command{
		Use:   "exec --name NAME [flags] -- command [args...]",
		Short: "Run a command only if the named lock can be acquired",
		Long: "Run a command under a distributed lock. When another process holds the lock the " +
			"command is skipped and exec exits 0; otherwise exec exits with the command's status.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := env.loadConfigAndLogger(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("lock-at-most-for") {
				lockAtMostFor = cfg.Lock.LockAtMostFor
			}
			if !cmd.Flags().Changed("lock-at-least-for") {
				lockAtLeastFor = cfg.Lock.LockAtLeastFor
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := env.openLockRuntime(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer rt.close()

			lockCfg, err := rt.executor.Configuration(strings.TrimSpace(name), lockAtMostFor, lockAtLeastFor)
			if err != nil {
				return err
			}

			result, err := lock.ExecuteWithLockResult(ctx, rt.executor, func(ctx context.Context) (int, error) {
				return runCommand(ctx, cmd, args[0], args[1:]...)
			}, lockCfg)
			if err != nil {
				return err
			}
			if !result.Executed {
				log.Info("command skipped, lock held elsewhere", "lock", lockCfg.Name())
				return nil
			}
			if result.Value != 0 {
				return &ExitError{Code: result.Value}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "lock name")
	cmd.Flags().DurationVar(&lockAtMostFor, "lock-at-most-for", time.Minute, "upper bound of the lock lease (default from lock.lock_at_most_for)")
	cmd.Flags().DurationVar(&lockAtLeastFor, "lock-at-least-for", 0, "minimum time the lock is kept after the command (default from lock.lock_at_least_for)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// runCommand runs a child process wired to the command's streams. A non-zero exit is reported
// as a status, not an error.
func runCommand(ctx context.Context, cmd *cobra.Command, name string, args ...string) (int, error) {
	child := exec.CommandContext(ctx, name, args...)
	child.Stdin = cmd.InOrStdin()
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	child.Cancel = func() error {
		return child.Process.Signal(syscall.SIGTERM)
	}
	child.WaitDelay = 10 * time.Second

	err := child.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
		return 1, nil
	}
	return 0, fmt.Errorf("start %s: %w", name, err)
}
