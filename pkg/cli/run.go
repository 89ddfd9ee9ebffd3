package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/nimlock/pkg/config"
	"github.com/nimburion/nimlock/pkg/health"
	"github.com/nimburion/nimlock/pkg/lock"
	"github.com/nimburion/nimlock/pkg/observability/logger"
	"github.com/nimburion/nimlock/pkg/observability/metrics"
	"github.com/nimburion/nimlock/pkg/scheduler"
	"github.com/nimburion/nimlock/pkg/server"
)

const storageCheckTimeout = 5 * time.Second

func newRunCommand(env *commandEnv) *cobra.Command {
	var (
		once      bool
		taskNames []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduled tasks from scheduler.tasks",
		Long: "Run every task configured under scheduler.tasks on its schedule. Replicas sharing a " +
			"storage run each task at most once per slot.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := env.loadConfigAndLogger(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := env.openLockRuntime(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer rt.close()

			runtime, err := scheduler.NewRuntime(rt.executor, log, scheduler.Config{
				DefaultLockAtMostFor:  cfg.Lock.LockAtMostFor,
				DefaultLockAtLeastFor: cfg.Lock.LockAtLeastFor,
			})
			if err != nil {
				return err
			}
			tasks, err := schedulerTasks(cfg.Scheduler, taskNames, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			for _, task := range tasks {
				if err := runtime.Register(task); err != nil {
					return fmt.Errorf("register task %s: %w", task.Name, err)
				}
			}

			if once {
				return runAllOnce(ctx, runtime, log)
			}
			return serveScheduler(ctx, cfg, log, rt, runtime)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run every task once under its lock and exit")
	cmd.Flags().StringSliceVar(&taskNames, "task", nil, "only run the named tasks (repeatable)")
	return cmd
}

// schedulerTasks turns configured shell tasks into scheduler tasks, optionally filtered by name.
func schedulerTasks(cfg config.SchedulerConfig, only []string, stdout, stderr io.Writer) ([]scheduler.Task, error) {
	selected := map[string]bool{}
	for _, name := range only {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			selected[trimmed] = false
		}
	}

	tasks := make([]scheduler.Task, 0, len(cfg.Tasks))
	for _, taskCfg := range cfg.Tasks {
		name := strings.TrimSpace(taskCfg.Name)
		if len(selected) > 0 {
			if _, ok := selected[name]; !ok {
				continue
			}
			selected[name] = true
		}
		timezone := taskCfg.Timezone
		if strings.TrimSpace(timezone) == "" {
			timezone = cfg.Timezone
		}
		tasks = append(tasks, scheduler.Task{
			Name:           name,
			Schedule:       taskCfg.Schedule,
			Timezone:       timezone,
			LockAtMostFor:  taskCfg.LockAtMostFor,
			LockAtLeastFor: taskCfg.LockAtLeastFor,
			Timeout:        taskCfg.Timeout,
			Run:            shellTask(cfg.Shell, taskCfg.Command, stdout, stderr),
		})
	}

	var missing []string
	for name, found := range selected {
		if !found {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("unknown scheduler tasks: %s", strings.Join(missing, ", "))
	}
	if len(tasks) == 0 {
		return nil, errors.New("no scheduler tasks configured")
	}
	return tasks, nil
}

func shellTask(shell, command string, stdout, stderr io.Writer) lock.Task {
	return func(ctx context.Context) error {
		child := exec.CommandContext(ctx, shell, "-c", command)
		child.Stdout = stdout
		child.Stderr = stderr
		child.Env = append(os.Environ(), "NIMLOCK_RUN_ID="+logger.RunIDFromContext(ctx))
		if err := child.Run(); err != nil {
			return fmt.Errorf("command %q: %w", command, err)
		}
		return nil
	}
}

func runAllOnce(ctx context.Context, runtime *scheduler.Runtime, log logger.Logger) error {
	var errs []error
	for _, name := range runtime.Tasks() {
		executed, err := runtime.RunOnce(ctx, name)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("task %s: %w", name, err))
		case !executed:
			log.Info("task skipped, lock held elsewhere", "task", name)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// serveScheduler runs the scheduler and, when enabled, the management server until ctx ends.
func serveScheduler(ctx context.Context, cfg *config.Config, log logger.Logger, rt *lockRuntime, runtime *scheduler.Runtime) error {
	if !cfg.Metrics.Enabled {
		return runtime.Start(ctx)
	}

	healthRegistry := health.NewRegistry()
	healthRegistry.Register(lock.NewHealthChecker("lock-storage", rt.storage, storageCheckTimeout))
	mgmt := server.NewManagementServer(cfg.Metrics, log, healthRegistry, metrics.NewRegistry())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	mgmtErr := make(chan error, 1)
	go func() {
		err := mgmt.Start(ctx)
		if err != nil {
			log.Error("management server failed", "error", err)
			cancel()
		}
		mgmtErr <- err
	}()

	schedErr := runtime.Start(ctx)
	cancel()
	return errors.Join(schedErr, <-mgmtErr)
}
