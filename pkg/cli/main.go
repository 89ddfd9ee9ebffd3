// Package cli builds the nimlock command line: exec, run, healthcheck, config and version.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nimburion/nimlock/pkg/config"
	"github.com/nimburion/nimlock/pkg/lock"
	"github.com/nimburion/nimlock/pkg/observability/logger"
	"github.com/nimburion/nimlock/pkg/observability/tracing"
	"github.com/nimburion/nimlock/pkg/store"
	"github.com/nimburion/nimlock/pkg/version"
)

const defaultEnvPrefix = "NIMLOCK"

// StorageFactory opens the lock storage selected by configuration.
type StorageFactory func(cfg config.StorageConfig, holder string, log logger.Logger) (store.LockStorage, error)

// Options customizes the root command.
type Options struct {
	Name       string
	ConfigPath string
	EnvPrefix  string
	// Optional: override storage creation (useful for tests).
	StorageFactory StorageFactory
}

// ExitError carries a process exit code through cobra without printing anything.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// NewRootCommand creates the nimlock command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = "nimlock"
	}
	if strings.TrimSpace(opts.EnvPrefix) == "" {
		opts.EnvPrefix = defaultEnvPrefix
	}
	if opts.StorageFactory == nil {
		opts.StorageFactory = store.NewLockStorage
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         "Run commands and scheduled tasks at most once across a fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, text)")
	flags.String("storage-type", "", "lock storage (memory, sql, redis, mongodb, dynamodb, etcd, nats)")
	flags.String("holder", "", "identity written to locked_by (default: host name)")
	flags.String("metrics-addr", "", "management listen address for run")
	flags.Bool("trace-enabled", false, "export OpenTelemetry traces")

	env := &commandEnv{
		opts:    opts,
		cfgPath: &cfgPath,
	}

	rootCmd.AddCommand(
		newExecCommand(env),
		newRunCommand(env),
		newHealthcheckCommand(env),
		newConfigCommand(env),
		newVersionCommand(opts.Name),
	)
	return rootCmd
}

// Execute runs the command and exits with the appropriate code.
func Execute(cmd *cobra.Command) {
	err := cmd.Execute()
	if err == nil {
		return
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

type commandEnv struct {
	opts    Options
	cfgPath *string
}

func (e *commandEnv) loader(flags *pflag.FlagSet) *config.ViperLoader {
	return config.NewViperLoader(*e.cfgPath, e.opts.EnvPrefix).WithFlags(flags)
}

// loadConfigAndLogger loads configuration and builds the zap logger it describes.
// Logs go to the command's stderr.
func (e *commandEnv) loadConfigAndLogger(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
	cfg, err := e.loader(cmd.Flags()).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	log = log.With("service", cfg.Service.Name)
	if strings.EqualFold(cfg.Log.Level, string(logger.DebugLevel)) {
		log.Debug("effective configuration", "storage", cfg.Storage.Type, "holder", lock.HolderOrDefault(cfg.Lock.Holder))
	}
	return cfg, log, nil
}

func newLogger(cfg config.LogConfig, out io.Writer) (logger.Logger, error) {
	level, err := logger.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	format, err := logger.ParseLogFormat(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	log, err := logger.NewZapLogger(logger.Config{Level: level, Format: format, Output: out})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log, nil
}

// lockRuntime is everything a command needs to run work under a lock.
type lockRuntime struct {
	storage  store.LockStorage
	provider lock.Provider
	executor *lock.TaskExecutor
	tracer   *tracing.TracerProvider
	log      logger.Logger
}

func (e *commandEnv) openLockRuntime(ctx context.Context, cfg *config.Config, log logger.Logger) (*lockRuntime, error) {
	tp, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: version.Current(cfg.Service.Name).Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("create tracer provider: %w", err)
	}

	storage, err := e.opts.StorageFactory(cfg.Storage, cfg.Lock.Holder, log)
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, fmt.Errorf("open lock storage: %w", err)
	}
	rt := &lockRuntime{storage: storage, tracer: tp, log: log}

	base, err := lock.NewStorageBasedProvider(storage,
		lock.WithLogger(log),
		lock.WithTracer(tp.Tracer("github.com/nimburion/nimlock")),
	)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.provider = base
	if cfg.Lock.KeepAlive {
		keepAlive, err := lock.NewKeepAliveProvider(base, log, lock.WithMinimumLockAtMostFor(cfg.Lock.MinimumLockAtMostFor))
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.provider = keepAlive
	}

	rt.executor, err = lock.NewTaskExecutor(rt.provider, log)
	if err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *lockRuntime) close() {
	if rt == nil {
		return
	}
	if rt.storage != nil {
		if err := rt.storage.Close(); err != nil {
			rt.log.Error("failed to close lock storage", "error", err)
		}
	}
	if err := rt.tracer.Shutdown(context.Background()); err != nil {
		rt.log.Warn("failed to flush traces", "error", err)
	}
}
