package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// flagKeys maps persistent CLI flags onto configuration keys.
var flagKeys = map[string]string{
	"log-level":     "log.level",
	"log-format":    "log.format",
	"storage-type":  "storage.type",
	"holder":        "lock.holder",
	"metrics-addr":  "metrics.address",
	"trace-enabled": "tracing.enabled",
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "NIMLOCK")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithFlags lets changed flags named in flagKeys override every other source.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	if l == nil {
		return l
	}
	l.flags = flags
	return l
}

// Settings are the merged raw settings behind a loaded Config, for display.
type Settings struct {
	Effective map[string]any
	// Secrets holds the keys that came from the secrets file.
	Secrets map[string]any
}

// Load loads configuration with precedence: flags > ENV > secrets file > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	cfg, _, err := l.LoadWithSettings()
	return cfg, err
}

// LoadWithSettings is Load that also returns the merged settings.
func (l *ViperLoader) LoadWithSettings() (*Config, Settings, error) {
	var settings Settings
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, settings, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	secretsFile, err := l.discoverSecretsFile()
	if err != nil {
		return nil, settings, err
	}
	if secretsFile != "" {
		secrets := viper.New()
		secrets.SetConfigFile(secretsFile)
		if err := secrets.ReadInConfig(); err != nil {
			return nil, settings, fmt.Errorf("failed to read secrets file %s: %w", secretsFile, err)
		}
		settings.Secrets = secrets.AllSettings()
		if err := v.MergeConfigMap(settings.Secrets); err != nil {
			return nil, settings, fmt.Errorf("failed to merge secrets: %w", err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)

	if err := l.bindFlags(v); err != nil {
		return nil, settings, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, settings, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, settings, fmt.Errorf("config validation failed: %w", err)
	}

	settings.Effective = v.AllSettings()
	return &cfg, settings, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	bind := func(key, suffix string) {
		_ = v.BindEnv(key, l.prefixedEnv(suffix))
	}

	bind("service.name", "SERVICE_NAME")
	bind("service.environment", "SERVICE_ENVIRONMENT")

	bind("log.level", "LOG_LEVEL")
	bind("log.format", "LOG_FORMAT")

	bind("lock.holder", "LOCK_HOLDER")
	bind("lock.lock_at_most_for", "LOCK_AT_MOST_FOR")
	bind("lock.lock_at_least_for", "LOCK_AT_LEAST_FOR")
	bind("lock.keep_alive", "LOCK_KEEP_ALIVE")
	bind("lock.minimum_lock_at_most_for", "LOCK_MINIMUM_LOCK_AT_MOST_FOR")

	bind("storage.type", "STORAGE_TYPE")

	bind("storage.sql.driver", "SQL_DRIVER")
	bind("storage.sql.url", "SQL_URL")
	bind("storage.sql.table", "SQL_TABLE")
	bind("storage.sql.use_db_time", "SQL_USE_DB_TIME")
	bind("storage.sql.create_table", "SQL_CREATE_TABLE")
	bind("storage.sql.max_open_conns", "SQL_MAX_OPEN_CONNS")
	bind("storage.sql.max_idle_conns", "SQL_MAX_IDLE_CONNS")
	bind("storage.sql.conn_max_lifetime", "SQL_CONN_MAX_LIFETIME")
	bind("storage.sql.operation_timeout", "SQL_OPERATION_TIMEOUT")

	bind("storage.redis.url", "REDIS_URL")
	bind("storage.redis.prefix", "REDIS_PREFIX")
	bind("storage.redis.operation_timeout", "REDIS_OPERATION_TIMEOUT")

	bind("storage.mongodb.url", "MONGODB_URL")
	bind("storage.mongodb.database", "MONGODB_DATABASE")
	bind("storage.mongodb.collection", "MONGODB_COLLECTION")
	bind("storage.mongodb.connect_timeout", "MONGODB_CONNECT_TIMEOUT")
	bind("storage.mongodb.operation_timeout", "MONGODB_OPERATION_TIMEOUT")

	bind("storage.dynamodb.region", "DYNAMODB_REGION")
	bind("storage.dynamodb.endpoint", "DYNAMODB_ENDPOINT")
	bind("storage.dynamodb.access_key_id", "DYNAMODB_ACCESS_KEY_ID")
	bind("storage.dynamodb.secret_access_key", "DYNAMODB_SECRET_ACCESS_KEY")
	bind("storage.dynamodb.session_token", "DYNAMODB_SESSION_TOKEN")
	bind("storage.dynamodb.table", "DYNAMODB_TABLE")
	bind("storage.dynamodb.create_table", "DYNAMODB_CREATE_TABLE")
	bind("storage.dynamodb.operation_timeout", "DYNAMODB_OPERATION_TIMEOUT")

	bind("storage.etcd.endpoints", "ETCD_ENDPOINTS")
	bind("storage.etcd.username", "ETCD_USERNAME")
	bind("storage.etcd.password", "ETCD_PASSWORD")
	bind("storage.etcd.prefix", "ETCD_PREFIX")
	bind("storage.etcd.dial_timeout", "ETCD_DIAL_TIMEOUT")
	bind("storage.etcd.operation_timeout", "ETCD_OPERATION_TIMEOUT")

	bind("storage.nats.url", "NATS_URL")
	bind("storage.nats.bucket", "NATS_BUCKET")
	bind("storage.nats.replicas", "NATS_REPLICAS")

	bind("storage.breaker.enabled", "STORAGE_BREAKER_ENABLED")
	bind("storage.breaker.max_failures", "STORAGE_BREAKER_MAX_FAILURES")
	bind("storage.breaker.open_for", "STORAGE_BREAKER_OPEN_FOR")
	bind("storage.breaker.operation_timeout", "STORAGE_BREAKER_OPERATION_TIMEOUT")

	bind("scheduler.timezone", "SCHEDULER_TIMEZONE")
	bind("scheduler.shell", "SCHEDULER_SHELL")

	bind("tracing.enabled", "TRACING_ENABLED")
	bind("tracing.endpoint", "TRACING_ENDPOINT")
	bind("tracing.sample_rate", "TRACING_SAMPLE_RATE")

	bind("metrics.enabled", "METRICS_ENABLED")
	bind("metrics.address", "METRICS_ADDRESS")
	bind("metrics.path", "METRICS_PATH")
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range flagKeys {
		flag := l.flags.Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "NIMLOCK"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// discoverSecretsFile finds the secrets file using these rules:
// 1. Check <ENV_PREFIX>_SECRETS_FILE
// 2. If configFile is set, look for secrets.{ext} in same directory
// An explicitly configured path that cannot be read is an error.
func (l *ViperLoader) discoverSecretsFile() (string, error) {
	secretsEnv := l.prefixedEnv("SECRETS_FILE")
	if raw, ok := os.LookupEnv(secretsEnv); ok {
		secretsFile := strings.TrimSpace(raw)
		if secretsFile == "" {
			return "", fmt.Errorf("%s is set but empty", secretsEnv)
		}
		info, err := os.Stat(secretsFile)
		if err != nil {
			return "", fmt.Errorf("%s points to an inaccessible file %s: %w", secretsEnv, secretsFile, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s must point to a file, got directory %s", secretsEnv, secretsFile)
		}
		return secretsFile, nil
	}

	if l.configFile != "" {
		secretsFile := filepath.Join(filepath.Dir(l.configFile), "secrets"+filepath.Ext(l.configFile))
		if info, err := os.Stat(secretsFile); err == nil && !info.IsDir() {
			return secretsFile, nil
		}
	}
	return "", nil
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	v.SetDefault("lock.holder", cfg.Lock.Holder)
	v.SetDefault("lock.lock_at_most_for", cfg.Lock.LockAtMostFor)
	v.SetDefault("lock.lock_at_least_for", cfg.Lock.LockAtLeastFor)
	v.SetDefault("lock.keep_alive", cfg.Lock.KeepAlive)
	v.SetDefault("lock.minimum_lock_at_most_for", cfg.Lock.MinimumLockAtMostFor)

	v.SetDefault("storage.type", cfg.Storage.Type)

	v.SetDefault("storage.sql.driver", cfg.Storage.SQL.Driver)
	v.SetDefault("storage.sql.url", cfg.Storage.SQL.URL)
	v.SetDefault("storage.sql.table", cfg.Storage.SQL.Table)
	v.SetDefault("storage.sql.use_db_time", cfg.Storage.SQL.UseDBTime)
	v.SetDefault("storage.sql.create_table", cfg.Storage.SQL.CreateTable)
	v.SetDefault("storage.sql.max_open_conns", cfg.Storage.SQL.MaxOpenConns)
	v.SetDefault("storage.sql.max_idle_conns", cfg.Storage.SQL.MaxIdleConns)
	v.SetDefault("storage.sql.conn_max_lifetime", cfg.Storage.SQL.ConnMaxLifetime)
	v.SetDefault("storage.sql.operation_timeout", cfg.Storage.SQL.OperationTimeout)

	v.SetDefault("storage.redis.url", cfg.Storage.Redis.URL)
	v.SetDefault("storage.redis.prefix", cfg.Storage.Redis.Prefix)
	v.SetDefault("storage.redis.operation_timeout", cfg.Storage.Redis.OperationTimeout)

	v.SetDefault("storage.mongodb.url", cfg.Storage.MongoDB.URL)
	v.SetDefault("storage.mongodb.database", cfg.Storage.MongoDB.Database)
	v.SetDefault("storage.mongodb.collection", cfg.Storage.MongoDB.Collection)
	v.SetDefault("storage.mongodb.connect_timeout", cfg.Storage.MongoDB.ConnectTimeout)
	v.SetDefault("storage.mongodb.operation_timeout", cfg.Storage.MongoDB.OperationTimeout)

	v.SetDefault("storage.dynamodb.region", cfg.Storage.DynamoDB.Region)
	v.SetDefault("storage.dynamodb.endpoint", cfg.Storage.DynamoDB.Endpoint)
	v.SetDefault("storage.dynamodb.access_key_id", cfg.Storage.DynamoDB.AccessKeyID)
	v.SetDefault("storage.dynamodb.secret_access_key", cfg.Storage.DynamoDB.SecretAccessKey)
	v.SetDefault("storage.dynamodb.session_token", cfg.Storage.DynamoDB.SessionToken)
	v.SetDefault("storage.dynamodb.table", cfg.Storage.DynamoDB.Table)
	v.SetDefault("storage.dynamodb.create_table", cfg.Storage.DynamoDB.CreateTable)
	v.SetDefault("storage.dynamodb.operation_timeout", cfg.Storage.DynamoDB.OperationTimeout)

	v.SetDefault("storage.etcd.endpoints", cfg.Storage.Etcd.Endpoints)
	v.SetDefault("storage.etcd.username", cfg.Storage.Etcd.Username)
	v.SetDefault("storage.etcd.password", cfg.Storage.Etcd.Password)
	v.SetDefault("storage.etcd.prefix", cfg.Storage.Etcd.Prefix)
	v.SetDefault("storage.etcd.dial_timeout", cfg.Storage.Etcd.DialTimeout)
	v.SetDefault("storage.etcd.operation_timeout", cfg.Storage.Etcd.OperationTimeout)

	v.SetDefault("storage.nats.url", cfg.Storage.NATS.URL)
	v.SetDefault("storage.nats.bucket", cfg.Storage.NATS.Bucket)
	v.SetDefault("storage.nats.replicas", cfg.Storage.NATS.Replicas)

	v.SetDefault("storage.breaker.enabled", cfg.Storage.Breaker.Enabled)
	v.SetDefault("storage.breaker.max_failures", cfg.Storage.Breaker.MaxFailures)
	v.SetDefault("storage.breaker.open_for", cfg.Storage.Breaker.OpenFor)
	v.SetDefault("storage.breaker.operation_timeout", cfg.Storage.Breaker.OperationTimeout)

	v.SetDefault("scheduler.timezone", cfg.Scheduler.Timezone)
	v.SetDefault("scheduler.shell", cfg.Scheduler.Shell)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.address", cfg.Metrics.Address)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}

// Validate validates the configuration and returns detailed errors
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	cfg.Storage.Type = strings.ToLower(strings.TrimSpace(cfg.Storage.Type))
	cfg.Storage.Etcd.Endpoints = normalizeStringSlice(cfg.Storage.Etcd.Endpoints)

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, strings.ToLower(cfg.Log.Level)) {
		errs = append(errs, fmt.Errorf("invalid log.level: %s (must be one of: %v)", cfg.Log.Level, validLogLevels))
	}
	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, strings.ToLower(cfg.Log.Format)) {
		errs = append(errs, fmt.Errorf("invalid log.format: %s (must be one of: %v)", cfg.Log.Format, validLogFormats))
	}

	errs = append(errs, validateLockDurations("lock", cfg.Lock.LockAtMostFor, cfg.Lock.LockAtLeastFor)...)
	if cfg.Lock.MinimumLockAtMostFor < 0 {
		errs = append(errs, errors.New("lock.minimum_lock_at_most_for must not be negative"))
	}
	if cfg.Lock.KeepAlive && cfg.Lock.LockAtMostFor < cfg.Lock.MinimumLockAtMostFor {
		errs = append(errs, fmt.Errorf("lock.lock_at_most_for must be at least %s when keep_alive is enabled", cfg.Lock.MinimumLockAtMostFor))
	}

	errs = append(errs, validateStorage(cfg.Storage)...)
	errs = append(errs, validateScheduler(cfg.Scheduler)...)

	if cfg.Tracing.Enabled && strings.TrimSpace(cfg.Tracing.Endpoint) == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be between 0 and 1, got %v", cfg.Tracing.SampleRate))
	}
	if cfg.Metrics.Enabled {
		if strings.TrimSpace(cfg.Metrics.Address) == "" {
			errs = append(errs, errors.New("metrics.address is required when metrics are enabled"))
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			errs = append(errs, fmt.Errorf("metrics.path must start with /, got %q", cfg.Metrics.Path))
		}
	}

	return errors.Join(errs...)
}

func validateLockDurations(prefix string, most, least time.Duration) []error {
	var errs []error
	if most <= 0 {
		errs = append(errs, fmt.Errorf("%s.lock_at_most_for must be positive, got %s", prefix, most))
	}
	if least < 0 {
		errs = append(errs, fmt.Errorf("%s.lock_at_least_for must not be negative, got %s", prefix, least))
	}
	if most > 0 && least > most {
		errs = append(errs, fmt.Errorf("%s.lock_at_least_for (%s) must not exceed lock_at_most_for (%s)", prefix, least, most))
	}
	return errs
}

func validateStorage(cfg StorageConfig) []error {
	var errs []error
	switch cfg.Type {
	case StorageTypeMemory:
	case StorageTypeSQL:
		validDrivers := []string{SQLDriverPostgres, SQLDriverPgx, SQLDriverMySQL}
		if !contains(validDrivers, strings.ToLower(cfg.SQL.Driver)) {
			errs = append(errs, fmt.Errorf("invalid storage.sql.driver: %s (must be one of: %v)", cfg.SQL.Driver, validDrivers))
		}
		if strings.TrimSpace(cfg.SQL.URL) == "" {
			errs = append(errs, errors.New("storage.sql.url is required when storage.type is sql"))
		}
	case StorageTypeRedis:
		if strings.TrimSpace(cfg.Redis.URL) == "" {
			errs = append(errs, errors.New("storage.redis.url is required when storage.type is redis"))
		}
	case StorageTypeMongoDB:
		if strings.TrimSpace(cfg.MongoDB.URL) == "" {
			errs = append(errs, errors.New("storage.mongodb.url is required when storage.type is mongodb"))
		}
		if strings.TrimSpace(cfg.MongoDB.Database) == "" {
			errs = append(errs, errors.New("storage.mongodb.database is required when storage.type is mongodb"))
		}
	case StorageTypeDynamoDB:
		if strings.TrimSpace(cfg.DynamoDB.Region) == "" {
			errs = append(errs, errors.New("storage.dynamodb.region is required when storage.type is dynamodb"))
		}
		if (cfg.DynamoDB.AccessKeyID == "") != (cfg.DynamoDB.SecretAccessKey == "") {
			errs = append(errs, errors.New("storage.dynamodb.access_key_id and secret_access_key must be set together"))
		}
	case StorageTypeEtcd:
		if len(cfg.Etcd.Endpoints) == 0 {
			errs = append(errs, errors.New("storage.etcd.endpoints is required when storage.type is etcd"))
		}
	case StorageTypeNATS:
		if strings.TrimSpace(cfg.NATS.URL) == "" {
			errs = append(errs, errors.New("storage.nats.url is required when storage.type is nats"))
		}
	default:
		valid := []string{StorageTypeMemory, StorageTypeSQL, StorageTypeRedis, StorageTypeMongoDB, StorageTypeDynamoDB, StorageTypeEtcd, StorageTypeNATS}
		errs = append(errs, fmt.Errorf("invalid storage.type: %q (must be one of: %v)", cfg.Type, valid))
	}
	if cfg.Breaker.Enabled {
		if cfg.Breaker.MaxFailures < 1 {
			errs = append(errs, fmt.Errorf("storage.breaker.max_failures must be at least 1, got %d", cfg.Breaker.MaxFailures))
		}
		if cfg.Breaker.OpenFor <= 0 {
			errs = append(errs, fmt.Errorf("storage.breaker.open_for must be positive, got %s", cfg.Breaker.OpenFor))
		}
		if cfg.Breaker.OperationTimeout < 0 {
			errs = append(errs, fmt.Errorf("storage.breaker.operation_timeout must not be negative, got %s", cfg.Breaker.OperationTimeout))
		}
	}
	return errs
}

func validateScheduler(cfg SchedulerConfig) []error {
	var errs []error
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid scheduler.timezone %q: %w", cfg.Timezone, err))
	}
	seen := make(map[string]struct{}, len(cfg.Tasks))
	for index, task := range cfg.Tasks {
		name := strings.TrimSpace(task.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].name is required", index))
		} else if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].name %q is duplicated", index, name))
		} else {
			seen[name] = struct{}{}
		}
		if strings.TrimSpace(task.Schedule) == "" {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].schedule is required", index))
		}
		if strings.TrimSpace(task.Command) == "" {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].command is required", index))
		}
		if task.Timezone != "" {
			if _, err := time.LoadLocation(task.Timezone); err != nil {
				errs = append(errs, fmt.Errorf("invalid scheduler.tasks[%d].timezone %q: %w", index, task.Timezone, err))
			}
		}
		if task.LockAtMostFor != 0 || task.LockAtLeastFor != 0 {
			most := task.LockAtMostFor
			if most == 0 {
				// falls back to lock.lock_at_most_for at runtime
				most = task.LockAtLeastFor
			}
			errs = append(errs, validateLockDurations(fmt.Sprintf("scheduler.tasks[%d]", index), most, task.LockAtLeastFor)...)
		}
		if task.Timeout < 0 {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].timeout must not be negative", index))
		}
	}
	return errs
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func normalizeStringSlice(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
