package config

import "time"

// Storage type constants
const (
	// StorageTypeMemory keeps locks in process memory; only useful for a single instance or tests
	StorageTypeMemory = "memory"
	// StorageTypeSQL uses a PostgreSQL or MySQL table
	StorageTypeSQL = "sql"
	// StorageTypeRedis uses expiring Redis hashes
	StorageTypeRedis = "redis"
	// StorageTypeMongoDB uses a MongoDB collection
	StorageTypeMongoDB = "mongodb"
	// StorageTypeDynamoDB uses an AWS DynamoDB table
	StorageTypeDynamoDB = "dynamodb"
	// StorageTypeEtcd uses etcd keys under a prefix
	StorageTypeEtcd = "etcd"
	// StorageTypeNATS uses a NATS JetStream key-value bucket
	StorageTypeNATS = "nats"
)

// SQL driver constants
const (
	SQLDriverPostgres = "postgres"
	SQLDriverPgx      = "pgx"
	SQLDriverMySQL    = "mysql"
)

// Config is the root configuration of a nimlock process
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Log       LogConfig       `mapstructure:"log"`
	Lock      LockConfig      `mapstructure:"lock"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServiceConfig identifies the process in logs and traces.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// LockConfig holds lock defaults shared by every command.
type LockConfig struct {
	// Holder is written to locked_by. Empty means the host name.
	Holder         string        `mapstructure:"holder"`
	LockAtMostFor  time.Duration `mapstructure:"lock_at_most_for"`
	LockAtLeastFor time.Duration `mapstructure:"lock_at_least_for"`
	// KeepAlive renews held locks in the background while long tasks run.
	KeepAlive            bool          `mapstructure:"keep_alive"`
	MinimumLockAtMostFor time.Duration `mapstructure:"minimum_lock_at_most_for"`
}

// StorageConfig selects and configures the lock storage.
type StorageConfig struct {
	Type     string                `mapstructure:"type"`
	SQL      SQLStorageConfig      `mapstructure:"sql"`
	Redis    RedisStorageConfig    `mapstructure:"redis"`
	MongoDB  MongoDBStorageConfig  `mapstructure:"mongodb"`
	DynamoDB DynamoDBStorageConfig `mapstructure:"dynamodb"`
	Etcd     EtcdStorageConfig     `mapstructure:"etcd"`
	NATS     NATSStorageConfig     `mapstructure:"nats"`
	Breaker  BreakerConfig         `mapstructure:"breaker"`
}

// BreakerConfig puts a circuit breaker and a per-call timeout in front of the storage.
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxFailures      int           `mapstructure:"max_failures"`
	OpenFor          time.Duration `mapstructure:"open_for"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// SQLStorageConfig configures the SQL lock table.
type SQLStorageConfig struct {
	Driver           string        `mapstructure:"driver"` // postgres, pgx, mysql
	URL              string        `mapstructure:"url"`
	Table            string        `mapstructure:"table"`
	UseDBTime        bool          `mapstructure:"use_db_time"`
	CreateTable      bool          `mapstructure:"create_table"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// RedisStorageConfig configures Redis lock keys.
type RedisStorageConfig struct {
	URL              string        `mapstructure:"url"`
	Prefix           string        `mapstructure:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// MongoDBStorageConfig configures the MongoDB lock collection.
type MongoDBStorageConfig struct {
	URL              string        `mapstructure:"url"`
	Database         string        `mapstructure:"database"`
	Collection       string        `mapstructure:"collection"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// DynamoDBStorageConfig configures the DynamoDB lock table.
type DynamoDBStorageConfig struct {
	Region           string        `mapstructure:"region"`
	Endpoint         string        `mapstructure:"endpoint"`
	AccessKeyID      string        `mapstructure:"access_key_id"`
	SecretAccessKey  string        `mapstructure:"secret_access_key"`
	SessionToken     string        `mapstructure:"session_token"`
	Table            string        `mapstructure:"table"`
	CreateTable      bool          `mapstructure:"create_table"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// EtcdStorageConfig configures etcd lock keys.
type EtcdStorageConfig struct {
	Endpoints        []string      `mapstructure:"endpoints"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	Prefix           string        `mapstructure:"prefix"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// NATSStorageConfig configures the JetStream lock bucket.
type NATSStorageConfig struct {
	URL      string `mapstructure:"url"`
	Bucket   string `mapstructure:"bucket"`
	Replicas int    `mapstructure:"replicas"`
}

// SchedulerConfig configures the `run` command.
type SchedulerConfig struct {
	Timezone string                `mapstructure:"timezone"`
	Shell    string                `mapstructure:"shell"`
	Tasks    []SchedulerTaskConfig `mapstructure:"tasks"`
}

// SchedulerTaskConfig describes one scheduled shell command. Name doubles as the lock name.
type SchedulerTaskConfig struct {
	Name           string        `mapstructure:"name"`
	Schedule       string        `mapstructure:"schedule"` // 5-field cron or @every <duration>
	Command        string        `mapstructure:"command"`
	Timezone       string        `mapstructure:"timezone"`
	LockAtMostFor  time.Duration `mapstructure:"lock_at_most_for"`
	LockAtLeastFor time.Duration `mapstructure:"lock_at_least_for"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// TracingConfig configures OTLP export.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// MetricsConfig configures the Prometheus and health endpoint served by `run`.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "nimlock",
			Environment: "production",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Lock: LockConfig{
			LockAtMostFor:        time.Minute,
			LockAtLeastFor:       0,
			KeepAlive:            false,
			MinimumLockAtMostFor: 30 * time.Second,
		},
		Storage: StorageConfig{
			Type: StorageTypeMemory,
			SQL: SQLStorageConfig{
				Driver:           SQLDriverPostgres,
				Table:            "nimlock",
				MaxOpenConns:     5,
				MaxIdleConns:     2,
				ConnMaxLifetime:  5 * time.Minute,
				OperationTimeout: 3 * time.Second,
			},
			Redis: RedisStorageConfig{
				Prefix:           "nimlock",
				OperationTimeout: 3 * time.Second,
			},
			MongoDB: MongoDBStorageConfig{
				Collection:       "nimlock",
				ConnectTimeout:   5 * time.Second,
				OperationTimeout: 3 * time.Second,
			},
			DynamoDB: DynamoDBStorageConfig{
				Table:            "nimlock",
				OperationTimeout: 3 * time.Second,
			},
			Etcd: EtcdStorageConfig{
				Prefix:           "/nimlock",
				DialTimeout:      5 * time.Second,
				OperationTimeout: 3 * time.Second,
			},
			NATS: NATSStorageConfig{
				Bucket:   "nimlock",
				Replicas: 1,
			},
			Breaker: BreakerConfig{
				Enabled:          false,
				MaxFailures:      5,
				OpenFor:          30 * time.Second,
				OperationTimeout: 5 * time.Second,
			},
		},
		Scheduler: SchedulerConfig{
			Timezone: "UTC",
			Shell:    "/bin/sh",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			SampleRate: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
	}
}
