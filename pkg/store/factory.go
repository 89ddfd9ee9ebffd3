package store

import (
	"fmt"
	"strings"

	"github.com/nimburion/nimlock/pkg/config"
	"github.com/nimburion/nimlock/pkg/observability/logger"
	"github.com/nimburion/nimlock/pkg/resilience"
	"github.com/nimburion/nimlock/pkg/store/dynamodb"
	"github.com/nimburion/nimlock/pkg/store/etcd"
	"github.com/nimburion/nimlock/pkg/store/memory"
	"github.com/nimburion/nimlock/pkg/store/mongodb"
	"github.com/nimburion/nimlock/pkg/store/nats"
	"github.com/nimburion/nimlock/pkg/store/redis"
	"github.com/nimburion/nimlock/pkg/store/sqlstore"
)

// NewLockStorage selects and opens the lock storage named by cfg.Type, behind a circuit
// breaker when cfg.Breaker is enabled. holder is written to locked_by; empty means the host name.
func NewLockStorage(cfg config.StorageConfig, holder string, log logger.Logger) (LockStorage, error) {
	if log == nil {
		log = logger.NewNop()
	}
	storage, err := openLockStorage(cfg, holder, log)
	if err != nil || !cfg.Breaker.Enabled {
		return storage, err
	}
	guarded, err := resilience.NewGuardedStorage(storage, resilience.StorageConfig{
		MaxFailures:      cfg.Breaker.MaxFailures,
		OpenFor:          cfg.Breaker.OpenFor,
		OperationTimeout: cfg.Breaker.OperationTimeout,
	}, log)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	return guarded, nil
}

func openLockStorage(cfg config.StorageConfig, holder string, log logger.Logger) (LockStorage, error) {
	storageType := strings.ToLower(strings.TrimSpace(cfg.Type))
	log.Debug("opening lock storage", "type", storageType)

	switch storageType {
	case config.StorageTypeMemory:
		return memory.New(nil, holder, nil), nil
	case config.StorageTypeSQL:
		return opened(sqlstore.Open(sqlstore.Config{
			Driver:           cfg.SQL.Driver,
			URL:              cfg.SQL.URL,
			Table:            cfg.SQL.Table,
			Holder:           holder,
			OperationTimeout: cfg.SQL.OperationTimeout,
			UseDBTime:        cfg.SQL.UseDBTime,
			CreateTable:      cfg.SQL.CreateTable,
			MaxOpenConns:     cfg.SQL.MaxOpenConns,
			MaxIdleConns:     cfg.SQL.MaxIdleConns,
			ConnMaxLifetime:  cfg.SQL.ConnMaxLifetime,
		}, log))
	case config.StorageTypeRedis:
		return opened(redis.Open(redis.Config{
			URL:              cfg.Redis.URL,
			Prefix:           cfg.Redis.Prefix,
			Holder:           holder,
			OperationTimeout: cfg.Redis.OperationTimeout,
		}, log))
	case config.StorageTypeMongoDB:
		return opened(mongodb.Open(mongodb.Config{
			URL:              cfg.MongoDB.URL,
			Database:         cfg.MongoDB.Database,
			Collection:       cfg.MongoDB.Collection,
			Holder:           holder,
			ConnectTimeout:   cfg.MongoDB.ConnectTimeout,
			OperationTimeout: cfg.MongoDB.OperationTimeout,
		}, log))
	case config.StorageTypeDynamoDB:
		return opened(dynamodb.Open(dynamodb.Config{
			Region:           cfg.DynamoDB.Region,
			Endpoint:         cfg.DynamoDB.Endpoint,
			AccessKeyID:      cfg.DynamoDB.AccessKeyID,
			SecretAccessKey:  cfg.DynamoDB.SecretAccessKey,
			SessionToken:     cfg.DynamoDB.SessionToken,
			Table:            cfg.DynamoDB.Table,
			Holder:           holder,
			CreateTable:      cfg.DynamoDB.CreateTable,
			OperationTimeout: cfg.DynamoDB.OperationTimeout,
		}, log))
	case config.StorageTypeEtcd:
		return opened(etcd.Open(etcd.Config{
			Endpoints:        cfg.Etcd.Endpoints,
			Username:         cfg.Etcd.Username,
			Password:         cfg.Etcd.Password,
			Prefix:           cfg.Etcd.Prefix,
			Holder:           holder,
			DialTimeout:      cfg.Etcd.DialTimeout,
			OperationTimeout: cfg.Etcd.OperationTimeout,
		}, log))
	case config.StorageTypeNATS:
		return opened(nats.Open(nats.Config{
			URL:      cfg.NATS.URL,
			Bucket:   cfg.NATS.Bucket,
			Replicas: cfg.NATS.Replicas,
			Holder:   holder,
		}, log))
	default:
		return nil, fmt.Errorf("unsupported storage.type %q (supported: memory, sql, redis, mongodb, dynamodb, etcd, nats)", cfg.Type)
	}
}

// opened keeps a failed constructor from leaking a typed nil through the interface.
func opened[T LockStorage](storage T, err error) (LockStorage, error) {
	if err != nil {
		return nil, err
	}
	return storage, nil
}
