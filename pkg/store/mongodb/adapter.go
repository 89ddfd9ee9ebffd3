// Package mongodb stores lock records as documents keyed by lock name.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/nimburion/nimlock/pkg/lock"
	"github.com/nimburion/nimlock/pkg/observability/logger"
	"github.com/nimburion/nimlock/pkg/observability/tracing"
)

const (
	defaultCollection       = "nimlock"
	defaultConnectTimeout   = 5 * time.Second
	defaultOperationTimeout = 3 * time.Second

	fieldLockUntil = "lockUntil"
	fieldLockedAt  = "lockedAt"
	fieldLockedBy  = "lockedBy"
)

// Config holds MongoDB lock storage configuration.
type Config struct {
	URL              string
	Database         string
	Collection       string
	Holder           string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	Clock            lock.Clock
}

func (c *Config) normalize() {
	if c.Collection == "" {
		c.Collection = defaultCollection
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	c.Holder = lock.HolderOrDefault(c.Holder)
	if c.Clock == nil {
		c.Clock = lock.SystemClock
	}
}

type document struct {
	Name      string    `bson:"_id"`
	LockUntil time.Time `bson:"lockUntil"`
	LockedAt  time.Time `bson:"lockedAt"`
	LockedBy  string    `bson:"lockedBy"`
}

// Accessor implements lock.StorageAccessor on a MongoDB collection.
type Accessor struct {
	coll   *mongo.Collection
	client *mongo.Client
	log    logger.Logger
	config Config

	mu     sync.Mutex
	closed bool
}

// Open connects to MongoDB, pings the primary and returns an accessor that owns the client.
func Open(cfg Config, log logger.Logger) (*Accessor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mongodb URL is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongodb database is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	log.Info("mongodb lock storage connected", "database", cfg.Database, "collection", cfg.Collection)
	a, err := New(client.Database(cfg.Database).Collection(cfg.Collection), cfg, log)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	a.client = client
	return a, nil
}

// New wraps an existing collection. The caller keeps ownership of its client.
func New(coll *mongo.Collection, cfg Config, log logger.Logger) (*Accessor, error) {
	if coll == nil {
		return nil, errors.New("mongodb collection is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &Accessor{coll: coll, log: log, config: cfg}, nil
}

// InsertRecord implements lock.StorageAccessor.
func (a *Accessor) InsertRecord(ctx context.Context, cfg lock.Configuration) (ok bool, err error) {
	ctx, span := tracing.StartStorageSpan(ctx, "mongodb", "insert", cfg.Name())
	defer func() { tracing.End(span, err) }()
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	_, err = a.coll.InsertOne(opCtx, document{
		Name:      cfg.Name(),
		LockUntil: cfg.LockAtMostUntil(),
		LockedAt:  a.config.Clock.Now(),
		LockedBy:  a.config.Holder,
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateRecord implements lock.StorageAccessor. Documents without lockUntil never match.
func (a *Accessor) UpdateRecord(ctx context.Context, cfg lock.Configuration) (ok bool, err error) {
	ctx, span := tracing.StartStorageSpan(ctx, "mongodb", "update", cfg.Name())
	defer func() { tracing.End(span, err) }()
	now := a.config.Clock.Now()
	filter := bson.D{
		{Key: "_id", Value: cfg.Name()},
		{Key: fieldLockUntil, Value: bson.D{{Key: "$lte", Value: now}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: fieldLockUntil, Value: cfg.LockAtMostUntil()},
		{Key: fieldLockedAt, Value: now},
		{Key: fieldLockedBy, Value: a.config.Holder},
	}}}
	return a.updateOne(ctx, filter, update)
}

// Extend implements lock.StorageAccessor.
func (a *Accessor) Extend(ctx context.Context, cfg lock.Configuration) (ok bool, err error) {
	ctx, span := tracing.StartStorageSpan(ctx, "mongodb", "extend", cfg.Name())
	defer func() { tracing.End(span, err) }()
	filter := bson.D{
		{Key: "_id", Value: cfg.Name()},
		{Key: fieldLockedBy, Value: a.config.Holder},
		{Key: fieldLockUntil, Value: bson.D{{Key: "$gt", Value: a.config.Clock.Now()}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: fieldLockUntil, Value: cfg.LockAtMostUntil()}}}}
	return a.updateOne(ctx, filter, update)
}

// Unlock implements lock.StorageAccessor.
func (a *Accessor) Unlock(ctx context.Context, cfg lock.Configuration) (err error) {
	ctx, span := tracing.StartStorageSpan(ctx, "mongodb", "unlock", cfg.Name())
	defer func() { tracing.End(span, err) }()
	filter := bson.D{{Key: "_id", Value: cfg.Name()}}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: fieldLockUntil, Value: cfg.UnlockTime(a.config.Clock.Now())}}}}
	_, err = a.updateOne(ctx, filter, update)
	return err
}

func (a *Accessor) updateOne(ctx context.Context, filter, update bson.D) (bool, error) {
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	result, err := a.coll.UpdateOne(opCtx, filter, update)
	if err != nil {
		return false, err
	}
	return result.MatchedCount == 1, nil
}

// HealthCheck pings the database through the collection's client.
func (a *Accessor) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return fmt.Errorf("mongodb lock storage is closed")
	}
	hcCtx, cancel := context.WithTimeout(ctx, a.config.OperationTimeout)
	defer cancel()
	if err := a.coll.Database().Client().Ping(hcCtx, readpref.Primary()); err != nil {
		a.log.Error("mongodb health check failed", "error", err)
		return fmt.Errorf("mongodb health check failed: %w", err)
	}
	return nil
}

// Close disconnects the client when Open created it.
func (a *Accessor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to close mongodb connection: %w", err)
	}
	return nil
}

func (a *Accessor) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.config.OperationTimeout)
}
