// Package etcd stores lock records as JSON values and serializes writes with revision compares.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/nimburion/nimlock/pkg/lock"
	"github.com/nimburion/nimlock/pkg/observability/logger"
	"github.com/nimburion/nimlock/pkg/observability/tracing"
)

const (
	defaultPrefix           = "/nimlock"
	defaultDialTimeout      = 5 * time.Second
	defaultOperationTimeout = 3 * time.Second
)

// Config holds etcd lock storage configuration.
type Config struct {
	Endpoints        []string
	Username         string
	Password         string
	Prefix           string
	Holder           string
	DialTimeout      time.Duration
	OperationTimeout time.Duration
	Clock            lock.Clock
}

func (c *Config) normalize() {
	c.Prefix = strings.TrimSpace(c.Prefix)
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if !strings.HasPrefix(c.Prefix, "/") {
		c.Prefix = "/" + c.Prefix
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	c.Holder = lock.HolderOrDefault(c.Holder)
	if c.Clock == nil {
		c.Clock = lock.SystemClock
	}
}

// Accessor implements lock.StorageAccessor on the etcd KV API.
//
// A record whose lockUntil is zero is treated as expired.
type Accessor struct {
	kv     clientv3.KV
	client *clientv3.Client
	log    logger.Logger
	config Config
}

// Open dials the configured endpoints and returns an accessor owning the client.
func Open(cfg Config, log logger.Logger) (*Accessor, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints are required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	a, err := New(client, cfg, log)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	a.client = client

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := a.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	log.Info("etcd lock storage connected", "endpoints", strings.Join(cfg.Endpoints, ","), "prefix", cfg.Prefix)
	return a, nil
}

// New wraps an existing KV, typically a *clientv3.Client. The caller keeps ownership.
func New(kv clientv3.KV, cfg Config, log logger.Logger) (*Accessor, error) {
	if kv == nil {
		return nil, errors.New("etcd kv is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &Accessor{kv: kv, log: log, config: cfg}, nil
}

// InsertRecord implements lock.StorageAccessor.
func (a *Accessor) InsertRecord(ctx context.Context, cfg lock.Configuration) (ok bool, err error) {
	ctx, span := tracing.StartStorageSpan(ctx, "etcd", "insert", cfg.Name())
	defer func() { tracing.End(span, err) }()
	ctx, cancel := context.WithTimeout(ctx, a.config.OperationTimeout)
	defer cancel()

	value, err := encodeRecord(lock.Record{
		Name:      cfg.Name(),
		LockUntil: cfg.LockAtMostUntil(),
		LockedAt:  a.config.Clock.Now(),
		LockedBy:  a.config.Holder,
	})
	if err != nil {
		return false, err
	}
	key := a.key(cfg.Name())
	resp, err := a.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value)).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

// UpdateRecord implements lock.StorageAccessor.
func (a *Accessor) UpdateRecord(ctx context.Context, cfg lock.Configuration) (ok bool, err error) {
	ctx, span := tracing.StartStorageSpan(ctx, "etcd", "update", cfg.Name())
	defer func() { tracing.End(span, err) }()
	return a.rewrite(ctx, cfg.Name(), func(record *lock.Record, now time.Time) bool {
		if record.LockUntil.After(now) {
			return false
		}
		record.LockUntil = cfg.LockAtMostUntil()
		record.LockedAt = now
		record.LockedBy = a.config.Holder
		return true
	})
}

// Extend implements lock.StorageAccessor.
func (a *Accessor) Extend(ctx context.Context, cfg lock.Configuration) (ok bool, err error) {
	ctx, span := tracing.StartStorageSpan(ctx, "etcd", "extend", cfg.Name())
	defer func() { tracing.End(span, err) }()
	return a.rewrite(ctx, cfg.Name(), func(record *lock.Record, now time.Time) bool {
		if record.LockedBy != a.config.Holder || !record.LockUntil.After(now) {
			return false
		}
		record.LockUntil = cfg.LockAtMostUntil()
		return true
	})
}

// Unlock implements lock.StorageAccessor. Losing the revision race to another writer is not an error.
func (a *Accessor) Unlock(ctx context.Context, cfg lock.Configuration) (err error) {
	ctx, span := tracing.StartStorageSpan(ctx, "etcd", "unlock", cfg.Name())
	defer func() { tracing.End(span, err) }()
	_, err = a.rewrite(ctx, cfg.Name(), func(record *lock.Record, now time.Time) bool {
		record.LockUntil = cfg.UnlockTime(now)
		return true
	})
	return err
}

// rewrite reads the record, lets mutate decide, and writes it back only if the key is unchanged.
func (a *Accessor) rewrite(ctx context.Context, name string, mutate func(*lock.Record, time.Time) bool) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.OperationTimeout)
	defer cancel()

	key := a.key(name)
	resp, err := a.kv.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}
	current := resp.Kvs[0]
	record, err := decodeRecord(current.Value)
	if err != nil {
		return false, fmt.Errorf("decode lock record %s: %w", key, err)
	}
	if record.Name == "" {
		record.Name = name
	}
	if !mutate(&record, a.config.Clock.Now()) {
		return false, nil
	}
	value, err := encodeRecord(record)
	if err != nil {
		return false, err
	}
	txn, err := a.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", current.ModRevision)).
		Then(clientv3.OpPut(key, value)).
		Commit()
	if err != nil {
		return false, err
	}
	return txn.Succeeded, nil
}

// Record returns the stored record for name, or false when it does not exist.
func (a *Accessor) Record(ctx context.Context, name string) (lock.Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.OperationTimeout)
	defer cancel()
	resp, err := a.kv.Get(ctx, a.key(name))
	if err != nil {
		return lock.Record{}, false, err
	}
	if len(resp.Kvs) == 0 {
		return lock.Record{}, false, nil
	}
	record, err := decodeRecord(resp.Kvs[0].Value)
	if err != nil {
		return lock.Record{}, false, err
	}
	return record, true, nil
}

// HealthCheck issues a count-only read under the prefix.
func (a *Accessor) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.config.OperationTimeout)
	defer cancel()
	if _, err := a.kv.Get(ctx, a.config.Prefix, clientv3.WithPrefix(), clientv3.WithCountOnly()); err != nil {
		a.log.Error("etcd health check failed", "error", err)
		return fmt.Errorf("etcd health check failed: %w", err)
	}
	return nil
}

// Close closes the client when Open created it.
func (a *Accessor) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

func (a *Accessor) key(name string) string {
	return strings.TrimSuffix(a.config.Prefix, "/") + "/" + name
}

func encodeRecord(record lock.Record) (string, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode lock record: %w", err)
	}
	return string(raw), nil
}

func decodeRecord(raw []byte) (lock.Record, error) {
	var record lock.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return lock.Record{}, err
	}
	return record, nil
}
