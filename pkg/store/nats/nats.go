// Package nats stores lock records in a JetStream key-value bucket. Writes are
// conditioned on the key revision, so concurrent takeovers resolve to one winner.
package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nimburion/nimlock/pkg/lock"
	"github.com/nimburion/nimlock/pkg/observability/logger"
	"github.com/nimburion/nimlock/pkg/observability/tracing"
)

const (
	defaultBucket  = "nimlock"
	encodedKeyMark = "_b64."
)

var validKey = regexp.MustCompile(`^[-/_=a-zA-Z0-9]+(\.[-/_=a-zA-Z0-9]+)*$`)

// Config holds JetStream lock storage configuration.
type Config struct {
	URL      string
	Bucket   string
	Replicas int
	Holder   string
	Clock    lock.Clock
}

func (c *Config) normalize() {
	c.Bucket = strings.TrimSpace(c.Bucket)
	if c.Bucket == "" {
		c.Bucket = defaultBucket
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	c.Holder = lock.HolderOrDefault(c.Holder)
	if c.Clock == nil {
		c.Clock = lock.SystemClock
	}
}

// Accessor implements lock.StorageAccessor on a JetStream key-value bucket.
type Accessor struct {
	kv     nats.KeyValue
	conn   *nats.Conn
	log    logger.Logger
	config Config
}

// Open connects to NATS and binds the bucket, creating it when missing.
func Open(cfg Config, log logger.Logger) (*Accessor, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("nats url is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("nimlock"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	a, err := New(conn, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	a.conn = conn
	return a, nil
}

// New binds the bucket on an existing connection, which stays owned by the caller.
func New(conn *nats.Conn, cfg Config, log logger.Logger) (*Accessor, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()

	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "nimlock lock records",
			History:     1,
			Replicas:    cfg.Replicas,
		})
		if err == nil {
			log.Info("created jetstream lock bucket", "bucket", cfg.Bucket)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("bind jetstream bucket %s: %w", cfg.Bucket, err)
	}
	return &Accessor{kv: kv, log: log, config: cfg}, nil
}

// InsertRecord implements lock.StorageAccessor.
func (a *Accessor) InsertRecord(ctx context.Context, cfg lock.Configuration) (ok bool, err error) {
	_, span := tracing.StartStorageSpan(ctx, "nats", "insert", cfg.Name())
	defer func() { tracing.End(span, err) }()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	value, err := json.Marshal(lock.Record{
		Name:      cfg.Name(),
		LockUntil: cfg.LockAtMostUntil(),
		LockedAt:  a.config.Clock.Now(),
		LockedBy:  a.config.Holder,
	})
	if err != nil {
		return false, fmt.Errorf("encode lock record: %w", err)
	}
	if _, err := a.kv.Create(EncodeKey(cfg.Name()), value); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpdateRecord implements lock.StorageAccessor. A record without lockUntil is never taken over.
func (a *Accessor) UpdateRecord(ctx context.Context, cfg lock.Configuration) (ok bool, err error) {
	_, span := tracing.StartStorageSpan(ctx, "nats", "update", cfg.Name())
	defer func() { tracing.End(span, err) }()
	return a.rewrite(ctx, cfg.Name(), func(record *lock.Record, now time.Time) bool {
		if record.LockUntil.IsZero() || record.LockUntil.After(now) {
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
	_, span := tracing.StartStorageSpan(ctx, "nats", "extend", cfg.Name())
	defer func() { tracing.End(span, err) }()
	return a.rewrite(ctx, cfg.Name(), func(record *lock.Record, now time.Time) bool {
		if record.LockedBy != a.config.Holder || !record.LockUntil.After(now) {
			return false
		}
		record.LockUntil = cfg.LockAtMostUntil()
		return true
	})
}

// Unlock implements lock.StorageAccessor.
func (a *Accessor) Unlock(ctx context.Context, cfg lock.Configuration) (err error) {
	_, span := tracing.StartStorageSpan(ctx, "nats", "unlock", cfg.Name())
	defer func() { tracing.End(span, err) }()
	_, err = a.rewrite(ctx, cfg.Name(), func(record *lock.Record, now time.Time) bool {
		record.LockUntil = cfg.UnlockTime(now)
		return true
	})
	return err
}

func (a *Accessor) rewrite(ctx context.Context, name string, mutate func(*lock.Record, time.Time) bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := EncodeKey(name)
	entry, err := a.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var record lock.Record
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return false, fmt.Errorf("decode lock record %s: %w", name, err)
	}
	if !mutate(&record, a.config.Clock.Now()) {
		return false, nil
	}
	value, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("encode lock record: %w", err)
	}
	if _, err := a.kv.Update(key, value, entry.Revision()); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HealthCheck reads the bucket status.
func (a *Accessor) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.conn != nil && !a.conn.IsConnected() {
		return fmt.Errorf("nats health check failed: connection status %s", a.conn.Status())
	}
	if _, err := a.kv.Status(); err != nil {
		a.log.Error("nats health check failed", "bucket", a.config.Bucket, "error", err)
		return fmt.Errorf("nats health check failed: %w", err)
	}
	return nil
}

// Close drains the connection when Open created it.
func (a *Accessor) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Drain()
}

// EncodeKey maps a lock name onto the key alphabet of JetStream KV.
// Names outside it are stored base64url-encoded behind a marker prefix.
func EncodeKey(name string) string {
	if validKey.MatchString(name) && !strings.HasPrefix(name, encodedKeyMark) {
		return name
	}
	return encodedKeyMark + base64.RawURLEncoding.EncodeToString([]byte(name))
}
