// Package redis keeps lock records as Redis hashes that expire at lock_until.
// An absent key is a free lock, so UpdateRecord acquires missing keys as well.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/nimlock/pkg/lock"
	"github.com/nimburion/nimlock/pkg/observability/logger"
	"github.com/nimburion/nimlock/pkg/observability/tracing"
)

const (
	defaultPrefix           = "nimlock"
	defaultOperationTimeout = 3 * time.Second
)

var (
	// KEYS[1] key; ARGV lock_until, locked_at, locked_by, ttl ms.
	insertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "lock_until", ARGV[1], "locked_at", ARGV[2], "locked_by", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1
`)

	// KEYS[1] key; ARGV lock_until, locked_at, locked_by, ttl ms, now.
	updateScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "lock_until")
if current and tonumber(current) > tonumber(ARGV[5]) then
  return 0
end
redis.call("HSET", KEYS[1], "lock_until", ARGV[1], "locked_at", ARGV[2], "locked_by", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1
`)

	// KEYS[1] key; ARGV lock_until, now, locked_by, ttl ms.
	extendScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "locked_by") ~= ARGV[3] then
  return 0
end
local current = redis.call("HGET", KEYS[1], "lock_until")
if not current or tonumber(current) <= tonumber(ARGV[2]) then
  return 0
end
redis.call("HSET", KEYS[1], "lock_until", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1
`)

	// KEYS[1] key; ARGV lock_until, ttl ms.
	unlockScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if tonumber(ARGV[2]) <= 0 then
  return redis.call("DEL", KEYS[1])
end
redis.call("HSET", KEYS[1], "lock_until", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)
)

// Config configures the Redis lock storage.
type Config struct {
	URL              string
	Prefix           string
	Holder           string
	OperationTimeout time.Duration
	Clock            lock.Clock
}

func (c *Config) normalize() {
	c.Prefix = strings.TrimSuffix(strings.TrimSpace(c.Prefix), ":")
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	c.Holder = lock.HolderOrDefault(c.Holder)
	if c.Clock == nil {
		c.Clock = lock.SystemClock
	}
}

// Accessor implements lock.StorageAccessor on Redis.
type Accessor struct {
	client redis.UniversalClient
	log    logger.Logger
	config Config
	owned  bool
}

// Open parses cfg.URL, connects and pings Redis.
func Open(cfg Config, log logger.Logger) (*Accessor, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url failed: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}

	log.Info("redis lock storage connected", "addr", opts.Addr, "prefix", cfg.Prefix)
	return &Accessor{client: client, log: log, config: cfg, owned: true}, nil
}

// New wraps an existing client, which stays owned by the caller.
func New(client redis.UniversalClient, cfg Config, log logger.Logger) (*Accessor, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &Accessor{client: client, log: log, config: cfg}, nil
}

// InsertRecord implements lock.StorageAccessor.
func (a *Accessor) InsertRecord(ctx context.Context, cfg lock.Configuration) (bool, error) {
	now := a.config.Clock.Now()
	until := cfg.LockAtMostUntil()
	return a.run(ctx, "insert", insertScript, cfg.Name(), millis(until), millis(now), a.config.Holder, ttlMillis(until, now))
}

// UpdateRecord implements lock.StorageAccessor.
func (a *Accessor) UpdateRecord(ctx context.Context, cfg lock.Configuration) (bool, error) {
	now := a.config.Clock.Now()
	until := cfg.LockAtMostUntil()
	return a.run(ctx, "update", updateScript, cfg.Name(), millis(until), millis(now), a.config.Holder, ttlMillis(until, now), millis(now))
}

// Extend implements lock.StorageAccessor.
func (a *Accessor) Extend(ctx context.Context, cfg lock.Configuration) (bool, error) {
	now := a.config.Clock.Now()
	until := cfg.LockAtMostUntil()
	return a.run(ctx, "extend", extendScript, cfg.Name(), millis(until), millis(now), a.config.Holder, ttlMillis(until, now))
}

// Unlock implements lock.StorageAccessor. A lock released at or after lockAtLeastUntil is deleted.
func (a *Accessor) Unlock(ctx context.Context, cfg lock.Configuration) error {
	now := a.config.Clock.Now()
	until := cfg.UnlockTime(now)
	_, err := a.run(ctx, "unlock", unlockScript, cfg.Name(), millis(until), ttlMillis(until, now))
	return err
}

// HealthCheck pings Redis.
func (a *Accessor) HealthCheck(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, a.config.OperationTimeout)
	defer cancel()
	if err := a.client.Ping(opCtx).Err(); err != nil {
		return fmt.Errorf("redis lock storage health check failed: %w", err)
	}
	return nil
}

// Close closes the client when the accessor created it.
func (a *Accessor) Close() error {
	if a == nil || a.client == nil || !a.owned {
		return nil
	}
	return a.client.Close()
}

func (a *Accessor) run(ctx context.Context, op string, script *redis.Script, name string, args ...any) (_ bool, err error) {
	ctx, span := tracing.StartStorageSpan(ctx, "redis", op, name)
	defer func() { tracing.End(span, err) }()
	opCtx, cancel := context.WithTimeout(ctx, a.config.OperationTimeout)
	defer cancel()
	result, err := script.Run(opCtx, a.client, []string{a.key(name)}, args...).Int64()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

func (a *Accessor) key(name string) string {
	return a.config.Prefix + ":" + name
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func ttlMillis(until, now time.Time) int64 {
	return until.Sub(now).Milliseconds()
}
