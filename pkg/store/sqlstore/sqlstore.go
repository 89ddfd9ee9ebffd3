// Package sqlstore keeps lock records in a relational table, on PostgreSQL through
// lib/pq or pgx, or on MySQL through go-sql-driver/mysql.
//
// A record whose lock_until is NULL never satisfies the takeover condition, so such a
// row is treated as locked until an operator repairs it.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/lib/pq"

	"github.com/nimburion/nimlock/pkg/lock"
	"github.com/nimburion/nimlock/pkg/observability/logger"
	"github.com/nimburion/nimlock/pkg/observability/tracing"
)

const (
	defaultTable            = "nimlock"
	defaultOperationTimeout = 3 * time.Second

	driverPostgres = "postgres"
	driverPgx      = "pgx"
	driverMySQL    = "mysql"

	pgUniqueViolation   = "23505"
	mysqlDuplicateEntry = 1062
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

// Config configures the SQL lock storage.
type Config struct {
	// Driver is one of "postgres" (lib/pq), "pgx" or "mysql". MySQL DSNs should set
	// clientFoundRows=true so an extension that keeps lock_until unchanged still matches.
	Driver           string
	URL              string
	Table            string
	Holder           string
	OperationTimeout time.Duration
	// UseDBTime evaluates every instant with the database clock instead of Clock.
	UseDBTime bool
	// CreateTable creates the lock table on Open when it is missing.
	CreateTable     bool
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Clock           lock.Clock
}

func (c *Config) normalize() {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" {
		c.Driver = driverPostgres
	}
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	c.Holder = lock.HolderOrDefault(c.Holder)
	if c.Clock == nil {
		c.Clock = lock.SystemClock
	}
}

func (c Config) dialect() Dialect {
	if c.Driver == driverMySQL {
		return DialectMySQL
	}
	return DialectPostgres
}

func (c Config) validate() error {
	switch c.Driver {
	case driverPostgres, driverPgx, driverMySQL:
	default:
		return fmt.Errorf("unsupported sql driver %q (supported: postgres, pgx, mysql)", c.Driver)
	}
	if !validTableName.MatchString(c.Table) {
		return fmt.Errorf("invalid lock table name %q", c.Table)
	}
	return nil
}

// Accessor implements lock.StorageAccessor on a SQL table.
type Accessor struct {
	db      *sql.DB
	log     logger.Logger
	config  Config
	queries queries
}

// Open connects to the database described by cfg, pings it and optionally creates the table.
func Open(cfg Config, log logger.Logger) (*Accessor, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("sql url is required")
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open %s failed: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s failed: %w", cfg.Driver, err)
	}

	a := newAccessor(db, cfg, log)
	if cfg.CreateTable {
		if err := a.EnsureTable(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	log.Info("sql lock storage connected", "driver", cfg.Driver, "table", cfg.Table, "db_time", cfg.UseDBTime)
	return a, nil
}

// New wraps an existing database handle. The caller keeps ownership of db unless Close is called.
func New(db *sql.DB, cfg Config, log logger.Logger) (*Accessor, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return newAccessor(db, cfg, log), nil
}

func newAccessor(db *sql.DB, cfg Config, log logger.Logger) *Accessor {
	return &Accessor{
		db:      db,
		log:     log,
		config:  cfg,
		queries: buildQueries(cfg.dialect(), cfg.Table, cfg.UseDBTime),
	}
}

// EnsureTable creates the lock table when it does not exist.
func (a *Accessor) EnsureTable(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, a.queries.createTable); err != nil {
		return fmt.Errorf("create lock table %s failed: %w", a.config.Table, err)
	}
	return nil
}

// InsertRecord implements lock.StorageAccessor.
func (a *Accessor) InsertRecord(ctx context.Context, cfg lock.Configuration) (inserted bool, err error) {
	ctx, span := tracing.StartStorageSpan(ctx, a.system(), "insert", cfg.Name())
	defer func() { tracing.End(span, err) }()

	var args []any
	if a.config.UseDBTime {
		args = []any{cfg.Name(), cfg.LockAtMostFor().Milliseconds(), a.config.Holder}
	} else {
		args = []any{cfg.Name(), cfg.LockAtMostUntil(), a.config.Clock.Now(), a.config.Holder}
	}
	affected, err := a.exec(ctx, a.queries.insert, args...)
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, err
	}
	return affected == 1, nil
}

// UpdateRecord implements lock.StorageAccessor.
func (a *Accessor) UpdateRecord(ctx context.Context, cfg lock.Configuration) (updated bool, err error) {
	ctx, span := tracing.StartStorageSpan(ctx, a.system(), "update", cfg.Name())
	defer func() { tracing.End(span, err) }()

	var args []any
	if a.config.UseDBTime {
		args = []any{cfg.LockAtMostFor().Milliseconds(), a.config.Holder, cfg.Name()}
	} else {
		now := a.config.Clock.Now()
		args = []any{cfg.LockAtMostUntil(), now, a.config.Holder, cfg.Name(), now}
	}
	affected, err := a.exec(ctx, a.queries.update, args...)
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Extend implements lock.StorageAccessor.
func (a *Accessor) Extend(ctx context.Context, cfg lock.Configuration) (extended bool, err error) {
	ctx, span := tracing.StartStorageSpan(ctx, a.system(), "extend", cfg.Name())
	defer func() { tracing.End(span, err) }()

	var args []any
	if a.config.UseDBTime {
		args = []any{cfg.LockAtMostFor().Milliseconds(), cfg.Name(), a.config.Holder}
	} else {
		args = []any{cfg.LockAtMostUntil(), cfg.Name(), a.config.Holder, a.config.Clock.Now()}
	}
	affected, err := a.exec(ctx, a.queries.extend, args...)
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Unlock implements lock.StorageAccessor.
func (a *Accessor) Unlock(ctx context.Context, cfg lock.Configuration) (err error) {
	ctx, span := tracing.StartStorageSpan(ctx, a.system(), "unlock", cfg.Name())
	defer func() { tracing.End(span, err) }()

	var args []any
	if a.config.UseDBTime {
		args = []any{cfg.LockAtLeastFor().Milliseconds(), cfg.Name()}
	} else {
		args = []any{cfg.UnlockTime(a.config.Clock.Now()), cfg.Name()}
	}
	_, err = a.exec(ctx, a.queries.unlock, args...)
	return err
}

// HealthCheck pings the database.
func (a *Accessor) HealthCheck(ctx context.Context) error {
	opCtx, cancel := a.operationContext(ctx)
	defer cancel()
	if err := a.db.PingContext(opCtx); err != nil {
		return fmt.Errorf("sql lock storage health check failed: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (a *Accessor) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *Accessor) exec(ctx context.Context, query string, args ...any) (int64, error) {
	opCtx, cancel := a.operationContext(ctx)
	defer cancel()
	result, err := a.db.ExecContext(opCtx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (a *Accessor) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, a.config.OperationTimeout)
}

func (a *Accessor) system() string {
	if a.config.dialect() == DialectMySQL {
		return "mysql"
	}
	return "postgresql"
}

// isDuplicateKey recognizes unique violations from every supported driver.
func isDuplicateKey(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	return false
}
