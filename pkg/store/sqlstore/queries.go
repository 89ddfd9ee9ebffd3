package sqlstore

import "fmt"

// Dialect selects placeholder style and SQL functions.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

type queries struct {
	createTable string
	insert      string
	update      string
	extend      string
	unlock      string
}

// buildQueries renders the statements for table. With dbTime the database clock replaces
// the caller-supplied instants and durations are passed in milliseconds.
func buildQueries(d Dialect, table string, dbTime bool) queries {
	if d == DialectMySQL {
		return mysqlQueries(table, dbTime)
	}
	return postgresQueries(table, dbTime)
}

func postgresQueries(table string, dbTime bool) queries {
	q := queries{
		createTable: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name VARCHAR(64) NOT NULL PRIMARY KEY,
	lock_until TIMESTAMPTZ NOT NULL,
	locked_at TIMESTAMPTZ NOT NULL,
	locked_by VARCHAR(255) NOT NULL
)`, table),
	}
	if dbTime {
		q.insert = fmt.Sprintf(`INSERT INTO %s(name, lock_until, locked_at, locked_by) VALUES ($1, now() + $2 * interval '1 millisecond', now(), $3) ON CONFLICT (name) DO NOTHING`, table)
		q.update = fmt.Sprintf(`UPDATE %s SET lock_until = now() + $1 * interval '1 millisecond', locked_at = now(), locked_by = $2 WHERE name = $3 AND lock_until <= now()`, table)
		q.extend = fmt.Sprintf(`UPDATE %s SET lock_until = now() + $1 * interval '1 millisecond' WHERE name = $2 AND locked_by = $3 AND lock_until > now()`, table)
		q.unlock = fmt.Sprintf(`UPDATE %s SET lock_until = GREATEST(locked_at + $1 * interval '1 millisecond', now()) WHERE name = $2`, table)
		return q
	}
	q.insert = fmt.Sprintf(`INSERT INTO %s(name, lock_until, locked_at, locked_by) VALUES ($1, $2, $3, $4) ON CONFLICT (name) DO NOTHING`, table)
	q.update = fmt.Sprintf(`UPDATE %s SET lock_until = $1, locked_at = $2, locked_by = $3 WHERE name = $4 AND lock_until <= $5`, table)
	q.extend = fmt.Sprintf(`UPDATE %s SET lock_until = $1 WHERE name = $2 AND locked_by = $3 AND lock_until > $4`, table)
	q.unlock = fmt.Sprintf(`UPDATE %s SET lock_until = $1 WHERE name = $2`, table)
	return q
}

func mysqlQueries(table string, dbTime bool) queries {
	q := queries{
		createTable: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name VARCHAR(64) NOT NULL PRIMARY KEY,
	lock_until DATETIME(3) NOT NULL,
	locked_at DATETIME(3) NOT NULL,
	locked_by VARCHAR(255) NOT NULL
)`, table),
	}
	if dbTime {
		q.insert = fmt.Sprintf(`INSERT INTO %s(name, lock_until, locked_at, locked_by) VALUES (?, TIMESTAMPADD(MICROSECOND, ? * 1000, UTC_TIMESTAMP(3)), UTC_TIMESTAMP(3), ?)`, table)
		q.update = fmt.Sprintf(`UPDATE %s SET lock_until = TIMESTAMPADD(MICROSECOND, ? * 1000, UTC_TIMESTAMP(3)), locked_at = UTC_TIMESTAMP(3), locked_by = ? WHERE name = ? AND lock_until <= UTC_TIMESTAMP(3)`, table)
		q.extend = fmt.Sprintf(`UPDATE %s SET lock_until = TIMESTAMPADD(MICROSECOND, ? * 1000, UTC_TIMESTAMP(3)) WHERE name = ? AND locked_by = ? AND lock_until > UTC_TIMESTAMP(3)`, table)
		q.unlock = fmt.Sprintf(`UPDATE %s SET lock_until = GREATEST(TIMESTAMPADD(MICROSECOND, ? * 1000, locked_at), UTC_TIMESTAMP(3)) WHERE name = ?`, table)
		return q
	}
	q.insert = fmt.Sprintf(`INSERT INTO %s(name, lock_until, locked_at, locked_by) VALUES (?, ?, ?, ?)`, table)
	q.update = fmt.Sprintf(`UPDATE %s SET lock_until = ?, locked_at = ?, locked_by = ? WHERE name = ? AND lock_until <= ?`, table)
	q.extend = fmt.Sprintf(`UPDATE %s SET lock_until = ? WHERE name = ? AND locked_by = ? AND lock_until > ?`, table)
	q.unlock = fmt.Sprintf(`UPDATE %s SET lock_until = ? WHERE name = ?`, table)
	return q
}
