package storage

import (
	"strconv"
	"strings"

	"github.com/pressly/goose/v3"
)

// dialect captures the few places where SQLite and PostgreSQL disagree.
// Queries are written once with '?' placeholders.
type dialect struct {
	name          string
	driverName    string
	goose         goose.Dialect
	migrationsDir string

	// claimLock is appended to the subquery that selects the next queued job.
	claimLock string
	// rowLock is appended to single-row reads made inside a transaction.
	rowLock string
	numbered bool
}

var (
	sqliteDialect = dialect{
		name:          "sqlite",
		driverName:    "sqlite",
		goose:         goose.DialectSQLite3,
		migrationsDir: "migrations/sqlite",
	}
	postgresDialect = dialect{
		name:          "postgres",
		driverName:    "pgx",
		goose:         goose.DialectPostgres,
		migrationsDir: "migrations/postgres",
		claimLock:     " FOR UPDATE SKIP LOCKED",
		rowLock:       " FOR UPDATE",
		numbered:      true,
	}
)

// rebind rewrites '?' placeholders to '$1..$n' for dialects that need it.
func (d dialect) rebind(q string) string {
	if !d.numbered || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
