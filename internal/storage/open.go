package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	logx "broadcastd/pkg/logx"

	"github.com/cockroachdb/errors"
)

// Open initializes the configured store and applies pending migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger, opts ...Option) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	o := buildOptions(opts)

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return openMemory(log, o), nil
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log, o)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log, o)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}

// Migrate applies pending migrations without keeping the store open.
// It returns the number of migrations applied.
func Migrate(ctx context.Context, cfg Config, log logx.Logger) (int, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var d dialect
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return 0, nil
	case "sqlite", "sqlite3":
		d = sqliteDialect
	case "postgres", "postgresql", "pgx":
		d = postgresDialect
	default:
		return 0, errors.Newf("unknown storage driver: %s", cfg.Driver)
	}
	dsn := cfg.DSN
	if d.name == "sqlite" {
		dsn = cfg.Path
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return 0, errors.Wrap(err, "sqlite dir")
		}
	}
	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", d.name)
	}
	defer db.Close()
	return migrate(ctx, db, d, log)
}

// newSQLStore wraps an existing handle. The schema must already exist.
func newSQLStore(db *sql.DB, d dialect, log logx.Logger, opts ...Option) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	o := buildOptions(opts)
	return &sqlStore{db: db, d: d, log: log, now: o.now}
}
