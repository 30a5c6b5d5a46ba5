package storage

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"

	logx "broadcastd/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// migrate applies pending schema migrations and returns how many ran.
func migrate(ctx context.Context, db *sql.DB, d dialect, log logx.Logger) (int, error) {
	sub, err := fs.Sub(migrationsFS, d.migrationsDir)
	if err != nil {
		return 0, errors.Wrap(err, "migrations fs")
	}
	p, err := goose.NewProvider(d.goose, db, sub)
	if err != nil {
		return 0, errors.Wrapf(err, "goose provider (%s)", d.name)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "migrate %s", d.name)
	}
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		log.Info("migration applied",
			logx.String("dialect", d.name),
			logx.Int64("version", r.Source.Version),
			logx.Duration("took", r.Duration),
		)
	}
	return len(results), nil
}
