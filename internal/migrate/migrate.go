// Package migrate applies the embedded schema migrations.
package migrate

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rank-sync/internal/db"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// advisoryLockID serializes concurrent migrators (overlapping deploys).
const advisoryLockID = 7312024

// Migrate applies every pending migration in lexicographic order. Each file
// and its schema_migrations row commit in one transaction.
func Migrate(ctx context.Context, pool db.Pool) error {
	log := zap.L().With(zap.String("component", "migrate"))

	if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockID); err != nil {
		return eris.Wrap(err, "migrate: acquire advisory lock")
	}
	defer func() {
		if _, err := pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockID); err != nil {
			log.Warn("migrate: failed to release advisory lock", zap.Error(err))
		}
	}()

	if err := ensureMigrationTable(ctx, pool); err != nil {
		return err
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}

	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return err
	}

	for _, name := range names {
		if applied[name] {
			continue
		}
		if err := apply(ctx, pool, name); err != nil {
			return err
		}
		log.Info("migration applied", zap.String("file", name))
	}
	return nil
}

func apply(ctx context.Context, pool db.Pool, name string) error {
	data, err := migrationFS.ReadFile("migrations/" + name)
	if err != nil {
		return eris.Wrapf(err, "migrate: read %s", name)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "migrate: begin %s", name)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, string(data)); err != nil {
		return eris.Wrapf(err, "migrate: apply %s", name)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, now())",
		name,
	); err != nil {
		return eris.Wrapf(err, "migrate: record %s", name)
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrapf(err, "migrate: commit %s", name)
	}
	return nil
}

// migrationNames lists embedded migration files in apply order.
func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "migrate: read migration dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func ensureMigrationTable(ctx context.Context, pool db.Pool) error {
	sql := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := pool.Exec(ctx, sql); err != nil {
		return eris.Wrap(err, "migrate: ensure migration table")
	}
	return nil
}

func appliedMigrations(ctx context.Context, pool db.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "migrate: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "migrate: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
