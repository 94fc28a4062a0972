package sqlite

import (
	"context"
	"embed"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/josongmin/semantica-task-engine/server/contexts/ctxerr"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrateTables applies any schema migrations not yet recorded in the
// schema_version table. Migrations are .sql files named NNN_description.sql
// and are applied in lexical order, each in its own transaction.
func (ds *Datastore) MigrateTables(ctx context.Context) error {
	if _, err := ds.writer.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`,
	); err != nil {
		return ctxerr.Wrap(ctx, err, "create schema_version table")
	}

	applied := map[int64]bool{}
	var versions []int64
	if err := sqlx.SelectContext(ctx, ds.writer, &versions, `SELECT version FROM schema_version`); err != nil {
		return ctxerr.Wrap(ctx, err, "read schema_version")
	}
	for _, v := range versions {
		applied[v] = true
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}

	for _, name := range names {
		version := migrationVersion(name)
		if applied[version] {
			continue
		}

		stmts, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return ctxerr.Wrapf(ctx, err, "read migration %s", name)
		}

		err = ds.withTx(ctx, func(tx sqlx.ExtContext) error {
			if _, err := tx.ExecContext(ctx, string(stmts)); err != nil {
				return ctxerr.Wrapf(ctx, err, "apply migration %s", name)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
				version, ds.clock.Now().UnixMilli(),
			); err != nil {
				return ctxerr.Wrapf(ctx, err, "record migration %s", name)
			}
			return nil
		})
		if err != nil {
			return err
		}

		ds.logger.Log("msg", "applied migration", "version", version)
	}

	return nil
}

// MigrationStatus returns the highest applied schema version.
func (ds *Datastore) MigrationStatus(ctx context.Context) (int64, error) {
	var version int64
	if err := sqlx.GetContext(ctx, ds.reader, &version,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`,
	); err != nil {
		return 0, ctxerr.Wrap(ctx, err, "read migration status")
	}
	return version, nil
}

func migrationNames() ([]string, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, ctxerr.Wrap(context.Background(), err, "list migrations")
	}
	var names []string
	for _, e := range entries {
		// Down scripts are shipped for operator use but never applied here.
		if strings.HasSuffix(e.Name(), "_down.sql") {
			continue
		}
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func migrationVersion(name string) int64 {
	var v int64
	for _, c := range name {
		if c < '0' || c > '9' {
			break
		}
		v = v*10 + int64(c-'0')
	}
	return v
}
