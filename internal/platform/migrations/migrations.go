// Package migrations applies the embedded schema in order inside a
// single transaction per file, tracked by the schema_version table.
// Migrations are plain numbered SQL files rather than a migration
// framework: the schema is small and the ordering is linear, so a
// dependency whose value is mostly in down-migrations and dirty-state
// recovery for large multi-team schemas bought nothing here.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var files embed.FS

// file pairs a migration's numeric version with its SQL body.
type file struct {
	version int
	name    string
	sql     string
}

func ordered() ([]file, error) {
	entries, err := files.ReadDir("sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: read embedded dir: %w", err)
	}

	out := make([]file, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(ent.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migrations: malformed file name %q", ent.Name())
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migrations: malformed version in %q: %w", ent.Name(), err)
		}
		body, err := files.ReadFile("sql/" + ent.Name())
		if err != nil {
			return nil, fmt.Errorf("migrations: read %q: %w", ent.Name(), err)
		}
		out = append(out, file{version: version, name: ent.Name(), sql: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Apply runs every embedded migration with a version greater than the
// database's current schema_version, in order, each inside its own
// transaction. The schema_version row insert lives inside each file,
// so success and the version bump are atomic together.
func Apply(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("migrations: ensure schema_version: %w", err)
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	all, err := ordered()
	if err != nil {
		return err
	}

	for _, f := range all {
		if f.version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migrations: begin %s: %w", f.name, err)
		}
		if _, err := tx.ExecContext(ctx, f.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrations: apply %s: %w", f.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrations: commit %s: %w", f.name, err)
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	row := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`)
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("migrations: read current version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
