// Package migrations applies the numerically-ordered SQL files embedded
// from this package's own directory, grounded on the teacher's own ordered-file applier
// (embed.FS + lexical sort + sequential ExecContext). It additionally
// maintains a _migrations tracking table, since spec.md §6 calls that table
// out by name as "the only table safe to reason about pre-migration".
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed *.sql
var files embed.FS

const createTrackingTable = `
CREATE TABLE IF NOT EXISTS _migrations (
    filename    TEXT PRIMARY KEY,
    applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Apply executes every embedded *.sql file in lexical (numeric-prefix) order
// that has not already been recorded in _migrations. Each migration's DDL
// uses IF NOT EXISTS guards so re-applying an already-applied file is safe,
// but the tracking table lets callers (spine db init, doctor) answer "what
// has been applied" without inspecting DDL.
func Apply(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createTrackingTable); err != nil {
		return fmt.Errorf("create _migrations table: %w", err)
	}

	names, err := sortedMigrationNames()
	if err != nil {
		return err
	}

	applied, err := appliedNames(ctx, db)
	if err != nil {
		return err
	}

	for _, name := range names {
		if applied[name] {
			continue
		}
		sqlBytes, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx for %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO _migrations (filename) VALUES ($1)`, name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

// Applied returns the filenames recorded in _migrations, in the order they
// were applied.
func Applied(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT filename FROM _migrations ORDER BY applied_at`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func appliedNames(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	names, err := Applied(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

func sortedMigrationNames() ([]string, error) {
	entries, err := files.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".sql") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
