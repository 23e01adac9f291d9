package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/ashita-ai/hyoka/migrations"
)

// tablesInDropOrder lists every table, children before parents.
var tablesInDropOrder = []string{
	"ground_truth",
	"datasets",
	"feedbacks",
	"feedback_defs",
	"records",
	"apps",
	"schema_migrations",
}

// Migrate applies the embedded migrations.
func (db *DB) Migrate(ctx context.Context) error {
	return db.RunMigrations(ctx, migrations.FS)
}

// RunMigrations executes unapplied SQL migration files from the provided filesystem in order.
// It tracks applied migrations in a <prefix>schema_migrations table so each file runs at most once.
// Files may contain several statements separated by semicolons at line ends.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := db.sql.ExecContext(ctx, db.q(`
		CREATE TABLE IF NOT EXISTS {p}schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)
	`)); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := db.loadAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		name := entry.Name()
		if applied[name] {
			db.logger.Debug("migration already applied, skipping", "file", name)
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}

		db.logger.Info("running migration", "file", name, "prefix", db.prefix)
		err = db.inTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range splitStatements(db.tables.Replace(string(content))) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("storage: execute migration %s: %w", name, err)
				}
			}
			if _, err := tx.ExecContext(ctx,
				db.q(`INSERT INTO {p}schema_migrations (version, applied_at) VALUES (?, ?) ON CONFLICT DO NOTHING`),
				name, time.Now().UnixMicro(),
			); err != nil {
				return fmt.Errorf("storage: record migration %s: %w", name, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// loadAppliedMigrations returns the set of migration filenames already recorded.
func (db *DB) loadAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := db.sql.QueryContext(ctx, db.q(`SELECT version FROM {p}schema_migrations`))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// ResetDatabase drops every prefixed table and migrates again. All data is lost.
func (db *DB) ResetDatabase(ctx context.Context) error {
	db.logger.Warn("storage: resetting database", "prefix", db.prefix)
	for _, t := range tablesInDropOrder {
		if _, err := db.sql.ExecContext(ctx, "DROP TABLE IF EXISTS "+db.Table(t)); err != nil {
			return fmt.Errorf("storage: drop %s: %w", db.Table(t), err)
		}
	}
	return db.Migrate(ctx)
}

// splitStatements splits a migration file on semicolons that end a line,
// dropping comment-only and empty fragments.
func splitStatements(script string) []string {
	var out []string
	var cur strings.Builder
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			if stmt := strings.TrimSpace(cur.String()); stmt != ";" {
				out = append(out, strings.TrimSuffix(stmt, ";"))
			}
			cur.Reset()
		}
	}
	if stmt := strings.TrimSpace(cur.String()); stmt != "" {
		out = append(out, stmt)
	}
	return out
}
