package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

var migrationName = regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

// migration is one direction of a numbered schema change. Version is the
// up file's base name, which is what schema_migrations records.
type migration struct {
	Version string
	Path    string
}

// listMigrations returns the files for one direction ("up" or "down"),
// ascending by number.
func listMigrations(dir, direction string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	items := make([]migration, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil || match[2] != direction {
			continue
		}
		items = append(items, migration{
			Version: strings.TrimSuffix(entry.Name(), ".down.sql"),
			Path:    filepath.Join(dir, entry.Name()),
		})
		if direction == "down" {
			items[len(items)-1].Version += ".up.sql"
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Version < items[j].Version })
	return items, nil
}

// ApplyMigrations runs every pending up migration, each in its own
// transaction together with its schema_migrations row.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}

	ups, err := listMigrations(migrationsDir, "up")
	if err != nil {
		return err
	}

	for _, up := range ups {
		migrated, err := isMigrated(ctx, db, up.Version)
		if err != nil {
			return err
		}
		if migrated {
			continue
		}
		err = runMigration(ctx, db, up, `INSERT INTO schema_migrations(version) VALUES($1)`)
		if err != nil {
			return err
		}
		log.Info().Str("version", up.Version).Msg("migration applied")
	}
	return nil
}

// RollbackMigrations runs the down file of every applied migration, newest
// first, and forgets it.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}

	downs, err := listMigrations(migrationsDir, "down")
	if err != nil {
		return err
	}

	for i := len(downs) - 1; i >= 0; i-- {
		down := downs[i]
		migrated, err := isMigrated(ctx, db, down.Version)
		if err != nil {
			return err
		}
		if !migrated {
			continue
		}
		if err := runMigration(ctx, db, down, `DELETE FROM schema_migrations WHERE version=$1`); err != nil {
			return err
		}
		log.Info().Str("version", down.Version).Msg("migration rolled back")
	}
	return nil
}

func runMigration(ctx context.Context, db *sql.DB, m migration, bookkeeping string) error {
	contents, err := os.ReadFile(m.Path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", filepath.Base(m.Path), err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", m.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if body := strings.TrimSpace(string(contents)); body != "" {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			return fmt.Errorf("execute migration %s: %w", filepath.Base(m.Path), err)
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, m.Version); err != nil {
		return fmt.Errorf("record migration %s: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.Version, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
