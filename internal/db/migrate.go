package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations
var migrations embed.FS

func newMigrator(dbx *sqlx.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations/mysql")
	if err != nil {
		return nil, fmt.Errorf("open migration source: %w", err)
	}
	driver, err := migratemysql.WithInstance(dbx.DB, &migratemysql.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", src, "mysql", driver)
}

// MigrateUp applies all pending MySQL migrations. The DSN must allow multiStatements.
func MigrateUp(dbx *sqlx.DB) error {
	m, err := newMigrator(dbx)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// MigrateDown reverts every MySQL migration (dev only).
func MigrateDown(dbx *sqlx.DB) error {
	m, err := newMigrator(dbx)
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// ApplyClickHouse executes the ClickHouse DDL files in order. The native
// protocol takes one statement per Exec, so files are split on ';'.
func ApplyClickHouse(ctx context.Context, ch *sqlx.DB) error {
	files, err := fs.Glob(migrations, "migrations/clickhouse/*.sql")
	if err != nil {
		return err
	}
	for _, f := range files {
		raw, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}
		for _, stmt := range SplitStatements(string(raw)) {
			if _, err := ch.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec %s: %w", f, err)
			}
		}
	}
	return nil
}

// SplitStatements splits a DDL script on ';' and drops empty statements.
func SplitStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
