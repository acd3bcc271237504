package persistence

import (
	"TradeLedger/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Migrator applies versioned schema files in order and records them in
// schema_migrations. Files are named {version}_{name}.up.sql with a
// matching .down.sql, golang-migrate style.
type Migrator struct {
	db      *sql.DB
	dialect Dialect
	files   fs.FS
	logger  zerolog.Logger
}

// NewMigrator reads migrations from a directory on disk (Postgres).
func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return NewMigratorFS(db, DialectPostgres, os.DirFS(migrationsDir))
}

// NewMigratorFS reads migrations from any filesystem, e.g. an embed.FS.
func NewMigratorFS(db *sql.DB, dialect Dialect, files fs.FS) *Migrator {
	return &Migrator{
		db:      db,
		dialect: dialect,
		files:   files,
		logger:  observability.NewLogger("migrator"),
	}
}

func (m *Migrator) WithLogger(l zerolog.Logger) *Migrator {
	m.logger = l
	return m
}

// MigrationStatus splits known versions into applied and pending.
type MigrationStatus struct {
	Applied []string
	Pending []string
}

// Applied returns the applied versions in ascending order.
func (m *Migrator) Applied(ctx context.Context) ([]string, error) {
	st, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	return st.Applied, nil
}

func (m *Migrator) Status(ctx context.Context) (*MigrationStatus, error) {
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	files, err := m.upFiles()
	if err != nil {
		return nil, err
	}

	st := &MigrationStatus{}
	for v := range applied {
		st.Applied = append(st.Applied, v)
	}
	sort.Strings(st.Applied)
	for _, f := range files {
		if v := versionOf(f); !applied[v] {
			st.Pending = append(st.Pending, v)
		}
	}
	return st, nil
}

// Up applies every pending migration, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}
	files, err := m.upFiles()
	if err != nil {
		return err
	}

	n := 0
	for _, f := range files {
		version := versionOf(f)
		if applied[version] {
			continue
		}
		record := m.dialect.Rebind(`INSERT INTO schema_migrations (version, filename) VALUES (?, ?)`)
		if err := m.exec(ctx, f, record, version, f); err != nil {
			return err
		}
		m.logger.Info().Str("version", version).Str("file", f).Msg("applied migration")
		n++
	}
	if n == 0 {
		m.logger.Debug().Msg("schema up to date")
	}
	return nil
}

// Down rolls back the latest applied migration. No-op when none is applied.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	down := strings.TrimSuffix(filename, upSuffix) + downSuffix
	forget := m.dialect.Rebind(`DELETE FROM schema_migrations WHERE version = ?`)
	if err := m.exec(ctx, down, forget, version); err != nil {
		return err
	}
	m.logger.Info().Str("version", version).Str("file", down).Msg("rolled back migration")
	return nil
}

// exec runs one migration file and its bookkeeping statement atomically.
func (m *Migrator) exec(ctx context.Context, file, bookkeeping string, args ...interface{}) error {
	body, err := fs.ReadFile(m.files, file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	ts := "TIMESTAMPTZ NOT NULL DEFAULT NOW()"
	if m.dialect == DialectSQLite {
		ts = "TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP"
	}
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at `+ts+`
		)`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied versions: %w", err)
	}
	defer rows.Close()

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

func (m *Migrator) upFiles() ([]string, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), upSuffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// versionOf returns the prefix before the first '_':
// "000001_ledger.up.sql" -> "000001".
func versionOf(filename string) string {
	if i := strings.IndexByte(filename, '_'); i > 0 {
		return filename[:i]
	}
	return strings.TrimSuffix(filename, upSuffix)
}
