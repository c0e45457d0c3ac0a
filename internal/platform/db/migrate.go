package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrChecksumMismatch is returned when an applied migration file has been
// edited since it ran.
var ErrChecksumMismatch = errors.New("applied migration was modified")

// Migration is one SQL file. Checksum is the hex SHA-256 of SQL.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// MigrationStatus reports one migration. Modified is set when the file no
// longer matches the checksum recorded when it was applied.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	Modified  bool
	AppliedAt *time.Time
}

// appliedMigration is one row of _migrations.
type appliedMigration struct {
	checksum  string
	appliedAt time.Time
}

// Conn is the subset of pgxpool.Pool the migrator needs. pgxmock pools
// satisfy it too.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Migrator applies SQL files from a filesystem, usually the embedded
// Migrations set.
type Migrator struct {
	pool Conn
	fsys fs.FS
	dir  string
}

// NewMigrator reads migration files from dir inside fsys.
func NewMigrator(pool Conn, fsys fs.FS, dir string) *Migrator {
	return &Migrator{
		pool: pool,
		fsys: fsys,
		dir:  dir,
	}
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS _migrations (
    version INTEGER PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    checksum CHAR(64) NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ DEFAULT NOW()
)`

// EnsureMigrationsTable creates the _migrations tracking table.
func (m *Migrator) EnsureMigrationsTable(ctx context.Context) error {
	if _, err := m.pool.Exec(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("create _migrations table: %w", err)
	}
	return nil
}

// versionOf parses the numeric prefix of "001_documents.sql".
func versionOf(name string) (int, bool) {
	prefix, _, found := strings.Cut(name, "_")
	if !found {
		return 0, false
	}
	v, err := strconv.Atoi(prefix)
	return v, err == nil && v > 0
}

// LoadMigrations returns the .sql files of the directory in version order.
// Files without a numeric prefix are ignored; two files with the same
// version are an error.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	if _, err := fs.Stat(m.fsys, m.dir); err != nil {
		return nil, fmt.Errorf("read migrations directory %s: %w", m.dir, err)
	}
	paths, err := fs.Glob(m.fsys, path.Join(m.dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("list migrations in %s: %w", m.dir, err)
	}

	byVersion := make(map[int]Migration, len(paths))
	for _, p := range paths {
		name := path.Base(p)
		version, ok := versionOf(name)
		if !ok {
			continue
		}
		if prev, dup := byVersion[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev.Name, name, version)
		}
		content, err := fs.ReadFile(m.fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", name, err)
		}
		sum := sha256.Sum256(content)
		byVersion[version] = Migration{
			Version:  version,
			Name:     name,
			SQL:      string(content),
			Checksum: hex.EncodeToString(sum[:]),
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		migrations = append(migrations, mig)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// appliedVersions returns the rows of _migrations keyed by version.
func (m *Migrator) appliedVersions(ctx context.Context) (map[int]appliedMigration, error) {
	rows, err := m.pool.Query(ctx, `SELECT version, checksum, applied_at FROM _migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]appliedMigration)
	for rows.Next() {
		var v int
		var row appliedMigration
		if err := rows.Scan(&v, &row.checksum, &row.appliedAt); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}

	return applied, nil
}

// modified reports whether mig differs from what was applied. Rows written
// before checksums were recorded are trusted.
func (a appliedMigration) modified(mig Migration) bool {
	return a.checksum != "" && a.checksum != mig.Checksum
}

// Up applies all pending migrations in version order. Each migration runs
// in its own transaction. Returns the count of applied migrations. Nothing
// is applied when an already applied file has been edited.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	return m.UpTo(ctx, 0)
}

// UpTo applies pending migrations up to and including targetVersion. A
// targetVersion of 0 applies everything.
func (m *Migrator) UpTo(ctx context.Context, targetVersion int) (int, error) {
	if err := m.EnsureMigrationsTable(ctx); err != nil {
		return 0, err
	}

	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}
	for _, mig := range migrations {
		if row, ok := applied[mig.Version]; ok && row.modified(mig) {
			return 0, fmt.Errorf("migration %d (%s): %w", mig.Version, mig.Name, ErrChecksumMismatch)
		}
	}

	count := 0
	for _, mig := range migrations {
		if targetVersion > 0 && mig.Version > targetVersion {
			break
		}
		if _, done := applied[mig.Version]; done {
			continue
		}

		if err := m.applyMigration(ctx, mig); err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		count++
	}

	return count, nil
}

// applyMigration runs a single migration in a transaction and records it in
// the _migrations table.
func (m *Migrator) applyMigration(ctx context.Context, mig Migration) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO _migrations (version, name, checksum) VALUES ($1, $2, $3)",
		mig.Version, mig.Name, mig.Checksum,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit(ctx)
}

// Status returns every known migration, applied or pending.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.EnsureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		status := MigrationStatus{
			Version: mig.Version,
			Name:    mig.Name,
		}
		if row, ok := applied[mig.Version]; ok {
			status.Applied = true
			status.Modified = row.modified(mig)
			appliedAt := row.appliedAt
			status.AppliedAt = &appliedAt
		}
		statuses = append(statuses, status)
	}

	return statuses, nil
}
