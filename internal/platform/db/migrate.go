package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one versioned SQL file, e.g. "004_observation.sql".
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
	// Tables lists the tables the file creates.
	Tables []string
}

// MigrationStatus describes a migration as found in a schema.
type MigrationStatus struct {
	Migration
	AppliedAt *time.Time
	// Drifted is set when the file changed after it was applied.
	Drifted bool
	// Missing lists tables the migration created that are gone.
	Missing []string
}

func (s MigrationStatus) Applied() bool { return s.AppliedAt != nil }

// State summarises the status for display.
func (s MigrationStatus) State() string {
	switch {
	case !s.Applied():
		return "pending"
	case s.Drifted:
		return "drifted"
	case len(s.Missing) > 0:
		return "incomplete"
	}
	return "applied"
}

var (
	schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	filePattern   = regexp.MustCompile(`^(\d+)_([A-Za-z0-9_]+)\.sql$`)
	createTable   = regexp.MustCompile(`(?i)\bCREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?([a-z_][a-z0-9_]*)`)
)

// ValidSchema reports whether name is safe to interpolate as a schema identifier.
func ValidSchema(name string) bool {
	return schemaPattern.MatchString(name)
}

// LoadMigrations reads the versioned .sql files at the root of files, sorted
// by version. Other files are skipped; two files sharing a version are an
// error.
func LoadMigrations(files fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	seen := make(map[int]string)
	var out []Migration
	for _, entry := range entries {
		m := filePattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || m == nil {
			continue
		}
		version, _ := strconv.Atoi(m[1])
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, entry.Name(), version)
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(files, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(content)
		mig := Migration{
			Version:  version,
			Name:     entry.Name(),
			SQL:      string(content),
			Checksum: hex.EncodeToString(sum[:]),
		}
		for _, t := range createTable.FindAllStringSubmatch(mig.SQL, -1) {
			mig.Tables = append(mig.Tables, strings.ToLower(t[1]))
		}
		out = append(out, mig)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrator applies migrations to a schema. Each migration runs in its own
// transaction under an advisory lock on the schema, so servers starting
// together apply every file once.
type Migrator struct {
	pool  *pgxpool.Pool
	files fs.FS
}

func NewMigrator(pool *pgxpool.Pool, files fs.FS) *Migrator {
	return &Migrator{pool: pool, files: files}
}

func (m *Migrator) ensureTable(ctx context.Context, schema string) error {
	if !ValidSchema(schema) {
		return fmt.Errorf("invalid schema name %q", schema)
	}
	_, err := m.pool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s._migrations (
    version    INTEGER PRIMARY KEY,
    name       VARCHAR(255) NOT NULL,
    checksum   TEXT NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ DEFAULT NOW()
)`, schema))
	if err != nil {
		return fmt.Errorf("create _migrations table in %s: %w", schema, err)
	}
	return nil
}

// Up applies pending migrations up to and including target, or all of them
// when target is 0. It returns how many it applied.
func (m *Migrator) Up(ctx context.Context, schema string, target int) (int, error) {
	if err := m.ensureTable(ctx, schema); err != nil {
		return 0, err
	}
	migrations, err := LoadMigrations(m.files)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range migrations {
		if target > 0 && mig.Version > target {
			break
		}
		applied, err := m.apply(ctx, schema, mig)
		if err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		if applied {
			count++
		}
	}
	return count, nil
}

func (m *Migrator) apply(ctx context.Context, schema string, mig Migration) (bool, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", schema); err != nil {
		return false, fmt.Errorf("lock schema: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", schema)); err != nil {
		return false, fmt.Errorf("set search_path: %w", err)
	}

	var done bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM _migrations WHERE version = $1)", mig.Version).Scan(&done); err != nil {
		return false, fmt.Errorf("check version: %w", err)
	}
	if done {
		return false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return false, fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO _migrations (version, name, checksum) VALUES ($1, $2, $3)",
		mig.Version, mig.Name, mig.Checksum,
	); err != nil {
		return false, fmt.Errorf("record migration: %w", err)
	}
	return true, tx.Commit(ctx)
}

// Status reports every known migration for schema, flagging edited files and
// tables that have since been dropped.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	if err := m.ensureTable(ctx, schema); err != nil {
		return nil, err
	}
	migrations, err := LoadMigrations(m.files)
	if err != nil {
		return nil, err
	}

	type record struct {
		checksum string
		at       time.Time
	}
	rows, err := m.pool.Query(ctx, fmt.Sprintf(`SELECT version, checksum, applied_at FROM %s._migrations`, schema))
	if err != nil {
		return nil, fmt.Errorf("query migration status in %s: %w", schema, err)
	}
	applied := make(map[int]record)
	for rows.Next() {
		var v int
		var r record
		if err := rows.Scan(&v, &r.checksum, &r.at); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan migration status: %w", err)
		}
		applied[v] = r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migration status: %w", err)
	}

	var created []string
	for _, mig := range migrations {
		created = append(created, mig.Tables...)
	}
	missing, err := MissingTables(ctx, m.pool, schema, created...)
	if err != nil {
		return nil, err
	}
	gone := make(map[string]bool, len(missing))
	for _, t := range missing {
		gone[t] = true
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		s := MigrationStatus{Migration: mig}
		if r, ok := applied[mig.Version]; ok {
			at := r.at
			s.AppliedAt = &at
			s.Drifted = r.checksum != "" && r.checksum != mig.Checksum
			for _, t := range mig.Tables {
				if gone[t] {
					s.Missing = append(s.Missing, t)
				}
			}
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

// MissingTables returns which of tables do not exist in schema.
func MissingTables(ctx context.Context, pool *pgxpool.Pool, schema string, tables ...string) ([]string, error) {
	if len(tables) == 0 {
		return nil, nil
	}
	rows, err := pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = $1 AND table_name = ANY($2)`,
		schema, tables)
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", schema, err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(tables))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		found[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, t := range tables {
		if !found[t] {
			missing = append(missing, t)
		}
	}
	return missing, nil
}
