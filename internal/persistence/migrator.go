package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// schemaLockKey is the advisory lock every schema change takes, so replicas
// that auto-migrate on startup apply each version exactly once.
const schemaLockKey int64 = 0x6d636c72

var migrationFile = regexp.MustCompile(`^(\d+)_([A-Za-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one schema version: a forward script and the script that
// reverses it.
type Migration struct {
	Version  string
	Name     string
	UpFile   string
	DownFile string
}

// MigrationStatus reports one version. Missing is set for versions recorded
// in the database whose scripts are no longer on disk.
type MigrationStatus struct {
	Migration
	Applied   bool
	AppliedAt time.Time
	Missing   bool
}

// LoadMigrations pairs the NNNNNN_name.up.sql and NNNNNN_name.down.sql files
// in dir, ordered by version. Unpaired scripts and reused versions are
// errors; other files are ignored.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		parts := migrationFile.FindStringSubmatch(e.Name())
		if parts == nil {
			continue
		}
		version, name, direction := parts[1], parts[2], parts[3]

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: name}
			byVersion[version] = mig
		}
		if mig.Name != name {
			return nil, fmt.Errorf("version %s used by both %q and %q", version, mig.Name, name)
		}
		if direction == "up" {
			mig.UpFile = e.Name()
		} else {
			mig.DownFile = e.Name()
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.UpFile == "" || mig.DownFile == "" {
			return nil, fmt.Errorf("migration %s_%s needs both up and down scripts", mig.Version, mig.Name)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrator applies the clearing schema to Postgres.
type Migrator struct {
	db  *sql.DB
	dir string
	log zerolog.Logger
}

func NewMigrator(db *sql.DB, dir string, log zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: dir, log: log}
}

// Up applies every pending version in order.
func (m *Migrator) Up(ctx context.Context) error {
	migrations, err := LoadMigrations(m.dir)
	if err != nil {
		return err
	}
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	applied := 0
	for _, mig := range migrations {
		ran, err := m.step(ctx, mig, true)
		if err != nil {
			return err
		}
		if ran {
			applied++
			m.log.Info().Str("version", mig.Version).Str("name", mig.Name).Msg("migration applied")
		}
	}
	m.log.Info().Int("applied", applied).Int("known", len(migrations)).Msg("schema up to date")
	return nil
}

// Down reverts the most recently applied version. It is a no-op on an empty
// schema.
func (m *Migrator) Down(ctx context.Context) error {
	migrations, err := LoadMigrations(m.dir)
	if err != nil {
		return err
	}
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	var version string
	err = m.db.QueryRowContext(ctx,
		`SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		m.log.Info().Msg("nothing to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest applied version: %w", err)
	}

	for _, mig := range migrations {
		if mig.Version != version {
			continue
		}
		if _, err := m.step(ctx, mig, false); err != nil {
			return err
		}
		m.log.Info().Str("version", mig.Version).Str("name", mig.Name).Msg("migration reverted")
		return nil
	}
	return fmt.Errorf("applied version %s has no scripts in %s", version, m.dir)
}

// Status lists every known version, plus applied versions missing from disk.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := LoadMigrations(m.dir)
	if err != nil {
		return nil, err
	}
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var (
			v  string
			at time.Time
		)
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		applied[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return mergeStatus(migrations, applied), nil
}

func mergeStatus(migrations []Migration, applied map[string]time.Time) []MigrationStatus {
	out := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		at, ok := applied[mig.Version]
		out = append(out, MigrationStatus{Migration: mig, Applied: ok, AppliedAt: at})
		delete(applied, mig.Version)
	}
	for v, at := range applied {
		out = append(out, MigrationStatus{Migration: Migration{Version: v}, Applied: true, AppliedAt: at, Missing: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// step runs one script and its bookkeeping under the schema lock. It reports
// false when the version was already in the requested state, e.g. because a
// concurrent migrator got there first.
func (m *Migrator) step(ctx context.Context, mig Migration, up bool) (bool, error) {
	file := mig.DownFile
	if up {
		file = mig.UpFile
	}
	script, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return false, fmt.Errorf("read %s: %w", file, err)
	}

	ran := false
	err = withTransaction(ctx, m.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
			return fmt.Errorf("schema lock: %w", err)
		}
		var present bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, mig.Version,
		).Scan(&present); err != nil {
			return fmt.Errorf("check version %s: %w", mig.Version, err)
		}
		if present == up {
			return nil
		}

		if _, err := tx.ExecContext(ctx, string(script)); err != nil {
			return fmt.Errorf("exec %s: %w", file, err)
		}
		if up {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.Version, mig.Name)
		} else {
			_, err = tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, mig.Version)
		}
		if err != nil {
			return fmt.Errorf("record version %s: %w", mig.Version, err)
		}
		ran = true
		return nil
	})
	return ran, err
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}
