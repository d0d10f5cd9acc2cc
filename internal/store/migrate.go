package store

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/sentinel-hq/sentinel/internal/errs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// runMigrations brings db's schema up to the latest embedded version,
// tracked via SQLite's user_version pragma (grounded on the pack's
// zamorofthat-elida sqlite store, generalized from a single inline
// CREATE-TABLE block to ordered, versioned, embedded .up.sql files so
// later schema changes ship as new migrations rather than edits to
// existing ones). Applying an already-applied migration is a no-op, and a
// partial failure surfaces as a *errs.StoreIntegrityError naming the
// version that failed to apply, so the operator knows exactly where
// recovery must resume (spec section 7).
func runMigrations(dbPath string, db *sql.DB) error {
	entries, err := fs.Glob(migrationFS, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("store: glob embedded migrations: %w", err)
	}
	sort.Strings(entries)

	var current int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	for _, path := range entries {
		version, err := migrationVersion(path)
		if err != nil {
			return fmt.Errorf("store: %s: %w", path, err)
		}
		if version <= current {
			continue
		}

		sqlBytes, err := migrationFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("store: read %s: %w", path, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return &errs.StoreIntegrityError{DBPath: dbPath, TargetVersion: version, Cause: err}
		}
		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return &errs.StoreIntegrityError{DBPath: dbPath, TargetVersion: version, Cause: err}
		}
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, version)); err != nil {
			tx.Rollback()
			return &errs.StoreIntegrityError{DBPath: dbPath, TargetVersion: version, Cause: err}
		}
		if err := tx.Commit(); err != nil {
			return &errs.StoreIntegrityError{DBPath: dbPath, TargetVersion: version, Cause: err}
		}
		current = version
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration file name
// such as "migrations/0001_init.up.sql" -> 1.
func migrationVersion(path string) (int, error) {
	base := path[strings.LastIndex(path, "/")+1:]
	numPart := base[:strings.IndexByte(base, '_')]
	return strconv.Atoi(numPart)
}

// LatestMigrationVersion returns the highest version among the embedded
// migrations, for reporting how far `db migrate --dry-run` would advance
// a database without actually opening (and thus migrating) it.
func LatestMigrationVersion() (int, error) {
	entries, err := fs.Glob(migrationFS, "migrations/*.up.sql")
	if err != nil {
		return 0, fmt.Errorf("store: glob embedded migrations: %w", err)
	}
	latest := 0
	for _, path := range entries {
		v, err := migrationVersion(path)
		if err != nil {
			return 0, fmt.Errorf("store: %s: %w", path, err)
		}
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

// CurrentSchemaVersion opens dbPath read-only-in-spirit (no migrations
// are applied) and reports its PRAGMA user_version, for `db migrate
// --dry-run`.
func CurrentSchemaVersion(dbPath string) (int, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return 0, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	defer db.Close()

	var current int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return 0, fmt.Errorf("store: read schema version: %w", err)
	}
	return current, nil
}
