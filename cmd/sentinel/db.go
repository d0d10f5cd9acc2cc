package main

import (
	"archive/zip"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spf13/cobra"

	"github.com/sentinel-hq/sentinel/internal/config"
	"github.com/sentinel-hq/sentinel/internal/store"
)

var dbMigrateDryRun bool

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the SQLite store's schema and archives",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDBMigrate,
}

var dbArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Write a timestamped zip snapshot of the store file next to it",
	RunE:  runDBArchive,
}

func init() {
	dbMigrateCmd.Flags().BoolVar(&dbMigrateDryRun, "dry-run", false, "report pending migrations without applying them")
	dbCmd.AddCommand(dbMigrateCmd, dbArchiveCmd)
}

func runDBMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return configErr(fmt.Errorf("db migrate: %w", err))
	}

	latest, err := store.LatestMigrationVersion()
	if err != nil {
		return lifecycleErr(fmt.Errorf("db migrate: %w", err))
	}

	if dbMigrateDryRun {
		current, err := store.CurrentSchemaVersion(cfg.Store.Path)
		if err != nil {
			return lifecycleErr(fmt.Errorf("db migrate: %w", err))
		}
		printResult(map[string]any{"current_version": current, "target_version": latest, "pending": latest > current}, func() {
			if latest > current {
				printf("schema version %d -> %d (%d migration(s) pending)\n", current, latest, latest-current)
			} else {
				printf("schema already at version %d, nothing to do\n", current)
			}
		})
		return nil
	}

	// store.Open runs every pending migration as part of connecting.
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return lifecycleErr(fmt.Errorf("db migrate: %w", err))
	}
	defer st.Close()

	printResult(map[string]any{"target_version": latest}, func() {
		printf("store migrated to schema version %d\n", latest)
	})
	return nil
}

func runDBArchive(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return configErr(fmt.Errorf("db archive: %w", err))
	}

	src := cfg.Store.Path
	if _, err := os.Stat(src); err != nil {
		return lifecycleErr(fmt.Errorf("db archive: stat %s: %w", src, err))
	}

	stamp := time.Now().UTC().Format("20060102T150405Z")
	snapshot := fmt.Sprintf("%s.%s.snapshot", src, stamp)
	if err := vacuumInto(src, snapshot); err != nil {
		return lifecycleErr(fmt.Errorf("db archive: %w", err))
	}
	defer os.Remove(snapshot)

	archivePath := fmt.Sprintf("%s.%s.zip", src, stamp)
	if err := zipFile(snapshot, filepath.Base(src), archivePath); err != nil {
		return lifecycleErr(fmt.Errorf("db archive: %w", err))
	}

	printResult(map[string]any{"archive_path": archivePath}, func() {
		printf("wrote %s\n", archivePath)
	})
	return nil
}

// vacuumInto takes a crash-consistent snapshot of a live (possibly
// WAL-mode) SQLite database via VACUUM INTO, so archiving never races a
// concurrent writer the way a raw file copy would.
func vacuumInto(src, dst string) error {
	db, err := sql.Open("sqlite", src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer db.Close()

	if _, err := db.Exec(`VACUUM INTO ?`, dst); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dst, err)
	}
	return nil
}

func zipFile(src, entryName, dstZip string) error {
	out, err := os.OpenFile(dstZip, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", dstZip, err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	w, err := zw.Create(entryName)
	if err != nil {
		return fmt.Errorf("create zip entry: %w", err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("copy %s into archive: %w", src, err)
	}
	return nil
}
