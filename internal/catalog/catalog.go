// Package catalog records saved map snapshots in a sqlite database.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/slamctl/internal/monitoring"
	"github.com/banshee-data/slamctl/internal/slam/persistence"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no snapshot matches a query.
var ErrNotFound = errors.New("snapshot not found")

// Entry is a catalogued snapshot.
type Entry struct {
	ID          string
	Path        string
	SessionID   string
	KeyFrames   int
	MapPoints   int
	Bytes       int64
	Compression string
	SavedAt     time.Time
}

// Catalog is a sqlite-backed snapshot catalog. It implements
// persistence.Recorder.
type Catalog struct {
	db  *sql.DB
	log *log.Logger
}

// Open opens (creating if needed) the catalog at path and applies pending
// migrations. Use ":memory:" for a throwaway catalog.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	// one connection keeps ":memory:" databases coherent and serialises
	// writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure catalog %s: %w", path, err)
	}

	c := &Catalog{db: db, log: monitoring.Component("catalog")}
	if err := c.MigrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(c.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{log: c.log}
	return m, nil
}

// MigrateUp applies all pending migrations. The migrate instance is not
// closed because that would close the shared database handle.
func (c *Catalog) MigrateUp() error {
	m, err := c.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the applied schema version, 0 if none.
func (c *Catalog) MigrateVersion() (uint, bool, error) {
	m, err := c.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// RecordSnapshot stores a snapshot description.
func (c *Catalog) RecordSnapshot(ctx context.Context, info persistence.SnapshotInfo) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO map_snapshots
			(snapshot_id, path, session_id, keyframes, mappoints, size_bytes, compression, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.Path, info.SessionID, info.KeyFrames, info.MapPoints, info.Bytes,
		string(info.Compression), info.SavedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record snapshot %s: %w", info.Path, err)
	}
	return nil
}

const selectEntries = `
	SELECT snapshot_id, path, session_id, keyframes, mappoints, size_bytes, compression, saved_at
	FROM map_snapshots`

// List returns up to limit snapshots, newest first. limit <= 0 returns all.
func (c *Catalog) List(ctx context.Context, limit int) ([]Entry, error) {
	query := selectEntries + ` ORDER BY saved_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Latest returns the newest snapshot saved to path.
func (c *Catalog) Latest(ctx context.Context, path string) (Entry, error) {
	row := c.db.QueryRowContext(ctx, selectEntries+` WHERE path = ? ORDER BY saved_at DESC, rowid DESC LIMIT 1`, path)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var savedAt string
	if err := s.Scan(&e.ID, &e.Path, &e.SessionID, &e.KeyFrames, &e.MapPoints, &e.Bytes, &e.Compression, &savedAt); err != nil {
		return Entry{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, savedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("snapshot %s: bad saved_at %q: %w", e.ID, savedAt, err)
	}
	e.SavedAt = t
	return e, nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct {
	log *log.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debugf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}
