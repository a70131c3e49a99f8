package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/andresmejia3/persona/internal/monitoring"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// SQLiteStore is the embedded journal for single-host deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and migrates it to the
// latest schema.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; the recorder is the only hot path.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// newMigrate creates a migrate instance over the embedded migrations.
// It is not closed: closing it would close the underlying DB.
func (s *SQLiteStore) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// MigrateUp runs all pending migrations.
func (s *SQLiteStore) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version, 0 when none is applied.
func (s *SQLiteStore) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// migrateLogger routes migrate output through the package logger.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Close closes the database.
func (s *SQLiteStore) Close(ctx context.Context) {
	s.db.Close()
}

// OpenSession registers a new session for source.
func (s *SQLiteStore) OpenSession(ctx context.Context, source string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (id, source, started_ns) VALUES (?, ?, ?)`,
		id, source, time.Now().UnixNano())
	if err != nil {
		return "", err
	}
	return id, nil
}

// RecordInterval saves one presence interval.
func (s *SQLiteStore) RecordInterval(ctx context.Context, iv Interval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence_intervals (session_id, person_id, first_seen_ns, last_seen_ns, observations, confirmed)
		VALUES (?, ?, ?, ?, ?, ?)
	`, iv.SessionID, iv.PersonID, iv.FirstSeen.UnixNano(), iv.LastSeen.UnixNano(), iv.Observations, iv.Confirmed)
	return err
}

// ListIntervals returns the journal, oldest session first.
func (s *SQLiteStore) ListIntervals(ctx context.Context, confirmedOnly bool) ([]Interval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.session_id, s.source, p.person_id, p.first_seen_ns, p.last_seen_ns, p.observations, p.confirmed
		FROM presence_intervals p
		JOIN sessions s ON s.id = p.session_id
		WHERE ? = 0 OR p.confirmed = 1
		ORDER BY s.started_ns, p.first_seen_ns, p.id
	`, confirmedOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Interval
	for rows.Next() {
		var iv Interval
		var first, last int64
		if err := rows.Scan(&iv.ID, &iv.SessionID, &iv.Source, &iv.PersonID, &first, &last, &iv.Observations, &iv.Confirmed); err != nil {
			return nil, err
		}
		iv.FirstSeen = time.Unix(0, first)
		iv.LastSeen = time.Unix(0, last)
		out = append(out, iv)
	}
	return out, rows.Err()
}

// Reset rolls every migration back, dropping the journal tables. The next
// NewSQLite recreates them.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}
