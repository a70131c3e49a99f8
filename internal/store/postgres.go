package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PGStore is the PostgreSQL journal.
type PGStore struct {
	// pgx.Conn is not safe for concurrent use
	mu   sync.Mutex
	conn *pgx.Conn
}

// NewPG establishes a connection to the database and ensures the schema is initialized.
func NewPG(ctx context.Context, connString string) (*PGStore, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &PGStore{conn: conn}, nil
}

// initSchema creates the journal tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS presence_intervals (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			person_id INT NOT NULL,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			observations INT NOT NULL,
			confirmed BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS presence_intervals_session_idx ON presence_intervals (session_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *PGStore) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// OpenSession registers a new session for source.
func (s *PGStore) OpenSession(ctx context.Context, source string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.conn.Exec(ctx, `INSERT INTO sessions (id, source, started_at) VALUES ($1, $2, NOW())`, id, source)
	if err != nil {
		return "", err
	}
	return id, nil
}

// RecordInterval saves one presence interval.
func (s *PGStore) RecordInterval(ctx context.Context, iv Interval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		INSERT INTO presence_intervals (session_id, person_id, first_seen, last_seen, observations, confirmed)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, iv.SessionID, iv.PersonID, iv.FirstSeen, iv.LastSeen, iv.Observations, iv.Confirmed)
	return err
}

// ListIntervals returns the journal, oldest session first.
func (s *PGStore) ListIntervals(ctx context.Context, confirmedOnly bool) ([]Interval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT p.id, p.session_id, s.source, p.person_id, p.first_seen, p.last_seen, p.observations, p.confirmed
		FROM presence_intervals p
		JOIN sessions s ON s.id = p.session_id
		WHERE $1 = FALSE OR p.confirmed
		ORDER BY s.started_at, p.first_seen, p.id
	`, confirmedOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Interval
	for rows.Next() {
		var iv Interval
		if err := rows.Scan(&iv.ID, &iv.SessionID, &iv.Source, &iv.PersonID, &iv.FirstSeen, &iv.LastSeen, &iv.Observations, &iv.Confirmed); err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// The next NewPG recreates them.
func (s *PGStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS presence_intervals CASCADE;
		DROP TABLE IF EXISTS sessions CASCADE;
	`)
	return err
}
