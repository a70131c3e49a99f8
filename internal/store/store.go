// Package store journals when tracked persons were present. It keeps no
// appearance descriptors: identities from different sessions are unrelated.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/andresmejia3/persona/internal/track"
)

// Interval is one continuous presence of an identity within a session.
type Interval struct {
	ID           int64
	SessionID    string
	Source       string // filled in by ListIntervals
	PersonID     int
	FirstSeen    time.Time
	LastSeen     time.Time
	Observations int
	Confirmed    bool
}

// Duration returns how long the identity was present.
func (i Interval) Duration() time.Duration {
	return i.LastSeen.Sub(i.FirstSeen)
}

// FromSummary converts a track summary into an Interval of sessionID.
func FromSummary(sessionID string, s track.Summary) Interval {
	return Interval{
		SessionID:    sessionID,
		PersonID:     s.ID,
		FirstSeen:    s.FirstSeen,
		LastSeen:     s.LastSeen,
		Observations: s.Observations,
		Confirmed:    s.Confirmed,
	}
}

// Journal persists presence intervals.
type Journal interface {
	// OpenSession registers a run over source and returns its id.
	OpenSession(ctx context.Context, source string) (string, error)
	RecordInterval(ctx context.Context, iv Interval) error
	// ListIntervals returns intervals ordered by session start, then first sighting.
	ListIntervals(ctx context.Context, confirmedOnly bool) ([]Interval, error)
	// Reset drops every journal table.
	Reset(ctx context.Context) error
	Close(ctx context.Context)
}

// Open connects to the journal named by dsn. postgres:// and postgresql://
// select PostgreSQL; sqlite://path and file: URIs select an embedded
// SQLite database.
func Open(ctx context.Context, dsn string) (Journal, error) {
	var (
		j   Journal
		err error
	)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		j, err = NewPG(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		j, err = NewSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "file:"):
		j, err = NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported journal DSN %q (want postgres://, sqlite:// or file:)", dsn)
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}
