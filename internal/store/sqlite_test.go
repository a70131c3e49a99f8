package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/persona/internal/monitoring"
	"github.com/andresmejia3/persona/internal/track"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func openTestSQLite(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, path
}

func TestSQLite_MigratesOnOpen(t *testing.T) {
	s, _ := openTestSQLite(t)

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Re-running is a no-op
	require.NoError(t, s.MigrateUp())
}

func TestSQLite_RecordAndList(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestSQLite(t)

	session, err := s.OpenSession(ctx, "/dev/video0")
	require.NoError(t, err)
	assert.Len(t, session, 36)

	want := []Interval{
		{SessionID: session, Source: "/dev/video0", PersonID: 1, FirstSeen: t0, LastSeen: t0.Add(12 * time.Second), Observations: 60, Confirmed: true},
		{SessionID: session, Source: "/dev/video0", PersonID: 2, FirstSeen: t0.Add(time.Second), LastSeen: t0.Add(1500 * time.Millisecond), Observations: 3},
	}
	for _, iv := range want {
		require.NoError(t, s.RecordInterval(ctx, iv))
	}

	got, err := s.ListIntervals(ctx, false)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Interval{}, "ID")); diff != "" {
		t.Errorf("intervals mismatch (-want +got):\n%s", diff)
	}
	assert.Less(t, got[0].ID, got[1].ID)
	assert.Equal(t, 12*time.Second, got[0].Duration())

	confirmed, err := s.ListIntervals(ctx, true)
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, 1, confirmed[0].PersonID)
}

func TestSQLite_UnknownSessionRejected(t *testing.T) {
	s, _ := openTestSQLite(t)
	err := s.RecordInterval(context.Background(), Interval{SessionID: "missing", PersonID: 1, FirstSeen: t0, LastSeen: t0})
	assert.Error(t, err, "foreign keys are enforced")
}

func TestSQLite_ResetAndReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTestSQLite(t)

	session, err := s.OpenSession(ctx, "clip.mp4")
	require.NoError(t, err)
	require.NoError(t, s.RecordInterval(ctx, Interval{SessionID: session, PersonID: 7, FirstSeen: t0, LastSeen: t0}))

	require.NoError(t, s.Reset(ctx))
	_, err = s.ListIntervals(ctx, false)
	assert.Error(t, err, "tables are gone after reset")
	s.Close(ctx)

	reopened, err := NewSQLite(path)
	require.NoError(t, err)
	defer reopened.Close(ctx)

	got, err := reopened.ListIntervals(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	j, err := Open(ctx, "sqlite://"+filepath.Join(dir, "a.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, j)
	j.Close(ctx)

	j, err = Open(ctx, "file:"+filepath.Join(dir, "b.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, j)
	j.Close(ctx)

	_, err = Open(ctx, "mysql://localhost/db")
	assert.ErrorContains(t, err, "unsupported journal DSN")
}

func TestFromSummary(t *testing.T) {
	s := track.Summary{ID: 4, FirstSeen: t0, LastSeen: t0.Add(time.Minute), Observations: 300, Confirmed: true, AvgConfidence: 0.9}
	assert.Equal(t, Interval{
		SessionID:    "abc",
		PersonID:     4,
		FirstSeen:    t0,
		LastSeen:     t0.Add(time.Minute),
		Observations: 300,
		Confirmed:    true,
	}, FromSummary("abc", s))
}
