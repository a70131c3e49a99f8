package track

import (
	"encoding/json"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/persona/internal/monitoring"
	"github.com/andresmejia3/persona/internal/timeutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func newTestStore(keep, rate float64) (*Store, *timeutil.ManualClock) {
	clock := timeutil.NewManualClock(epoch)
	return NewStore(Options{
		KeepSeconds:   keep,
		SampleRate:    rate,
		MinConfidence: 0.6,
		MinSimilarity: 0.75,
		Clock:         clock,
	}), clock
}

func obs(id int, conf, sim float64) Observation {
	return Observation{
		ID:          id,
		Box:         image.Rect(10, 10, 50, 110),
		Confidence:  conf,
		Similarity:  sim,
		FrameWidth:  100,
		FrameHeight: 200,
	}
}

func status(t *testing.T, s *Store, id int) Status {
	t.Helper()
	for _, p := range s.Snapshot() {
		if p.ID == id {
			return p.Status
		}
	}
	t.Fatalf("identity %d not in snapshot", id)
	return ""
}

func TestCapacity(t *testing.T) {
	s, _ := newTestStore(2, 5)
	assert.Equal(t, 10, s.Capacity())

	s, _ = newTestStore(0.1, 1)
	assert.Equal(t, 1, s.Capacity())
}

func TestConfirmationScenario(t *testing.T) {
	s, clock := newTestStore(2, 5)

	for i := 1; i <= 10; i++ {
		clock.Advance(200 * time.Millisecond)
		ev := s.Update([]Observation{obs(7, 0.8, 0.9)})
		if i < 10 {
			require.Equal(t, Pending, status(t, s, 7), "after observation %d", i)
			assert.Empty(t, ev.Confirmed)
		} else {
			require.Len(t, ev.Confirmed, 1)
			assert.Equal(t, 7, ev.Confirmed[0].ID)
		}
	}
	assert.Equal(t, Confirmed, status(t, s, 7))

	clock.Advance(200 * time.Millisecond)
	ev := s.Update([]Observation{obs(7, 0.1, 0.9)})
	assert.Empty(t, ev.Confirmed)
	assert.Equal(t, Confirmed, status(t, s, 7))

	p := s.Snapshot()[0]
	assert.Equal(t, 0.1, p.Confidence)
}

func TestShortPresenceNeverConfirms(t *testing.T) {
	s, clock := newTestStore(2, 5)
	for i := 0; i < 9; i++ {
		clock.Advance(100 * time.Millisecond)
		s.Update([]Observation{obs(1, 1.0, 1.0)})
	}
	assert.Equal(t, Pending, status(t, s, 1))
	assert.Empty(t, s.Confirmed())
}

func TestLowMeansStayPending(t *testing.T) {
	s, clock := newTestStore(2, 5)
	for i := 0; i < 10; i++ {
		clock.Advance(100 * time.Millisecond)
		s.Update([]Observation{obs(1, 0.5, 0.9), obs(2, 0.9, 0.7)})
	}
	assert.Equal(t, Pending, status(t, s, 1), "mean confidence below minimum")
	assert.Equal(t, Pending, status(t, s, 2), "mean similarity below minimum")
}

func TestWindowSlidesUntilConfirmed(t *testing.T) {
	s, clock := newTestStore(2, 5)
	// ten weak observations fill the window without confirming
	for i := 0; i < 10; i++ {
		clock.Advance(100 * time.Millisecond)
		s.Update([]Observation{obs(1, 0.2, 0.9)})
	}
	require.Equal(t, Pending, status(t, s, 1))

	// strong observations push the weak ones out; means cross 0.6 once
	// at least six of ten are 0.9: (6*0.9+4*0.2)/10 = 0.62
	for i := 1; i <= 6; i++ {
		clock.Advance(100 * time.Millisecond)
		s.Update([]Observation{obs(1, 0.9, 0.9)})
		if i < 6 {
			require.Equal(t, Pending, status(t, s, 1), "after strong observation %d", i)
		}
	}
	assert.Equal(t, Confirmed, status(t, s, 1))

	sum, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, 16, sum.Observations)
	assert.InDelta(t, 0.62, sum.AvgConfidence, 1e-9)
}

func TestHistoryIsBounded(t *testing.T) {
	s, clock := newTestStore(1, 3)
	for i := 0; i < 20; i++ {
		clock.Advance(10 * time.Millisecond)
		s.Update([]Observation{obs(1, float64(i)/100, 0.9)})
	}
	s.mu.Lock()
	tr := s.tracks[1]
	assert.Len(t, tr.history, 3)
	assert.Equal(t, 0.17, tr.history[0].Confidence)
	assert.Equal(t, 0.19, tr.history[2].Confidence)
	s.mu.Unlock()
}

func TestFirstAndLastSeen(t *testing.T) {
	s, clock := newTestStore(2, 5)
	clock.Advance(time.Second)
	first := clock.Now()
	s.Update([]Observation{obs(3, 0.9, 0.9)})

	clock.Advance(time.Second)
	last := clock.Now()
	s.Update([]Observation{obs(3, 0.9, 0.9)})

	sum, ok := s.Get(3)
	require.True(t, ok)
	assert.Equal(t, first, sum.FirstSeen)
	assert.Equal(t, last, sum.LastSeen)
	assert.Equal(t, last, s.Snapshot()[0].LastSeen)
}

func TestEvictionOnEmptyCycle(t *testing.T) {
	s, clock := newTestStore(2, 5)
	s.Update([]Observation{obs(1, 0.9, 0.9)})

	// exactly 1.5 * keep is not yet stale
	clock.Advance(3 * time.Second)
	ev := s.Update(nil)
	assert.Empty(t, ev.Evicted)
	assert.Len(t, s.Snapshot(), 1)

	clock.Advance(time.Millisecond)
	ev = s.Update(nil)
	require.Len(t, ev.Evicted, 1)
	assert.Equal(t, 1, ev.Evicted[0].ID)
	assert.Empty(t, s.Snapshot())
	assert.Equal(t, 0, s.Len())
}

func TestEvictionKeepsActiveTracks(t *testing.T) {
	s, clock := newTestStore(2, 5)
	s.Update([]Observation{obs(1, 0.9, 0.9), obs(2, 0.9, 0.9)})

	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		s.Update([]Observation{obs(2, 0.9, 0.9)})
	}

	ids := []int{}
	for _, p := range s.Snapshot() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []int{2}, ids)
}

func TestReappearingIdentityStartsFresh(t *testing.T) {
	s, clock := newTestStore(1, 2)
	s.Update([]Observation{obs(1, 0.9, 0.9)})
	clock.Advance(100 * time.Millisecond)
	s.Update([]Observation{obs(1, 0.9, 0.9)})
	require.Equal(t, Confirmed, status(t, s, 1))

	clock.Advance(2 * time.Second)
	s.Update(nil)
	require.Equal(t, 0, s.Len())

	s.Update([]Observation{obs(1, 0.9, 0.9)})
	assert.Equal(t, Pending, status(t, s, 1))
}

func TestSnapshotNormalisation(t *testing.T) {
	s, _ := newTestStore(2, 5)
	s.Update([]Observation{obs(4, 0.8, 0.95)})

	got := s.Snapshot()
	want := []Person{{
		ID:         4,
		XMin:       0.1,
		YMin:       0.05,
		XMax:       0.5,
		YMax:       0.55,
		Confidence: 0.8,
		Similarity: 0.95,
		Status:     Pending,
		LastSeen:   epoch,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotSkipsUnnormalisableFrames(t *testing.T) {
	s, _ := newTestStore(2, 5)
	bad := obs(1, 0.9, 0.9)
	bad.FrameWidth = 0
	s.Update([]Observation{bad, obs(2, 0.9, 0.9)})

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 2, snap[0].ID)
	assert.Equal(t, 2, s.Len(), "the track itself is kept")
}

func TestSnapshotOrderedByIdentity(t *testing.T) {
	s, _ := newTestStore(2, 5)
	s.Update([]Observation{obs(9, 0.9, 0.9), obs(2, 0.9, 0.9), obs(5, 0.9, 0.9)})

	var ids []int
	for _, p := range s.Snapshot() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []int{2, 5, 9}, ids)
}

func TestSummaries(t *testing.T) {
	s, _ := newTestStore(2, 5)
	s.Update([]Observation{obs(3, 0.5, 0.7), obs(1, 0.9, 0.9)})

	sums := s.Summaries()
	require.Len(t, sums, 2)
	assert.Equal(t, 1, sums[0].ID)
	assert.Equal(t, 3, sums[1].ID)
	assert.Equal(t, 1, sums[1].Observations)
	assert.False(t, sums[1].Confirmed)
}

func TestPersonJSON(t *testing.T) {
	p := Person{
		ID:         1,
		XMin:       0.1,
		YMin:       0.2,
		XMax:       0.3,
		YMax:       0.4,
		Confidence: 0.9,
		Similarity: 0.8,
		Status:     Confirmed,
		LastSeen:   time.Unix(1700000000, 500000000),
	}
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, 1.0, got["id"])
	assert.Equal(t, 0.1, got["x_min"])
	assert.Equal(t, 0.4, got["y_max"])
	assert.Equal(t, 0.9, got["conf"])
	assert.Equal(t, 0.8, got["sim"])
	assert.Equal(t, "confirmed", got["status"])
	assert.InDelta(t, 1700000000.5, got["last_seen"], 1e-3)
}

func TestConcurrentUpdateAndSnapshot(t *testing.T) {
	s := NewStore(Options{KeepSeconds: 1, SampleRate: 5, MinConfidence: 0.6, MinSimilarity: 0.75})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Update([]Observation{obs(w+1, 0.9, 0.9)})
				for _, p := range s.Snapshot() {
					assert.NotEmpty(t, p.Status)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, s.Confirmed(), 4)
}
