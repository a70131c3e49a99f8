// Package track keeps a bounded observation window per identity and decides
// when an identity has been present long enough to be confirmed.
package track

import (
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/persona/internal/monitoring"
	"github.com/andresmejia3/persona/internal/timeutil"
)

// Options configures a Store.
type Options struct {
	// KeepSeconds is the confirmation window length
	KeepSeconds float64
	// SampleRate is the expected observations per second; the history holds
	// KeepSeconds*SampleRate observations
	SampleRate float64
	// MinConfidence and MinSimilarity are the window means required to confirm
	MinConfidence float64
	MinSimilarity float64
	// EvictionFactor scales KeepSeconds into the inactivity timeout. Default 1.5
	EvictionFactor float64
	// Clock stamps arrivals. Defaults to the wall clock
	Clock timeutil.Clock
}

// Store owns every live Track. All methods are safe for concurrent use, and
// an Update (append, confirm, evict) is applied atomically with respect to
// Snapshot.
type Store struct {
	mu         sync.Mutex
	clock      timeutil.Clock
	capacity   int
	evictAfter time.Duration
	minConf    float64
	minSim     float64
	tracks     map[int]*Track
}

// NewStore creates an empty Store.
func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.EvictionFactor <= 0 {
		opts.EvictionFactor = 1.5
	}
	capacity := int(opts.KeepSeconds * opts.SampleRate)
	if capacity < 1 {
		capacity = 1
	}
	evictSeconds := opts.KeepSeconds * opts.EvictionFactor
	return &Store{
		clock:      opts.Clock,
		capacity:   capacity,
		evictAfter: time.Duration(evictSeconds * float64(time.Second)),
		minConf:    opts.MinConfidence,
		minSim:     opts.MinSimilarity,
		tracks:     make(map[int]*Track),
	}
}

// Capacity returns the history window length.
func (s *Store) Capacity() int {
	return s.capacity
}

// Update appends one frame's observations and then evicts inactive tracks.
// It must be called for frames without observations too, so that stale
// tracks are reclaimed during quiet periods.
func (s *Store) Update(batch []Observation) Events {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var ev Events

	for _, obs := range batch {
		obs.At = now

		t, ok := s.tracks[obs.ID]
		if !ok {
			t = newTrack(obs.ID, s.capacity)
			s.tracks[obs.ID] = t
		}
		t.push(obs)
		t.LastSeen = now
		if t.FirstSeen.IsZero() {
			t.FirstSeen = now
		}

		if !t.Confirmed && t.full() {
			avgConf, avgSim := t.means()
			if avgConf >= s.minConf && avgSim >= s.minSim {
				t.Confirmed = true
				monitoring.Logf("person %d confirmed (avg_conf=%.3f avg_sim=%.3f)", t.ID, avgConf, avgSim)
				ev.Confirmed = append(ev.Confirmed, t.summary())
			}
		}
	}

	for id, t := range s.tracks {
		if now.Sub(t.LastSeen) > s.evictAfter {
			monitoring.Logf("removing inactive track id=%d", id)
			ev.Evicted = append(ev.Evicted, t.summary())
			delete(s.tracks, id)
		}
	}
	sort.Slice(ev.Evicted, func(i, j int) bool { return ev.Evicted[i].ID < ev.Evicted[j].ID })

	return ev
}

// Snapshot returns the latest normalised observation of every live track in
// ascending identity order, pending and confirmed alike.
func (s *Store) Snapshot() []Person {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(false)
}

// Confirmed returns the snapshot restricted to confirmed tracks.
func (s *Store) Confirmed() []Person {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(true)
}

func (s *Store) snapshotLocked(confirmedOnly bool) []Person {
	out := make([]Person, 0, len(s.tracks))
	for _, id := range s.idsLocked() {
		t := s.tracks[id]
		if confirmedOnly && !t.Confirmed {
			continue
		}
		obs, ok := t.latest()
		if !ok {
			continue
		}
		p, ok := normalise(t, obs)
		if !ok {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Summaries describes every live track in ascending identity order.
func (s *Store) Summaries() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Summary, 0, len(s.tracks))
	for _, id := range s.idsLocked() {
		out = append(out, s.tracks[id].summary())
	}
	return out
}

// Get returns the summary of one live track.
func (s *Store) Get(id int) (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tracks[id]
	if !ok {
		return Summary{}, false
	}
	return t.summary(), true
}

// Len returns the number of live tracks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

func (s *Store) idsLocked() []int {
	ids := make([]int, 0, len(s.tracks))
	for id := range s.tracks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
