package capture

import (
	"sync"
	"time"

	"github.com/andresmejia3/persona/internal/track"
)

// Latest holds the most recent snapshot published by a Loop.
type Latest struct {
	mu      sync.RWMutex
	persons []track.Person
	updated time.Time
	frames  uint64
}

// Set replaces the snapshot.
func (l *Latest) Set(persons []track.Person, at time.Time) {
	cp := make([]track.Person, len(persons))
	copy(cp, persons)

	l.mu.Lock()
	l.persons = cp
	l.updated = at
	l.frames++
	l.mu.Unlock()
}

// Get returns a copy of the snapshot and when it was taken.
func (l *Latest) Get() ([]track.Person, time.Time) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]track.Person, len(l.persons))
	copy(out, l.persons)
	return out, l.updated
}

// Confirmed returns the confirmed persons of the snapshot.
func (l *Latest) Confirmed() []track.Person {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]track.Person, 0, len(l.persons))
	for _, p := range l.persons {
		if p.Status == track.Confirmed {
			out = append(out, p)
		}
	}
	return out
}

// Frames returns how many snapshots have been published.
func (l *Latest) Frames() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frames
}
