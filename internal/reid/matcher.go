// Package reid assigns persistent integer identities to appearance
// descriptors by nearest-neighbour search over a registry of known people.
package reid

import (
	"sync"

	"github.com/andresmejia3/persona/internal/feature"
	"github.com/andresmejia3/persona/internal/monitoring"
	"gonum.org/v1/gonum/floats"
)

// DefaultThreshold is the minimum cosine similarity for a match.
const DefaultThreshold = 0.75

// DefaultBlend is the weight the stored descriptor keeps when it absorbs a match.
const DefaultBlend = 0.7

// Matcher is the identity registry. Identities are issued from 1 upwards and
// never reused. A registry entry only changes by blending in a matched
// descriptor; entries are removed only through Forget.
type Matcher struct {
	mu sync.Mutex
	// threshold is the similarity cutoff used by Identify
	threshold float64
	// blend is the weight of the stored descriptor in the running average
	blend float64
	// nextID is the identity the next new person receives
	nextID int
	// order holds live identities in ascending order; the scan walks it so
	// ties resolve to the oldest identity
	order   []int
	entries map[int]feature.Descriptor
}

// NewMatcher returns an empty registry.
func NewMatcher(threshold, blend float64) *Matcher {
	return &Matcher{
		threshold: threshold,
		blend:     blend,
		nextID:    1,
		entries:   make(map[int]feature.Descriptor),
	}
}

// Identify matches d against the registry using the Matcher's threshold.
func (m *Matcher) Identify(d feature.Descriptor) (int, float64) {
	return m.Match(d, m.threshold)
}

// Match returns the identity for d and the similarity that decided it.
//
// With an empty registry d becomes identity 1 with similarity 1. Otherwise the
// most similar entry wins; if it reaches threshold its descriptor is blended
// towards d, else d is registered under a new identity and the best (failed)
// similarity is returned for diagnostics.
func (m *Matcher) Match(d feature.Descriptor, threshold float64) (int, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order) == 0 {
		id := m.register(d)
		monitoring.Debugf("new person assigned id=%d (initial)", id)
		return id, 1.0
	}

	bestID := -1
	bestSim := 0.0
	for _, id := range m.order {
		sim := CosineSimilarity(d, m.entries[id])
		if bestID == -1 || sim > bestSim {
			bestID = id
			bestSim = sim
		}
	}

	if bestSim >= threshold {
		stored := m.entries[bestID]
		if len(stored) == len(d) {
			floats.Scale(m.blend, stored)
			floats.AddScaled(stored, 1-m.blend, d)
		}
		return bestID, bestSim
	}

	id := m.register(d)
	monitoring.Debugf("new person assigned id=%d (sim=%.3f)", id, bestSim)
	return id, bestSim
}

// register stores a copy of d under a fresh identity. Callers hold mu.
func (m *Matcher) register(d feature.Descriptor) int {
	id := m.nextID
	m.nextID++

	stored := make(feature.Descriptor, len(d))
	copy(stored, d)
	m.entries[id] = stored
	m.order = append(m.order, id)
	return id
}

// Forget drops id from the registry. The identity is never issued again.
func (m *Matcher) Forget(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; !ok {
		return false
	}
	delete(m.entries, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of registered identities.
func (m *Matcher) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Descriptor returns a copy of the stored descriptor for id.
func (m *Matcher) Descriptor(id int) (feature.Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	out := make(feature.Descriptor, len(stored))
	copy(out, stored)
	return out, true
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// the lengths differ or either vector is zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}
