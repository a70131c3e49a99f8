package track

import (
	"encoding/json"
	"image"
	"time"
)

// Status is the confirmation state of a track.
type Status string

const (
	// Pending tracks have not yet shown sustained presence.
	Pending Status = "pending"
	// Confirmed is terminal for the life of the track.
	Confirmed Status = "confirmed"
)

// Observation is one detection attributed to an identity.
type Observation struct {
	ID          int
	Box         image.Rectangle // pixel coordinates in the source frame
	Confidence  float64
	Similarity  float64
	FrameWidth  int
	FrameHeight int
	// At is the arrival time, stamped by the Store
	At time.Time
}

// Track is the bounded observation history and confirmation state of one
// identity.
type Track struct {
	ID        int
	FirstSeen time.Time
	LastSeen  time.Time
	Confirmed bool
	// Observations counts every observation ever appended, including those
	// that have since fallen out of the history window
	Observations int

	history  []Observation
	capacity int
}

func newTrack(id, capacity int) *Track {
	return &Track{
		ID:       id,
		history:  make([]Observation, 0, capacity),
		capacity: capacity,
	}
}

// push appends obs, dropping the oldest observation once the window is full.
func (t *Track) push(obs Observation) {
	if len(t.history) < t.capacity {
		t.history = append(t.history, obs)
	} else {
		copy(t.history, t.history[1:])
		t.history[len(t.history)-1] = obs
	}
	t.Observations++
}

// full reports whether the history window holds capacity observations.
func (t *Track) full() bool {
	return len(t.history) >= t.capacity
}

// means returns the average confidence and similarity over the window.
func (t *Track) means() (conf, sim float64) {
	if len(t.history) == 0 {
		return 0, 0
	}
	for _, o := range t.history {
		conf += o.Confidence
		sim += o.Similarity
	}
	n := float64(len(t.history))
	return conf / n, sim / n
}

// latest returns the most recent observation.
func (t *Track) latest() (Observation, bool) {
	if len(t.history) == 0 {
		return Observation{}, false
	}
	return t.history[len(t.history)-1], true
}

// Status returns the track's confirmation state.
func (t *Track) Status() Status {
	if t.Confirmed {
		return Confirmed
	}
	return Pending
}

func (t *Track) summary() Summary {
	conf, sim := t.means()
	return Summary{
		ID:            t.ID,
		FirstSeen:     t.FirstSeen,
		LastSeen:      t.LastSeen,
		Observations:  t.Observations,
		Confirmed:     t.Confirmed,
		AvgConfidence: conf,
		AvgSimilarity: sim,
	}
}

// Summary describes a track's lifetime without its history.
type Summary struct {
	ID            int
	FirstSeen     time.Time
	LastSeen      time.Time
	Observations  int
	Confirmed     bool
	AvgConfidence float64 // over the current history window
	AvgSimilarity float64
}

// Events lists the lifecycle transitions of one Update call.
type Events struct {
	Confirmed []Summary
	Evicted   []Summary
}

// Empty reports whether no transition happened.
func (e Events) Empty() bool {
	return len(e.Confirmed) == 0 && len(e.Evicted) == 0
}

// Person is the normalised view of a live track's latest observation.
type Person struct {
	ID         int       `json:"id"`
	XMin       float64   `json:"x_min"`
	YMin       float64   `json:"y_min"`
	XMax       float64   `json:"x_max"`
	YMax       float64   `json:"y_max"`
	Confidence float64   `json:"conf"`
	Similarity float64   `json:"sim"`
	Status     Status    `json:"status"`
	LastSeen   time.Time `json:"-"`
}

// MarshalJSON writes last_seen as fractional Unix seconds.
func (p Person) MarshalJSON() ([]byte, error) {
	type alias Person
	return json.Marshal(struct {
		alias
		LastSeen float64 `json:"last_seen"`
	}{
		alias:    alias(p),
		LastSeen: float64(p.LastSeen.UnixNano()) / float64(time.Second),
	})
}

// normalise converts obs into a Person, or reports false when the frame size
// cannot be divided by.
func normalise(t *Track, obs Observation) (Person, bool) {
	if obs.FrameWidth <= 0 || obs.FrameHeight <= 0 {
		return Person{}, false
	}
	w := float64(obs.FrameWidth)
	h := float64(obs.FrameHeight)
	return Person{
		ID:         t.ID,
		XMin:       float64(obs.Box.Min.X) / w,
		YMin:       float64(obs.Box.Min.Y) / h,
		XMax:       float64(obs.Box.Max.X) / w,
		YMax:       float64(obs.Box.Max.Y) / h,
		Confidence: obs.Confidence,
		Similarity: obs.Similarity,
		Status:     t.Status(),
		LastSeen:   t.LastSeen,
	}, true
}
