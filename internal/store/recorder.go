package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/persona/internal/monitoring"
	"github.com/andresmejia3/persona/internal/track"
)

// Recorder writes evicted tracks to a Journal on its own goroutine so that
// database latency never stalls frame processing.
type Recorder struct {
	journal   Journal
	sessionID string

	mu      sync.Mutex // guards closed and sends on events
	closed  bool
	events  chan track.Events
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
	written atomic.Int64
}

// NewRecorder starts a Recorder for sessionID buffering up to buffer
// pending event batches.
func NewRecorder(journal Journal, sessionID string, buffer int) *Recorder {
	if buffer < 1 {
		buffer = 64
	}
	r := &Recorder{
		journal:   journal,
		sessionID: sessionID,
		events:    make(chan track.Events, buffer),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues ev without blocking. Batches arriving while the buffer is
// full, or after Close, are dropped and counted.
func (r *Recorder) Record(ev track.Events) {
	if len(ev.Evicted) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped.Add(int64(len(ev.Evicted)))
		monitoring.Logf("journal closed, dropping %d intervals", len(ev.Evicted))
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(int64(len(ev.Evicted)))
		monitoring.Logf("journal backlog full, dropping %d intervals", len(ev.Evicted))
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.events {
		for _, s := range ev.Evicted {
			r.write(context.Background(), s)
		}
	}
}

func (r *Recorder) write(ctx context.Context, s track.Summary) {
	if err := r.journal.RecordInterval(ctx, FromSummary(r.sessionID, s)); err != nil {
		monitoring.Logf("failed to journal person %d: %v", s.ID, err)
		return
	}
	r.written.Add(1)
}

// Close drains the queue, then journals live tracks as if they had just
// been evicted. Later calls to Record are dropped.
func (r *Recorder) Close(ctx context.Context, live []track.Summary) {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.events)
		r.mu.Unlock()

		select {
		case <-r.done:
		case <-ctx.Done():
			monitoring.Logf("journal drain interrupted: %v", ctx.Err())
			return
		}
		for _, s := range live {
			r.write(ctx, s)
		}
	})
}

// Written returns how many intervals reached the journal.
func (r *Recorder) Written() int64 {
	return r.written.Load()
}

// Dropped returns how many intervals were discarded because of backlog.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}
