// Package pipeline turns frames into tracked persons: detect, filter,
// describe and identify, then update the track store.
package pipeline

import (
	"context"
	"image"
	"sync"

	"github.com/andresmejia3/persona/internal/config"
	"github.com/andresmejia3/persona/internal/detect"
	"github.com/andresmejia3/persona/internal/feature"
	"github.com/andresmejia3/persona/internal/monitoring"
	"github.com/andresmejia3/persona/internal/reid"
	"github.com/andresmejia3/persona/internal/timeutil"
	"github.com/andresmejia3/persona/internal/track"
)

// Detector finds objects in a frame.
type Detector interface {
	Detect(ctx context.Context, frame image.Image) ([]detect.Detection, error)
}

// Listener receives the lifecycle events of a processed frame. It runs while
// frames are serialised and must not block.
type Listener func(track.Events)

// Pipeline wires the extractor, matcher and store together. It is safe for
// concurrent use; detection runs in parallel while identification and store
// updates are applied one frame at a time.
type Pipeline struct {
	detector  Detector
	extractor *feature.Extractor
	matcher   *reid.Matcher
	store     *track.Store

	minConf float64
	class   int
	prune   bool

	mu       sync.Mutex
	listener Listener
}

// New builds a Pipeline from cfg. A nil clock means the wall clock.
func New(cfg *config.Config, detector Detector, clock timeutil.Clock) *Pipeline {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Pipeline{
		detector:  detector,
		extractor: feature.NewExtractor(cfg.ResizeWidth, cfg.ResizeHeight, cfg.HistogramBins),
		matcher:   reid.NewMatcher(cfg.SimilarityThreshold, cfg.BlendWeight),
		store: track.NewStore(track.Options{
			KeepSeconds:    cfg.KeepSeconds,
			SampleRate:     cfg.SampleRate,
			MinConfidence:  cfg.MinConfidence,
			MinSimilarity:  cfg.MinSimilarity,
			EvictionFactor: cfg.EvictionFactor,
			Clock:          clock,
		}),
		minConf: cfg.DetectionThreshold,
		class:   cfg.PersonClass,
		prune:   cfg.PruneRegistry,
	}
}

// SetListener registers l for lifecycle events, replacing any previous one.
func (p *Pipeline) SetListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

// ProcessFrame runs one full cycle on frame and returns the snapshot of
// every live track. A frame without area yields an empty result and leaves
// the store untouched.
//
// A detector output that cannot be decoded is logged and handled as a frame
// without detections. Any other detector failure is handled the same way but
// is also returned next to the snapshot, so the caller can restart the
// detector.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame image.Image) ([]track.Person, error) {
	if frame == nil || frame.Bounds().Empty() {
		return []track.Person{}, nil
	}

	dets, err := p.detector.Detect(ctx, frame)
	if err != nil {
		if detect.IsShapeError(err) {
			monitoring.Logf("unexpected detector output, treating frame as empty: %v", err)
			err = nil
		} else {
			monitoring.Logf("detector failed, treating frame as empty: %v", err)
		}
		dets = nil
	}

	return p.Ingest(frame, dets), err
}

// Ingest applies detections produced elsewhere for frame: filtering,
// identification and the store update. It returns the resulting snapshot.
func (p *Pipeline) Ingest(frame image.Image, dets []detect.Detection) []track.Person {
	if frame == nil || frame.Bounds().Empty() {
		return []track.Person{}
	}
	bounds := frame.Bounds()
	people := Filter(dets, p.class, p.minConf)

	p.mu.Lock()
	defer p.mu.Unlock()

	batch := make([]track.Observation, 0, len(people))
	for _, d := range people {
		desc := p.extractor.Extract(frame, d.Box)
		id, sim := p.matcher.Identify(desc)
		batch = append(batch, track.Observation{
			ID:          id,
			Box:         d.Box,
			Confidence:  d.Confidence,
			Similarity:  sim,
			FrameWidth:  bounds.Dx(),
			FrameHeight: bounds.Dy(),
		})
	}

	ev := p.store.Update(batch)
	if p.prune {
		for _, s := range ev.Evicted {
			p.matcher.Forget(s.ID)
		}
	}
	if p.listener != nil && !ev.Empty() {
		p.listener(ev)
	}

	snap := p.store.Snapshot()
	monitoring.Debugf("frame %dx%d: %d detections, %d people, %d tracked", bounds.Dx(), bounds.Dy(), len(dets), len(people), len(snap))
	return snap
}

// Filter keeps the detections of class with at least minConf confidence.
func Filter(dets []detect.Detection, class int, minConf float64) []detect.Detection {
	out := make([]detect.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Class == class && d.Confidence >= minConf {
			out = append(out, d)
		}
	}
	return out
}

// Snapshot returns every live track without processing a frame.
func (p *Pipeline) Snapshot() []track.Person {
	return p.store.Snapshot()
}

// Confirmed returns the live tracks that have been confirmed.
func (p *Pipeline) Confirmed() []track.Person {
	return p.store.Confirmed()
}

// Summaries describes every live track.
func (p *Pipeline) Summaries() []track.Summary {
	return p.store.Summaries()
}

// Identities returns the number of identities the matcher remembers.
func (p *Pipeline) Identities() int {
	return p.matcher.Len()
}
