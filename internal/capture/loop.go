package capture

import (
	"context"
	"errors"
	"image"
	"io"
	"time"

	"github.com/andresmejia3/persona/internal/monitoring"
	"github.com/andresmejia3/persona/internal/timeutil"
	"github.com/andresmejia3/persona/internal/track"
)

// Processor runs the tracking cycle on one frame.
type Processor interface {
	ProcessFrame(ctx context.Context, frame image.Image) ([]track.Person, error)
}

// Loop feeds frames from Source into Processor every Interval and publishes
// the result into Latest.
type Loop struct {
	Source    Source
	Processor Processor
	Latest    *Latest
	Interval  time.Duration
	Clock     timeutil.Clock
}

// Run polls until ctx is cancelled or the source is exhausted. It returns
// nil in both cases and the source's error otherwise.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.Interval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	clock := l.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := l.step(ctx, clock); err != nil {
			if errors.Is(err, io.EOF) {
				monitoring.Logf("capture source exhausted")
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// step processes the newest frame, if any.
func (l *Loop) step(ctx context.Context, clock timeutil.Clock) error {
	frame, err := l.Source.Read(ctx)
	switch {
	case errors.Is(err, ErrNoFrame):
		return nil
	case errors.Is(err, ErrBadFrame):
		monitoring.Logf("skipping frame: %v", err)
		return nil
	case err != nil:
		return err
	}

	persons, err := l.Processor.ProcessFrame(ctx, frame)
	if err != nil {
		monitoring.Logf("frame processing degraded: %v", err)
	}
	l.Latest.Set(persons, clock.Now())
	return nil
}
