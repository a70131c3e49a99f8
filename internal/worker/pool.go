package worker

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/persona/internal/detect"
	"github.com/andresmejia3/persona/internal/monitoring"
)

// Engine is a single detector a Pool can hand out.
type Engine interface {
	Detect(ctx context.Context, frame image.Image) ([]detect.Detection, error)
	ProcessFrame(data []byte) ([]detect.Detection, error)
	Close()
}

// Pool shares a fixed set of detector engines between concurrent callers.
type Pool struct {
	idle    chan Engine
	engines []Engine
	once    sync.Once
}

// NewPool starts size detector processes. If any of them fails to come up
// the ones already running are stopped and the error is returned.
func NewPool(ctx context.Context, size int, cfg Config) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	engines := make([]Engine, 0, size)
	for i := 0; i < size; i++ {
		w, err := NewDetectorWorker(ctx, i, cfg)
		if err != nil {
			for _, e := range engines {
				e.Close()
			}
			return nil, err
		}
		monitoring.Logf("detector engine %d ready", i)
		engines = append(engines, w)
	}
	return NewPoolFromEngines(engines...), nil
}

// NewPoolFromEngines wraps already running engines.
func NewPoolFromEngines(engines ...Engine) *Pool {
	p := &Pool{
		idle:    make(chan Engine, len(engines)),
		engines: engines,
	}
	for _, e := range engines {
		p.idle <- e
	}
	return p
}

// Size returns the number of engines.
func (p *Pool) Size() int {
	return len(p.engines)
}

func (p *Pool) acquire(ctx context.Context) (Engine, error) {
	select {
	case e := <-p.idle:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Detect runs detection on frame with the first idle engine.
func (p *Pool) Detect(ctx context.Context, frame image.Image) ([]detect.Detection, error) {
	e, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { p.idle <- e }()
	return e.Detect(ctx, frame)
}

// ProcessFrame runs detection on an already encoded frame.
func (p *Pool) ProcessFrame(ctx context.Context, data []byte) ([]detect.Detection, error) {
	e, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { p.idle <- e }()
	return e.ProcessFrame(data)
}

// Close stops every engine. It is safe to call more than once.
func (p *Pool) Close() {
	p.once.Do(func() {
		for _, e := range p.engines {
			e.Close()
		}
	})
}

// Logs collects the stderr of every detector process, for crash reports.
func (p *Pool) Logs() string {
	var out string
	for _, e := range p.engines {
		if w, ok := e.(*DetectorWorker); ok {
			if logs := w.Logs(); logs != "" {
				out += fmt.Sprintf("[engine %d]\n%s\n", w.ID, logs)
			}
		}
	}
	return out
}
