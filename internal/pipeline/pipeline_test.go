package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/persona/internal/config"
	"github.com/andresmejia3/persona/internal/detect"
	"github.com/andresmejia3/persona/internal/monitoring"
	"github.com/andresmejia3/persona/internal/timeutil"
	"github.com/andresmejia3/persona/internal/track"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

type fakeDetector struct {
	mu    sync.Mutex
	dets  []detect.Detection
	err   error
	calls int
}

func (f *fakeDetector) Detect(ctx context.Context, frame image.Image) ([]detect.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]detect.Detection, len(f.dets))
	copy(out, f.dets)
	return out, nil
}

func (f *fakeDetector) set(err error, dets ...detect.Detection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dets = dets
	f.err = err
}

var (
	red   = color.RGBA{R: 220, G: 20, B: 20, A: 255}
	blue  = color.RGBA{R: 20, G: 20, B: 220, A: 255}
	grey  = color.RGBA{R: 128, G: 128, B: 128, A: 255}
	boxA  = image.Rect(10, 10, 50, 110)
	boxB  = image.Rect(60, 40, 90, 180)
	epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
)

// scene draws a 100x200 grey frame with a red figure behind boxA and a blue
// one behind boxB.
func scene() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 100, 200))
	draw.Draw(img, img.Bounds(), &image.Uniform{grey}, image.Point{}, draw.Src)
	draw.Draw(img, boxA.Inset(-2), &image.Uniform{red}, image.Point{}, draw.Src)
	draw.Draw(img, boxB.Inset(-2), &image.Uniform{blue}, image.Point{}, draw.Src)
	return img
}

func person(box image.Rectangle, conf float64) detect.Detection {
	return detect.Detection{Class: config.PersonClass, Confidence: conf, Box: box}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.KeepSeconds = 2
	cfg.SampleRate = 5
	return cfg
}

func newTestPipeline(cfg *config.Config) (*Pipeline, *fakeDetector, *timeutil.ManualClock) {
	det := &fakeDetector{}
	clock := timeutil.NewManualClock(epoch)
	return New(cfg, det, clock), det, clock
}

func TestProcessFrame_ZeroSizeFrame(t *testing.T) {
	p, det, _ := newTestPipeline(testConfig())
	det.set(nil, person(boxA, 0.9))

	for _, frame := range []image.Image{
		image.NewRGBA(image.Rect(0, 0, 0, 200)),
		image.NewRGBA(image.Rect(0, 0, 100, 0)),
		nil,
	} {
		got, err := p.ProcessFrame(context.Background(), frame)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	}

	assert.Zero(t, det.calls, "detector must not run on empty frames")
	assert.Empty(t, p.Summaries())
	assert.Zero(t, p.Identities())
}

func TestProcessFrame_SingleObservation(t *testing.T) {
	p, det, clock := newTestPipeline(testConfig())
	det.set(nil, person(boxA, 0.9))

	got, err := p.ProcessFrame(context.Background(), scene())
	require.NoError(t, err)

	want := []track.Person{{
		ID:         1,
		XMin:       0.1,
		YMin:       0.05,
		XMax:       0.5,
		YMax:       0.55,
		Confidence: 0.9,
		Similarity: 1.0,
		Status:     track.Pending,
		LastSeen:   clock.Now(),
	}}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestFilter(t *testing.T) {
	dets := []detect.Detection{
		person(boxA, 0.9),
		{Class: 2, Confidence: 0.99, Box: boxB},
		person(boxB, 0.49),
		person(boxB, 0.5),
	}
	got := Filter(dets, config.PersonClass, 0.5)
	assert.Equal(t, []detect.Detection{person(boxA, 0.9), person(boxB, 0.5)}, got)
	assert.Empty(t, Filter(nil, 0, 0.5))
}

func TestProcessFrame_DropsNonPersonsAndWeakDetections(t *testing.T) {
	p, det, _ := newTestPipeline(testConfig())
	det.set(nil,
		detect.Detection{Class: 2, Confidence: 0.95, Box: boxA},
		person(boxB, 0.3),
	)

	got, err := p.ProcessFrame(context.Background(), scene())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, p.Identities())
}

func TestProcessFrame_StableIdentities(t *testing.T) {
	p, det, clock := newTestPipeline(testConfig())
	det.set(nil, person(boxA, 0.9), person(boxB, 0.8))

	frame := scene()
	for i := 0; i < 5; i++ {
		got, err := p.ProcessFrame(context.Background(), frame)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 1, got[0].ID)
		assert.Equal(t, 2, got[1].ID)
		if i > 0 {
			assert.InDelta(t, 1.0, got[0].Similarity, 1e-9)
			assert.InDelta(t, 1.0, got[1].Similarity, 1e-9)
		}
		clock.Advance(200 * time.Millisecond)
	}
	assert.Equal(t, 2, p.Identities())
}

func TestProcessFrame_ConfirmsAfterFullWindow(t *testing.T) {
	p, det, clock := newTestPipeline(testConfig())
	det.set(nil, person(boxA, 0.9))

	var events []track.Events
	p.SetListener(func(ev track.Events) { events = append(events, ev) })

	frame := scene()
	for i := 1; i <= 10; i++ {
		got, err := p.ProcessFrame(context.Background(), frame)
		require.NoError(t, err)
		require.Len(t, got, 1)
		if i < 10 {
			assert.Equal(t, track.Pending, got[0].Status, "frame %d", i)
		} else {
			assert.Equal(t, track.Confirmed, got[0].Status)
		}
		clock.Advance(200 * time.Millisecond)
	}

	require.Len(t, events, 1)
	require.Len(t, events[0].Confirmed, 1)
	assert.Equal(t, 1, events[0].Confirmed[0].ID)
	assert.Equal(t, []track.Person{p.Snapshot()[0]}, p.Confirmed())
}

func TestProcessFrame_ShapeErrorIsEmptyCycle(t *testing.T) {
	p, det, clock := newTestPipeline(testConfig())
	det.set(nil, person(boxA, 0.9))

	_, err := p.ProcessFrame(context.Background(), scene())
	require.NoError(t, err)

	det.set(errors.Wrap(detect.ErrUnrecognizedShape, "decode"))
	got, err := p.ProcessFrame(context.Background(), scene())
	require.NoError(t, err)
	require.Len(t, got, 1, "the track stays until it times out")

	// 1.5 x keep seconds without the identity: evicted during a failing cycle
	clock.Advance(3*time.Second + time.Millisecond)
	got, err = p.ProcessFrame(context.Background(), scene())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestProcessFrame_DetectorFailureStillEvicts(t *testing.T) {
	p, det, clock := newTestPipeline(testConfig())
	det.set(nil, person(boxA, 0.9))

	_, err := p.ProcessFrame(context.Background(), scene())
	require.NoError(t, err)

	failure := errors.New("broken pipe")
	det.set(failure)
	clock.Advance(4 * time.Second)

	got, err := p.ProcessFrame(context.Background(), scene())
	assert.ErrorIs(t, err, failure)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestProcessFrame_PruneRegistry(t *testing.T) {
	for _, prune := range []bool{false, true} {
		cfg := testConfig()
		cfg.PruneRegistry = prune
		p, det, clock := newTestPipeline(cfg)

		var evicted []int
		p.SetListener(func(ev track.Events) {
			for _, s := range ev.Evicted {
				evicted = append(evicted, s.ID)
			}
		})

		det.set(nil, person(boxA, 0.9))
		_, err := p.ProcessFrame(context.Background(), scene())
		require.NoError(t, err)

		det.set(nil)
		clock.Advance(4 * time.Second)
		_, err = p.ProcessFrame(context.Background(), scene())
		require.NoError(t, err)

		assert.Equal(t, []int{1}, evicted)
		if prune {
			assert.Zero(t, p.Identities())
		} else {
			assert.Equal(t, 1, p.Identities())
		}

		// Identities are never reused, pruned or not
		det.set(nil, person(boxB, 0.9))
		got, err := p.ProcessFrame(context.Background(), scene())
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 2, got[0].ID)
	}
}

func TestIngest(t *testing.T) {
	p, _, _ := newTestPipeline(testConfig())

	got := p.Ingest(scene(), []detect.Detection{person(boxB, 0.7), {Class: 5, Confidence: 1, Box: boxA}})
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ID)
	assert.InDelta(t, 0.6, got[0].XMin, 1e-9)

	assert.Empty(t, p.Ingest(image.NewRGBA(image.Rectangle{}), []detect.Detection{person(boxA, 0.9)}))
	assert.Len(t, p.Summaries(), 1)
}

func TestProcessFrame_Concurrent(t *testing.T) {
	p, det, _ := newTestPipeline(testConfig())
	det.set(nil, person(boxA, 0.9))
	frame := scene()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := p.ProcessFrame(context.Background(), frame)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, p.Identities())
	sums := p.Summaries()
	require.Len(t, sums, 1)
	assert.Equal(t, 160, sums[0].Observations)
}
