package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/persona/internal/config"
	"github.com/andresmejia3/persona/internal/detect"
	"github.com/andresmejia3/persona/internal/pipeline"
	"github.com/andresmejia3/persona/internal/store"
	"github.com/andresmejia3/persona/internal/timeutil"
	"github.com/andresmejia3/persona/internal/track"
	"github.com/andresmejia3/persona/internal/types"
	"github.com/andresmejia3/persona/internal/utils"
	"github.com/andresmejia3/persona/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const megabyte = 1024 * 1024

var trackOpts Options

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Track people through a video with parallel detector engines",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateTrackFlags(&trackOpts); err != nil {
			return err
		}
		cfg, err := loadConfig(cmd, trackOpts)
		if err != nil {
			return err
		}
		runTrack(cmd.Context(), trackOpts, cfg, cmd.Flags().Changed("rate"))
		return nil
	},
}

func init() {
	trackCmd.Flags().StringVarP(&trackOpts.InputPath, "input", "i", "", "Path to video, capture device or stream URL")
	trackCmd.Flags().IntVarP(&trackOpts.NthFrame, "nth-frame", "n", 6, "Analyse every nth frame (e.g. 6 turns 30fps into 5 observations per second)")
	addEngineFlags(trackCmd, &trackOpts)

	trackCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(trackCmd)
}

// Buffer pool to reduce GC pressure during decoding
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// runTrack orchestrates the tracking run: detector pool, FFmpeg streaming,
// in-order ingestion, journal and progress.
func runTrack(ctx context.Context, opts Options, cfg *config.Config, rateSet bool) {
	sourceID := utils.GenerateSourceID(opts.InputPath)
	fmt.Fprintf(os.Stderr, "📼 Processing Source ID: %s\n", sourceID[:12])

	// 1. Video time drives the tracker, not wall time
	fps, err := utils.GetVideoFPS(ctx, opts.InputPath)
	if err != nil {
		utils.Die("Failed to determine video FPS", err, nil)
	}
	analysedRate := fps / float64(opts.NthFrame)
	if !rateSet {
		cfg.SampleRate = analysedRate
	} else if math.Abs(cfg.SampleRate-analysedRate) > 0.01 {
		fmt.Fprintf(os.Stderr, "⚠️  --rate %.2f differs from the analysed rate %.2f; confirmation windows will not match video time\n", cfg.SampleRate, analysedRate)
	}

	totalVideoFrames := utils.GetTotalFrames(ctx, opts.InputPath)
	if totalVideoFrames <= 0 {
		// Fallback to a spinner or unknown total if ffprobe fails
		totalVideoFrames = -1
	}

	// 2. Detector engines
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Detector Engines...\n", opts.NumEngines)
	pool, err := worker.NewPool(ctx, opts.NumEngines, workerConfig(opts))
	if err != nil {
		utils.Die("Detector startup failed", err, nil)
	}
	defer pool.Close()

	// 3. Tracking engine, journal and report
	start := time.Now()
	clock := timeutil.NewManualClock(start)
	p := pipeline.New(cfg, pool, clock)

	var rec *store.Recorder
	if Journal != nil {
		session, err := Journal.OpenSession(ctx, opts.InputPath)
		if err != nil {
			utils.Die("Failed to open journal session", err, nil)
		}
		rec = store.NewRecorder(Journal, session, 256)
	}

	report := newTrackReport(start)
	p.SetListener(func(ev track.Events) {
		report.observe(ev)
		if rec != nil {
			rec.Record(ev)
		}
	})

	fmt.Fprintf(os.Stderr, "⚙️  Tracker initialized (window %d observations at %.2f/s, similarity >= %.2f)\n",
		cfg.HistoryCapacity(), cfg.SampleRate, cfg.SimilarityThreshold)

	bar := progressbar.NewOptions(totalVideoFrames,
		progressbar.OptionSetDescription("🔍 Persona Tracking"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	taskChan := make(chan types.FrameTask, opts.NumEngines)
	resultsChan := make(chan types.FrameResult, opts.NumEngines*2)
	var wg sync.WaitGroup

	// 4. Start Aggregator (Consumer)
	// Must run concurrently to prevent deadlock on resultsChan
	aggDone := make(chan struct{})
	go func() {
		ingestResults(resultsChan, p, clock, start, fps, opts.NthFrame, cfg, report, pool)
		close(aggDone)
	}()

	// 5. Engine goroutines, one per detector process
	for i := 0; i < opts.NumEngines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				resultsChan <- detectFrame(ctx, pool, task)
			}
		}()
	}

	// 6. Start FFmpeg
	ffmpeg := utils.NewFFmpegCmd(ctx, opts.InputPath, 0)

	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		utils.Die("Failed to create FFmpeg stdout pipe", err, nil)
	}
	defer ffmpegOut.Close() // Ensure pipe is closed to prevent leaks/zombies

	if err := ffmpeg.Start(); err != nil {
		utils.Die("Failed to start FFmpeg", err, nil)
	}

	// 7. Frame Splitter & Nth-Frame Logic
	scanner := bufio.NewScanner(ffmpegOut)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	totalFrames := 0
	sentFrames := 0
	for scanner.Scan() {
		totalFrames++
		bar.Add(1)

		if totalFrames%opts.NthFrame == 0 {
			buf := frameBufferPool.Get().([]byte)
			if cap(buf) < len(scanner.Bytes()) {
				buf = make([]byte, len(scanner.Bytes()))
			}
			buf = buf[:len(scanner.Bytes())]
			copy(buf, scanner.Bytes())
			taskChan <- types.FrameTask{Index: totalFrames, Data: buf}
			sentFrames++
		}
	}

	// Check for scanner errors (e.g. token too long, unexpected EOF)
	if err := scanner.Err(); err != nil {
		utils.Die("Frame scanner failed", err, nil)
	}

	// 8. Cleanup & Completion Check
	if err := ffmpeg.Wait(); err != nil && ctx.Err() == nil {
		if stderrBuf.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
		}
		utils.Die("FFmpeg execution failed", err, nil)
	}

	close(taskChan)
	wg.Wait()
	close(resultsChan)

	// Wait for aggregator to finish processing
	<-aggDone
	bar.Finish()

	// Tracks still alive at the end of the video close with it
	live := p.Summaries()
	report.flush(live)
	if rec != nil {
		rec.Close(context.Background(), live)
		if n := rec.Dropped(); n > 0 {
			fmt.Fprintf(os.Stderr, "⚠️  %d intervals were not journaled (backlog)\n", n)
		}
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Tracking Complete. Processed %d keyframes out of %d total.\n", sentFrames, totalFrames)
	report.print(os.Stderr)
}

func workerConfig(opts Options) worker.Config {
	return worker.Config{
		Python: opts.Python,
		Script: opts.Script,
		Model:  opts.Model,
		Device: opts.Device,
		Debug:  debug,
	}
}

// detectFrame decodes a frame for feature extraction and runs the detector
// on the original JPEG bytes.
func detectFrame(ctx context.Context, pool *worker.Pool, task types.FrameTask) types.FrameResult {
	// Return buffer to pool once both consumers are done with it
	defer frameBufferPool.Put(task.Data[:0])

	res := types.FrameResult{Index: task.Index}
	img, _, err := image.Decode(bytes.NewReader(task.Data))
	if err != nil {
		res.Err = fmt.Errorf("frame %d: %w", task.Index, err)
		return res
	}
	res.Frame = img
	res.Detections, res.Err = pool.ProcessFrame(ctx, task.Data)
	return res
}

// ingestResults feeds detector results into the pipeline in frame order,
// setting the clock to each frame's position in the video.
func ingestResults(results <-chan types.FrameResult, p *pipeline.Pipeline, clock *timeutil.ManualClock,
	start time.Time, fps float64, nth int, cfg *config.Config, report *trackReport, pool *worker.Pool) {

	buffer := newReorderBuffer(nth, nth)

	for res := range results {
		for _, frame := range buffer.push(res) {
			clock.Set(start.Add(frameOffset(frame.Index, fps)))

			dets := frame.Detections
			if frame.Err != nil {
				var werr *detect.WorkerError
				switch {
				case frame.Frame == nil:
					fmt.Fprintf(os.Stderr, "\n⚠️  Skipping undecodable %v\n", frame.Err)
				case detect.IsShapeError(frame.Err):
					fmt.Fprintf(os.Stderr, "\n⚠️  Unexpected detector output on frame %d: %v\n", frame.Index, frame.Err)
				case errors.Is(frame.Err, context.Canceled):
					// Interrupted; the remaining frames drain without detections
				case errors.As(frame.Err, &werr):
					fmt.Fprintf(os.Stderr, "\n⚠️  Detector Logic Error on frame %d: %s\n", frame.Index, werr.Message)
				default:
					// The detector process is gone; its logs are the only clue
					if logs := pool.Logs(); logs != "" {
						fmt.Fprintf(os.Stderr, "\nDETECTOR LOGS:\n%s\n", logs)
					}
					utils.Die("Detector crashed", frame.Err, nil)
				}
				dets = nil
			}

			report.detections += len(pipeline.Filter(dets, cfg.PersonClass, cfg.DetectionThreshold))
			if frame.Frame != nil {
				p.Ingest(frame.Frame, dets)
			}
		}
	}
}

// frameOffset returns the presentation time of 1-based frame index.
func frameOffset(index int, fps float64) time.Duration {
	if fps <= 0 || index < 1 {
		return 0
	}
	return time.Duration(float64(index-1) / fps * float64(time.Second))
}

// reorderBuffer releases results in index order. Worker 2 might finish
// before Worker 1.
type reorderBuffer struct {
	next    int
	step    int
	pending map[int]types.FrameResult
}

func newReorderBuffer(first, step int) *reorderBuffer {
	return &reorderBuffer{next: first, step: step, pending: make(map[int]types.FrameResult)}
}

// push stores res and returns every result that is now in sequence.
func (b *reorderBuffer) push(res types.FrameResult) []types.FrameResult {
	b.pending[res.Index] = res

	var ready []types.FrameResult
	for {
		r, ok := b.pending[b.next]
		if !ok {
			return ready
		}
		delete(b.pending, b.next)
		ready = append(ready, r)
		b.next += b.step
	}
}

// trackReport collects the presence intervals of a run for the final summary.
type trackReport struct {
	start      time.Time
	intervals  map[int][]track.Summary
	confirmed  int
	detections int
}

func newTrackReport(start time.Time) *trackReport {
	return &trackReport{start: start, intervals: make(map[int][]track.Summary)}
}

func (r *trackReport) observe(ev track.Events) {
	r.confirmed += len(ev.Confirmed)
	for _, s := range ev.Evicted {
		r.intervals[s.ID] = append(r.intervals[s.ID], s)
	}
}

func (r *trackReport) flush(live []track.Summary) {
	for _, s := range live {
		r.intervals[s.ID] = append(r.intervals[s.ID], s)
	}
}

func (r *trackReport) print(w io.Writer) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 TRACKING SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")

	ids := make([]int, 0, len(r.intervals))
	for id := range r.intervals {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		fmt.Fprintf(w, "\n👤 Person %d\n", id)
		for _, s := range r.intervals[id] {
			status := string(track.Pending)
			if s.Confirmed {
				status = string(track.Confirmed)
			}
			fmt.Fprintf(w, "   %s -> %s  %-9s (%d observations)\n",
				fmtTime(s.FirstSeen.Sub(r.start).Seconds()), fmtTime(s.LastSeen.Sub(r.start).Seconds()), status, s.Observations)
		}
	}

	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "👁️  Person Detections:   %d\n", r.detections)
	fmt.Fprintf(w, "🆔 Identities:          %d\n", len(ids))
	fmt.Fprintf(w, "✅ Confirmations:       %d\n", r.confirmed)
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// validateTrackFlags ensures all CLI arguments are valid before starting heavy processes.
func validateTrackFlags(opts *Options) error {
	if !strings.Contains(opts.InputPath, "://") {
		info, err := os.Stat(opts.InputPath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("input does not exist: %w", err)
			}
			return fmt.Errorf("unable to access input: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("input path %s is a directory, expected a video file or device", opts.InputPath)
		}
	}
	if opts.NthFrame < 1 {
		return fmt.Errorf("invalid nth-frame interval: must be >= 1, got %d", opts.NthFrame)
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	return nil
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
