package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/andresmejia3/persona/internal/api"
	"github.com/andresmejia3/persona/internal/capture"
	"github.com/andresmejia3/persona/internal/config"
	"github.com/andresmejia3/persona/internal/pipeline"
	"github.com/andresmejia3/persona/internal/store"
	"github.com/andresmejia3/persona/internal/utils"
	"github.com/andresmejia3/persona/internal/worker"
	"github.com/spf13/cobra"
)

var serveOpts Options

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the tracker over HTTP, optionally polling a camera",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := loadConfig(cmd, serveOpts)
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), serveOpts, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveOpts.Addr, "listen", "l", ":8080", "HTTP listen address")
	serveCmd.Flags().StringVar(&serveOpts.Camera, "camera", "", "Camera device, file or stream to poll in the background (e.g. /dev/video0)")
	addEngineFlags(serveCmd, &serveOpts)
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, opts Options, cfg *config.Config) error {
	// 1. Detector engines must be up before any frame is accepted
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Detector Engines...\n", opts.NumEngines)
	pool, err := worker.NewPool(ctx, opts.NumEngines, workerConfig(opts))
	if err != nil {
		utils.Die("Detector startup failed", err, nil)
	}
	defer pool.Close()

	p := pipeline.New(cfg, pool, nil)

	var rec *store.Recorder
	if Journal != nil {
		source := "http"
		if opts.Camera != "" {
			source = opts.Camera
		}
		session, err := Journal.OpenSession(ctx, source)
		if err != nil {
			utils.Die("Failed to open journal session", err, nil)
		}
		rec = store.NewRecorder(Journal, session, 256)
		p.SetListener(rec.Record)
	}

	// 2. Background capture loop
	var latest *capture.Latest
	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	loopDone := make(chan error, 1)
	looping := opts.Camera != ""
	if looping {
		src, err := capture.Open(ctx, opts.Camera, cfg.SampleRate)
		if err != nil {
			utils.Die("Failed to open camera", err, nil)
		}
		defer src.Close()

		latest = &capture.Latest{}
		loop := &capture.Loop{
			Source:    src,
			Processor: p,
			Latest:    latest,
			Interval:  cfg.GetCaptureInterval(),
		}
		fmt.Fprintf(os.Stderr, "📷 Polling %s every %s\n", opts.Camera, loop.Interval)
		go func() { loopDone <- loop.Run(loopCtx) }()
	}

	// 3. HTTP surface
	server := &http.Server{
		Addr:    opts.Addr,
		Handler: api.LoggingMiddleware(api.NewServer(p, latest).ServeMux()),
	}
	serverErr := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "🌐 Listening on %s\n", opts.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\n🛑 Shutting down...")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server failed: %w", err)
	case err := <-loopDone:
		looping = false
		if err != nil {
			runErr = fmt.Errorf("capture loop failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stopLoop()
	if looping {
		select {
		case <-loopDone:
		case <-shutdownCtx.Done():
			fmt.Fprintln(os.Stderr, "⚠️  Capture loop did not stop in time")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  HTTP shutdown incomplete: %v\n", err)
	}

	if rec != nil {
		closeRecorder(shutdownCtx, p, rec)
		fmt.Fprintf(os.Stderr, "📝 Journaled %d presence intervals\n", rec.Written())
	}
	return runErr
}

// closeRecorder detaches rec from p, then flushes it with the live tracks.
// Frames still in flight finish without reaching the closed recorder.
func closeRecorder(ctx context.Context, p *pipeline.Pipeline, rec *store.Recorder) {
	p.SetListener(nil)
	rec.Close(ctx, p.Summaries())
}
