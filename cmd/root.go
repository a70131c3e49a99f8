package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/persona/internal/config"
	"github.com/andresmejia3/persona/internal/monitoring"
	"github.com/andresmejia3/persona/internal/store"
	"github.com/spf13/cobra"
)

// Options holds shared configuration for the track and serve commands
type Options struct {
	InputPath  string
	NthFrame   int
	NumEngines int
	Camera     string
	Addr       string

	// Engine overrides, applied on top of the config file when set
	DetectionThreshold  float64
	SimilarityThreshold float64
	KeepSeconds         float64
	SampleRate          float64
	PruneRegistry       bool

	// Detector process
	Python string
	Script string
	Model  string
	Device string
}

const defaultJournal = "sqlite://persona.db"

var (
	// Journal is the presence journal shared by subcommands. Nil with --no-journal.
	Journal store.Journal
	// dbURL is the connection string
	dbURL      string
	noJournal  bool
	configPath string
	debug      bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "persona",
	Short:   "Person Tracking & Re-identification Engine",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		monitoring.SetDebug(debug)
		if noJournal {
			return nil
		}

		dsn := resolveDSN(dbURL, os.Getenv)

		// Use the command's context (which will be cancellable) for the connection
		var err error
		Journal, err = store.Open(cmd.Context(), dsn)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if Journal != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to close the journal cleanly.
			Journal.Close(context.Background())
		}
	},
}

// resolveDSN picks the journal: the --db flag, then POSTGRES_* variables, then
// a local SQLite file.
func resolveDSN(flag string, getenv func(string) string) string {
	if flag != "" {
		return flag
	}
	if host := getenv("POSTGRES_HOST"); host != "" {
		user := getenv("POSTGRES_USER")
		pass := getenv("POSTGRES_PASSWORD")
		name := getenv("POSTGRES_DB")
		port := getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return defaultJournal
}

// loadConfig reads --config when given and applies the command's engine
// flags that were set explicitly.
func loadConfig(cmd *cobra.Command, opts Options) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("threshold") {
		cfg.DetectionThreshold = opts.DetectionThreshold
	}
	if flags.Changed("similarity") {
		cfg.SimilarityThreshold = opts.SimilarityThreshold
	}
	if flags.Changed("keep") {
		cfg.KeepSeconds = opts.KeepSeconds
	}
	if flags.Changed("rate") {
		cfg.SampleRate = opts.SampleRate
	}
	if flags.Changed("prune") {
		cfg.PruneRegistry = opts.PruneRegistry
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// addEngineFlags registers the flags shared by track and serve.
func addEngineFlags(cmd *cobra.Command, opts *Options) {
	def := config.Default()
	f := cmd.Flags()
	f.Float64VarP(&opts.DetectionThreshold, "threshold", "t", def.DetectionThreshold, "Minimum person detection confidence")
	f.Float64VarP(&opts.SimilarityThreshold, "similarity", "s", def.SimilarityThreshold, "Minimum cosine similarity to reuse an identity")
	f.Float64Var(&opts.KeepSeconds, "keep", def.KeepSeconds, "Confirmation window in seconds")
	f.Float64Var(&opts.SampleRate, "rate", def.SampleRate, "Expected observations per second")
	f.BoolVar(&opts.PruneRegistry, "prune", def.PruneRegistry, "Forget the appearance of identities whose track was evicted")
	f.IntVarP(&opts.NumEngines, "engines", "e", 1, "Number of parallel detector engines")
	f.StringVar(&opts.Python, "python", "python3", "Python interpreter for the detector")
	f.StringVar(&opts.Script, "detector-script", "python/detector.py", "Detector worker script")
	f.StringVar(&opts.Model, "model", "yolov8n.pt", "Detector model weights")
	f.StringVar(&opts.Device, "device", "", "Detector device (cpu, cuda:0, ...)")
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Journal DSN: postgres://..., sqlite://path or file:path (default: POSTGRES_* env, then "+defaultJournal+")")
	rootCmd.PersistentFlags().BoolVar(&noJournal, "no-journal", false, "Do not record presence intervals")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Engine configuration JSON file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log per-frame tracking details")
}
