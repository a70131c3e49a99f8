// Package config holds the tunables of the tracking engine.
//
// The same struct is read from a JSON file at startup and then overridden by
// command line flags, so a partial file only needs the fields it changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PersonClass is the detector class id of "person".
const PersonClass = 0

// Config represents every tunable of the detection, re-identification and
// confirmation stages.
type Config struct {
	// Detection
	DetectionThreshold float64 `json:"detection_threshold"`
	PersonClass        int     `json:"person_class"`

	// Re-identification
	SimilarityThreshold float64 `json:"similarity_threshold"`
	BlendWeight         float64 `json:"blend_weight"` // weight kept by the stored descriptor on a match
	PruneRegistry       bool    `json:"prune_registry"`

	// Feature extraction
	ResizeWidth   int `json:"resize_width"`
	ResizeHeight  int `json:"resize_height"`
	HistogramBins int `json:"histogram_bins"`

	// Confirmation
	KeepSeconds    float64 `json:"keep_seconds"`
	SampleRate     float64 `json:"sample_rate"`
	MinConfidence  float64 `json:"min_confidence"`
	MinSimilarity  float64 `json:"min_similarity"`
	EvictionFactor float64 `json:"eviction_factor"`

	// Capture loop
	CaptureInterval string `json:"capture_interval"` // duration string like "200ms"
}

// Default returns the configuration the engine ships with.
func Default() *Config {
	return &Config{
		DetectionThreshold:  0.5,
		PersonClass:         PersonClass,
		SimilarityThreshold: 0.75,
		BlendWeight:         0.7,
		ResizeWidth:         64,
		ResizeHeight:        128,
		HistogramBins:       8,
		KeepSeconds:         10,
		SampleRate:          5,
		MinConfidence:       0.6,
		MinSimilarity:       0.75,
		EvictionFactor:      1.5,
		CaptureInterval:     "200ms",
	}
}

// Load reads a Config from a JSON file. Fields omitted from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if c.DetectionThreshold < 0 || c.DetectionThreshold > 1 {
		return fmt.Errorf("detection_threshold must be between 0 and 1, got %f", c.DetectionThreshold)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be between 0 and 1, got %f", c.SimilarityThreshold)
	}
	if c.BlendWeight < 0 || c.BlendWeight > 1 {
		return fmt.Errorf("blend_weight must be between 0 and 1, got %f", c.BlendWeight)
	}
	if c.ResizeWidth <= 0 || c.ResizeHeight <= 0 {
		return fmt.Errorf("resize dimensions must be positive, got %dx%d", c.ResizeWidth, c.ResizeHeight)
	}
	if c.HistogramBins < 1 || c.HistogramBins > 256 {
		return fmt.Errorf("histogram_bins must be between 1 and 256, got %d", c.HistogramBins)
	}
	if c.KeepSeconds <= 0 {
		return fmt.Errorf("keep_seconds must be positive, got %f", c.KeepSeconds)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %f", c.SampleRate)
	}
	if c.EvictionFactor <= 0 {
		return fmt.Errorf("eviction_factor must be positive, got %f", c.EvictionFactor)
	}
	if c.CaptureInterval != "" {
		if d, err := time.ParseDuration(c.CaptureInterval); err != nil {
			return fmt.Errorf("invalid capture_interval '%s': %w", c.CaptureInterval, err)
		} else if d <= 0 {
			return fmt.Errorf("capture_interval must be positive, got %s", c.CaptureInterval)
		}
	}
	return nil
}

// HistoryCapacity is the number of observations a track must accumulate
// before it can be confirmed.
func (c *Config) HistoryCapacity() int {
	n := int(c.KeepSeconds * c.SampleRate)
	if n < 1 {
		return 1
	}
	return n
}

// KeepWindow returns KeepSeconds as a duration.
func (c *Config) KeepWindow() time.Duration {
	return time.Duration(c.KeepSeconds * float64(time.Second))
}

// GetCaptureInterval parses CaptureInterval, falling back to 200ms.
func (c *Config) GetCaptureInterval() time.Duration {
	if c.CaptureInterval == "" {
		return 200 * time.Millisecond
	}
	d, err := time.ParseDuration(c.CaptureInterval)
	if err != nil || d <= 0 {
		return 200 * time.Millisecond
	}
	return d
}
