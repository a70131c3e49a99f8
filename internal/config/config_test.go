package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.5, cfg.DetectionThreshold)
	assert.Equal(t, 0.75, cfg.SimilarityThreshold)
	assert.Equal(t, 0.7, cfg.BlendWeight)
	assert.Equal(t, 64, cfg.ResizeWidth)
	assert.Equal(t, 128, cfg.ResizeHeight)
	assert.Equal(t, 8, cfg.HistogramBins)
	assert.Equal(t, 50, cfg.HistoryCapacity())
	assert.Equal(t, 10*time.Second, cfg.KeepWindow())
	assert.Equal(t, 200*time.Millisecond, cfg.GetCaptureInterval())
	assert.False(t, cfg.PruneRegistry)
}

func TestHistoryCapacityFloor(t *testing.T) {
	cfg := Default()
	cfg.KeepSeconds = 0.1
	cfg.SampleRate = 1
	assert.Equal(t, 1, cfg.HistoryCapacity())

	cfg.KeepSeconds = 2
	cfg.SampleRate = 5
	assert.Equal(t, 10, cfg.HistoryCapacity())
}

func TestLoadPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "keep_seconds": 2,
  "sample_rate": 5,
  "prune_registry": true
}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.HistoryCapacity())
	assert.True(t, cfg.PruneRegistry)
	// untouched fields keep defaults
	assert.Equal(t, 0.75, cfg.SimilarityThreshold)
	assert.Equal(t, 64, cfg.ResizeWidth)
}

func TestLoadRejects(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "persona.yaml"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"keep_seconds": `), 0644))
	_, err = Load(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{"similarity_threshold": 1.5}`), 0644))
	_, err = Load(invalid)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"negative detection threshold", func(c *Config) { c.DetectionThreshold = -0.1 }},
		{"blend weight above one", func(c *Config) { c.BlendWeight = 1.1 }},
		{"zero resize", func(c *Config) { c.ResizeWidth = 0 }},
		{"zero bins", func(c *Config) { c.HistogramBins = 0 }},
		{"zero keep seconds", func(c *Config) { c.KeepSeconds = 0 }},
		{"zero sample rate", func(c *Config) { c.SampleRate = 0 }},
		{"zero eviction factor", func(c *Config) { c.EvictionFactor = 0 }},
		{"bad interval", func(c *Config) { c.CaptureInterval = "soon" }},
		{"negative interval", func(c *Config) { c.CaptureInterval = "-1s" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
