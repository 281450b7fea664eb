package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/live-classifier/internal/pipelineerr"
	"github.com/Brownie44l1/live-classifier/internal/source"
	"github.com/Brownie44l1/live-classifier/internal/topk"
)

func TestDefaults(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 66*time.Millisecond, cfg.SamplingPeriod)
	assert.Equal(t, 5, cfg.TopK)
	assert.False(t, cfg.UseAcceleratedDevice)

	strategy, err := cfg.Strategy()
	require.NoError(t, err)
	assert.Equal(t, topk.StrategyFirstFit, strategy)
}

func TestReadOverridesDefaults(t *testing.T) {
	cfg := NewConfig()
	_, err := cfg.ReadFrom(bytes.NewReader([]byte(`
sampling_period: 100ms
reducer: sorted
use_accelerated_device: true
source:
  kind: screen
  display: 1
  bounds:
    width: 800
    height: 600
speech:
  enabled: true
  voice: en-us
`)))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 100*time.Millisecond, cfg.SamplingPeriod)
	assert.Equal(t, 5, cfg.TopK, "untouched values keep their defaults")
	assert.True(t, cfg.UseAcceleratedDevice)
	assert.Equal(t, "en-us", cfg.Speech.Voice)
	assert.Equal(t, "espeak", cfg.Speech.Command)
	assert.Equal(t, Rect{Width: 800, Height: 600}, cfg.Source.Bounds)

	kind, err := cfg.SourceKind()
	require.NoError(t, err)
	assert.Equal(t, source.KindScreen, kind)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := NewConfig()
	cfg.SamplingPeriod = 0
	cfg.TopK = -1
	cfg.Reducer = "random"
	cfg.Source.Kind = "image"

	err := cfg.Validate()
	var cfgErr *pipelineerr.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.True(t, pipelineerr.IsFatal(err))
	for _, want := range []string{"sampling_period", "top_k", "random", "image_path"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := ReadFile(filepath.Join(dir, "missing.yaml"), true)
	require.NoError(t, err)
	assert.Equal(t, NewConfig(), cfg)

	_, err = ReadFile(filepath.Join(dir, "missing.yaml"), false)
	require.Error(t, err)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("top_k: 3\n"), 0o644))
	cfg, err = ReadFile(path, false)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.TopK)
}

func TestWriteTo(t *testing.T) {
	cfg := NewConfig()
	cfg.Postgres.DSN = "postgres://localhost/frames"

	var buf bytes.Buffer
	_, err := cfg.WriteTo(&buf)
	require.NoError(t, err)

	parsed := Config{}
	_, err = parsed.ReadFrom(&buf)
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)
}
