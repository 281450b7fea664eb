// Package config holds the file based configuration of the server.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/Brownie44l1/live-classifier/internal/pipelineerr"
	"github.com/Brownie44l1/live-classifier/internal/source"
	"github.com/Brownie44l1/live-classifier/internal/topk"
)

type ModelConfig struct {
	Path          string `yaml:"path"`
	Metadata      string `yaml:"metadata"`
	// Labels falls back to the class names of the metadata file when empty.
	Labels        string `yaml:"labels"`
	SharedLibrary string `yaml:"shared_library"`
}

type Rect struct {
	X      int `yaml:"x"`
	Y      int `yaml:"y"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

type SourceConfig struct {
	Kind string `yaml:"kind"`

	// camera
	FFmpegPath  string `yaml:"ffmpeg_path"`
	InputFormat string `yaml:"input_format"`
	Device      string `yaml:"device"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FrameRate   int    `yaml:"frame_rate"`

	// screen
	Display int  `yaml:"display"`
	Bounds  Rect `yaml:"bounds"`

	// image
	ImagePath string `yaml:"image_path"`
}

type SpeechConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Command         string  `yaml:"command"`
	Voice           string  `yaml:"voice"`
	Speed           int     `yaml:"speed"`
	LikelyThreshold float32 `yaml:"likely_threshold"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type PostgresConfig struct {
	// DSN is empty when predictions should not be stored.
	DSN         string `yaml:"dsn"`
	StoreScores bool   `yaml:"store_scores"`
	Queue       int    `yaml:"queue"`
}

type Config struct {
	SamplingPeriod       time.Duration `yaml:"sampling_period"`
	TopK                 int           `yaml:"top_k"`
	Reducer              string        `yaml:"reducer"`
	UseAcceleratedDevice bool          `yaml:"use_accelerated_device"`
	ReportQueue          int           `yaml:"report_queue"`
	DrainTimeout         time.Duration `yaml:"drain_timeout"`
	LogLevel             string        `yaml:"log_level"`
	AutoStart            bool          `yaml:"auto_start"`

	Model    ModelConfig    `yaml:"model"`
	Source   SourceConfig   `yaml:"source"`
	Speech   SpeechConfig   `yaml:"speech"`
	HTTP     HTTPConfig     `yaml:"http"`
	Postgres PostgresConfig `yaml:"postgres"`
}

func NewConfig() Config {
	return Config{
		SamplingPeriod: 66 * time.Millisecond,
		TopK:           topk.DefaultK,
		Reducer:        topk.StrategyFirstFit.String(),
		ReportQueue:    16,
		DrainTimeout:   10 * time.Second,
		LogLevel:       "info",
		Model: ModelConfig{
			Path:     "models/model.onnx",
			Metadata: "models/model_metadata.json",
			Labels:   "models/labels.json",
		},
		Source: SourceConfig{
			Kind:        source.KindCamera.String(),
			FFmpegPath:  "ffmpeg",
			InputFormat: "v4l2",
			Device:      "/dev/video0",
			Width:       640,
			Height:      480,
		},
		Speech: SpeechConfig{
			Command:         "espeak",
			LikelyThreshold: 0.75,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Postgres: PostgresConfig{
			StoreScores: true,
			Queue:       64,
		},
	}
}

// ReadFile reads path on top of the defaults. A missing file is not an
// error when allowMissing is set.
func ReadFile(path string, allowMissing bool) (Config, error) {
	cfg := NewConfig()
	f, err := os.Open(path)
	if err != nil {
		if allowMissing && os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("unable to open '%s': %w", path, err)
	}
	defer f.Close()

	if _, err := cfg.ReadFrom(f); err != nil {
		return cfg, fmt.Errorf("unable to parse '%s': %w", path, err)
	}
	return cfg, nil
}

func (cfg Config) Strategy() (topk.Strategy, error) {
	return topk.ParseStrategy(cfg.Reducer)
}

func (cfg Config) SourceKind() (source.Kind, error) {
	return source.ParseKind(cfg.Source.Kind)
}

// Validate returns a ConfigurationError listing every problem found.
func (cfg Config) Validate() error {
	var result *multierror.Error
	if cfg.SamplingPeriod <= 0 {
		result = multierror.Append(result, fmt.Errorf("sampling_period must be positive, got %v", cfg.SamplingPeriod))
	}
	if cfg.TopK <= 0 {
		result = multierror.Append(result, fmt.Errorf("top_k must be positive, got %d", cfg.TopK))
	}
	if _, err := cfg.Strategy(); err != nil {
		result = multierror.Append(result, err)
	}
	if cfg.Model.Path == "" {
		result = multierror.Append(result, fmt.Errorf("model.path is not set"))
	}
	if cfg.Model.Labels == "" && cfg.Model.Metadata == "" {
		result = multierror.Append(result, fmt.Errorf("either model.labels or model.metadata must be set"))
	}

	kind, err := cfg.SourceKind()
	if err != nil {
		result = multierror.Append(result, err)
	}
	switch kind {
	case source.KindCamera:
		if cfg.Source.Width <= 0 || cfg.Source.Height <= 0 {
			result = multierror.Append(result, fmt.Errorf("source.width and source.height are required for a camera"))
		}
	case source.KindImage:
		if cfg.Source.ImagePath == "" {
			result = multierror.Append(result, fmt.Errorf("source.image_path is required for an image source"))
		}
	}

	if cfg.Speech.LikelyThreshold < 0 || cfg.Speech.LikelyThreshold > 1 {
		result = multierror.Append(result, fmt.Errorf("speech.likely_threshold must be within [0, 1], got %v", cfg.Speech.LikelyThreshold))
	}

	if err := result.ErrorOrNil(); err != nil {
		return &pipelineerr.ConfigurationError{Reason: "invalid configuration", Err: err}
	}
	return nil
}
