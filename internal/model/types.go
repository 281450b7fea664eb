package model

import (
	"context"
	"fmt"
	"time"
)

type PixelFormat uint

const (
	PixelFormatUndefined = PixelFormat(iota)
	PixelFormatBGRA8
	PixelFormatRGBA8
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatUndefined:
		return "<undefined>"
	case PixelFormatBGRA8:
		return "bgra8"
	case PixelFormatRGBA8:
		return "rgba8"
	default:
		return fmt.Sprintf("<unexpected_value_%d>", uint(f))
	}
}

func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatBGRA8, PixelFormatRGBA8:
		return 4
	default:
		return 0
	}
}

// Frame is a single capture. Data must not be modified once the frame has
// been handed to the scheduler.
type Frame struct {
	Data       []byte
	Width      int
	Height     int
	Format     PixelFormat
	Seq        uint64
	CapturedAt time.Time
}

func (f *Frame) Validate() error {
	bpp := f.Format.BytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("unsupported pixel format %s", f.Format)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame dimensions %dx%d", f.Width, f.Height)
	}
	if expected := f.Width * f.Height * bpp; len(f.Data) != expected {
		return fmt.Errorf("frame %dx%d %s expects %d bytes, got %d", f.Width, f.Height, f.Format, expected, len(f.Data))
	}
	return nil
}

// ScoreVector holds one score per label index.
type ScoreVector []float32

// LabelTable is index-aligned with ScoreVector.
type LabelTable []string

func (t LabelTable) Label(idx int) string {
	if idx < 0 || idx >= len(t) {
		return ""
	}
	return t[idx]
}

// Engine evaluates frames. Implementations may be slow and are never called
// concurrently by the scheduler.
type Engine interface {
	Evaluate(ctx context.Context, frame *Frame) (ScoreVector, error)
	// OutputSize returns the length of produced score vectors, or 0 if unknown.
	OutputSize() int
	Close() error
}

type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	// PixelScale is the maximum channel value after normalization: 1 for
	// [0,1] inputs, 255 for models trained on raw byte values.
	PixelScale float32 `json:"pixel_scale"`
	ChannelBGR bool    `json:"channel_bgr"`
}

func (m *Metadata) applyDefaults() {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if m.PixelScale == 0 {
		m.PixelScale = 1
	}
	if m.ImageSize == 0 && len(m.InputShape) == 4 {
		m.ImageSize = int(m.InputShape[3])
	}
}

func (m *Metadata) validate() error {
	if len(m.InputShape) != 4 {
		return fmt.Errorf("input shape must be NCHW, got %v", m.InputShape)
	}
	if m.InputShape[0] != 1 || m.InputShape[1] != 3 {
		return fmt.Errorf("input shape must be [1,3,H,W], got %v", m.InputShape)
	}
	if m.InputShape[2] != m.InputShape[3] || int(m.InputShape[2]) != m.ImageSize {
		return fmt.Errorf("input shape %v does not match image size %d", m.InputShape, m.ImageSize)
	}
	if len(m.OutputShape) == 0 {
		return fmt.Errorf("output shape is empty")
	}
	return nil
}

func (m *Metadata) OutputSize() int {
	if len(m.OutputShape) == 0 {
		return 0
	}
	size := 1
	for _, dim := range m.OutputShape {
		size *= int(dim)
	}
	return size
}
