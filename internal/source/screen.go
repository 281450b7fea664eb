package source

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/kbinani/screenshot"

	"github.com/Brownie44l1/live-classifier/internal/model"
	"github.com/Brownie44l1/live-classifier/internal/pipelineerr"
)

type ScreenEngine interface {
	Capture(bounds image.Rectangle) (*image.RGBA, error)
	DisplayBounds(display int) image.Rectangle
	NumActiveDisplays() int
}

type screenshotEngine struct{}

func (screenshotEngine) Capture(bounds image.Rectangle) (*image.RGBA, error) {
	return screenshot.CaptureRect(bounds)
}

func (screenshotEngine) DisplayBounds(display int) image.Rectangle {
	return screenshot.GetDisplayBounds(display)
}

func (screenshotEngine) NumActiveDisplays() int {
	return screenshot.NumActiveDisplays()
}

// Screen grabs a fixed rectangle of the desktop on every Capture.
type Screen struct {
	Engine  ScreenEngine
	Display int
	// Bounds overrides the display bounds when non-empty.
	Bounds image.Rectangle

	rect      image.Rectangle
	streaming atomic.Bool
	seq       atomic.Uint64
}

var _ Source = (*Screen)(nil)

func NewScreen(display int, bounds image.Rectangle) *Screen {
	return &Screen{
		Engine:  screenshotEngine{},
		Display: display,
		Bounds:  bounds,
	}
}

func (s *Screen) Start(ctx context.Context) error {
	if s.streaming.Load() {
		return nil
	}
	if n := s.Engine.NumActiveDisplays(); s.Display < 0 || s.Display >= n {
		return fmt.Errorf("display %d is not available (%d active)", s.Display, n)
	}

	rect := s.Bounds
	if rect.Empty() {
		rect = s.Engine.DisplayBounds(s.Display)
	}
	if rect.Empty() {
		return fmt.Errorf("display %d has empty bounds", s.Display)
	}
	s.rect = rect
	s.streaming.Store(true)
	logger.Debugf(ctx, "capturing the screen area %v", rect)
	return nil
}

func (s *Screen) IsStreaming() bool {
	return s.streaming.Load()
}

func (s *Screen) Capture(ctx context.Context) (*model.Frame, error) {
	if !s.streaming.Load() {
		return nil, fmt.Errorf("%w: screen capture is not started", pipelineerr.ErrCapture)
	}

	img, err := s.Engine.Capture(s.rect)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to screenshot bounds %v: %v", pipelineerr.ErrCapture, s.rect, err)
	}
	if img.Bounds().Dx() != s.rect.Dx() || img.Bounds().Dy() != s.rect.Dy() {
		return nil, fmt.Errorf("%w: screenshot is %v, expected %v", pipelineerr.ErrCapture, img.Bounds(), s.rect)
	}

	frame := model.FrameFromImage(img)
	frame.Seq = s.seq.Add(1)
	frame.CapturedAt = time.Now()
	return frame, nil
}

func (s *Screen) Close() error {
	s.streaming.Store(false)
	return nil
}
