package source

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync/atomic"
	"time"

	"github.com/Brownie44l1/live-classifier/internal/model"
	"github.com/Brownie44l1/live-classifier/internal/pipelineerr"
)

// Image serves the same decoded picture on every Capture. Useful for
// demos and for checking a model without a camera.
type Image struct {
	Path string

	frame atomic.Pointer[model.Frame]
	seq   atomic.Uint64
}

var _ Source = (*Image)(nil)

func NewImage(path string) *Image {
	return &Image{Path: path}
}

func (s *Image) Start(ctx context.Context) error {
	if s.frame.Load() != nil {
		return nil
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("unable to open '%s': %w", s.Path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("unable to decode '%s': %w", s.Path, err)
	}
	s.frame.Store(model.FrameFromImage(img))
	return nil
}

func (s *Image) IsStreaming() bool {
	return s.frame.Load() != nil
}

func (s *Image) Capture(ctx context.Context) (*model.Frame, error) {
	frame := s.frame.Load()
	if frame == nil {
		return nil, fmt.Errorf("%w: image source is not started", pipelineerr.ErrCapture)
	}
	cp := *frame
	cp.Seq = s.seq.Add(1)
	cp.CapturedAt = time.Now()
	return &cp, nil
}

func (s *Image) Close() error {
	s.frame.Store(nil)
	return nil
}
