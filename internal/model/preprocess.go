package model

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
)

// FrameImage exposes the frame's pixels as an image. BGRA frames are
// converted into a fresh buffer so the frame stays untouched.
func FrameImage(frame *Frame) (image.Image, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	rect := image.Rect(0, 0, frame.Width, frame.Height)
	switch frame.Format {
	case PixelFormatRGBA8:
		return &image.RGBA{
			Pix:    frame.Data,
			Stride: frame.Width * 4,
			Rect:   rect,
		}, nil
	case PixelFormatBGRA8:
		img := image.NewRGBA(rect)
		for i := 0; i+3 < len(frame.Data); i += 4 {
			img.Pix[i+0] = frame.Data[i+2]
			img.Pix[i+1] = frame.Data[i+1]
			img.Pix[i+2] = frame.Data[i+0]
			img.Pix[i+3] = frame.Data[i+3]
		}
		return img, nil
	default:
		return nil, fmt.Errorf("unsupported pixel format %s", frame.Format)
	}
}

// FrameFromImage captures an arbitrary image as an RGBA frame.
func FrameFromImage(img image.Image) *Frame {
	bounds := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Stride != bounds.Dx()*4 || bounds.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		for y := 0; y < bounds.Dy(); y++ {
			for x := 0; x < bounds.Dx(); x++ {
				rgba.Set(x, y, img.At(bounds.Min.X+x, bounds.Min.Y+y))
			}
		}
	}
	return &Frame{
		Data:   rgba.Pix,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Format: PixelFormatRGBA8,
	}
}

// Preprocess resizes img to size x size and writes it as planar NCHW
// float32 into dst, which must hold 3*size*size values.
func Preprocess(img image.Image, size int, scale float32, bgr bool, dst []float32) error {
	if size <= 0 {
		return fmt.Errorf("invalid target size %d", size)
	}
	plane := size * size
	if len(dst) != 3*plane {
		return fmt.Errorf("expected a destination of %d values, got %d", 3*plane, len(dst))
	}

	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	bounds := resized.Bounds()

	rPlane, bPlane := 0, 2*plane
	if bgr {
		rPlane, bPlane = bPlane, rPlane
	}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			pixelIndex := y*size + x
			dst[rPlane+pixelIndex] = float32(r) / 65535.0 * scale
			dst[plane+pixelIndex] = float32(g) / 65535.0 * scale
			dst[bPlane+pixelIndex] = float32(b) / 65535.0 * scale
		}
	}
	return nil
}
