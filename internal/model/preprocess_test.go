package model

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/live-classifier/internal/pipelineerr"
)

func solidFrame(w, h int, format PixelFormat, c0, c1, c2 byte) *Frame {
	data := make([]byte, w*h*4)
	for i := 0; i < len(data); i += 4 {
		data[i+0], data[i+1], data[i+2], data[i+3] = c0, c1, c2, 0xff
	}
	return &Frame{Data: data, Width: w, Height: h, Format: format}
}

func TestFrameValidate(t *testing.T) {
	require.NoError(t, solidFrame(4, 2, PixelFormatBGRA8, 0, 0, 0).Validate())

	short := solidFrame(4, 2, PixelFormatBGRA8, 0, 0, 0)
	short.Data = short.Data[:10]
	require.Error(t, short.Validate())

	require.Error(t, (&Frame{Width: 1, Height: 1, Data: make([]byte, 4)}).Validate())
	require.Error(t, (&Frame{Format: PixelFormatRGBA8}).Validate())
}

func TestFrameImageSwapsBGRA(t *testing.T) {
	frame := solidFrame(2, 2, PixelFormatBGRA8, 10, 20, 30)

	img, err := FrameImage(frame)
	require.NoError(t, err)

	r, g, b, _ := img.At(1, 1).RGBA()
	assert.Equal(t, uint32(30), r>>8)
	assert.Equal(t, uint32(20), g>>8)
	assert.Equal(t, uint32(10), b>>8)
	assert.Equal(t, byte(10), frame.Data[0], "the frame must not be modified")
}

func TestFrameFromImage(t *testing.T) {
	src := image.NewNRGBA(image.Rect(5, 5, 8, 7))
	for y := 5; y < 7; y++ {
		for x := 5; x < 8; x++ {
			src.Set(x, y, color.NRGBA{R: 200, A: 255})
		}
	}

	frame := FrameFromImage(src)
	require.NoError(t, frame.Validate())
	assert.Equal(t, 3, frame.Width)
	assert.Equal(t, 2, frame.Height)
	assert.Equal(t, byte(200), frame.Data[0])
}

func TestPreprocessLayout(t *testing.T) {
	img, err := FrameImage(solidFrame(16, 16, PixelFormatRGBA8, 255, 0, 0))
	require.NoError(t, err)

	const size = 4
	dst := make([]float32, 3*size*size)
	require.NoError(t, Preprocess(img, size, 1, false, dst))

	for i := 0; i < size*size; i++ {
		assert.InDelta(t, 1.0, dst[i], 1e-3)
		assert.InDelta(t, 0.0, dst[size*size+i], 1e-3)
		assert.InDelta(t, 0.0, dst[2*size*size+i], 1e-3)
	}

	require.NoError(t, Preprocess(img, size, 255, true, dst))
	assert.InDelta(t, 0.0, dst[0], 1e-1)
	assert.InDelta(t, 255.0, dst[2*size*size], 1e-1)
}

func TestPreprocessRejectsWrongDestination(t *testing.T) {
	img, err := FrameImage(solidFrame(4, 4, PixelFormatRGBA8, 0, 0, 0))
	require.NoError(t, err)

	require.Error(t, Preprocess(img, 4, 1, false, make([]float32, 5)))
	require.Error(t, Preprocess(img, 0, 1, false, nil))
}

func TestLoadMetadata(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{
		"input_shape": [1, 3, 224, 224],
		"output_shape": [1, 1000, 1, 1]
	}`), 0644))

	metadata, err := LoadMetadata(good)
	require.NoError(t, err)
	assert.Equal(t, 224, metadata.ImageSize)
	assert.Equal(t, 1000, metadata.OutputSize())
	assert.Equal(t, "input", metadata.InputName)
	assert.Equal(t, "output", metadata.OutputName)
	assert.Equal(t, float32(1), metadata.PixelScale)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"input_shape": [1, 224, 224], "output_shape": [1000]}`), 0644))
	_, err = LoadMetadata(bad)
	require.Error(t, err)
	assert.True(t, pipelineerr.IsFatal(err))
}
