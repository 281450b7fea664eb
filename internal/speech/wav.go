package speech

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Audio is signed 16-bit little-endian interleaved PCM.
type Audio struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

func (a *Audio) Duration() time.Duration {
	if a.SampleRate == 0 || a.Channels == 0 {
		return 0
	}
	samples := len(a.PCM) / (2 * a.Channels)
	return time.Duration(samples) * time.Second / time.Duration(a.SampleRate)
}

const wavFormatPCM = 1

// ParseWAV extracts the PCM payload of a RIFF/WAVE file. espeak streams
// with placeholder chunk sizes, so an oversized data chunk is clamped to
// what was actually read.
func ParseWAV(raw []byte) (*Audio, error) {
	if len(raw) < 12 || !bytes.Equal(raw[0:4], []byte("RIFF")) || !bytes.Equal(raw[8:12], []byte("WAVE")) {
		return nil, fmt.Errorf("not a RIFF/WAVE stream")
	}

	var (
		audio     Audio
		sawFormat bool
	)
	for off := 12; off+8 <= len(raw); {
		id := string(raw[off : off+4])
		size := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		body := off + 8
		end := body + size
		if size < 0 || end > len(raw) || end < body {
			end = len(raw)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, fmt.Errorf("fmt chunk is too short: %d bytes", end-body)
			}
			chunk := raw[body:end]
			format := binary.LittleEndian.Uint16(chunk[0:2])
			bits := binary.LittleEndian.Uint16(chunk[14:16])
			if format != wavFormatPCM || bits != 16 {
				return nil, fmt.Errorf("unsupported sample format %d with %d bits", format, bits)
			}
			audio.Channels = int(binary.LittleEndian.Uint16(chunk[2:4]))
			audio.SampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			sawFormat = true
		case "data":
			if !sawFormat {
				return nil, fmt.Errorf("data chunk before fmt chunk")
			}
			audio.PCM = raw[body:end]
			return &audio, nil
		}

		off = end + end%2
	}
	return nil, fmt.Errorf("no data chunk")
}
